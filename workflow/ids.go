package workflow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
)

// IDGenerator produces bill identifiers.
type IDGenerator interface {
	NextID() (string, error)
}

// UUIDs generates random version 4 UUIDs.
type UUIDs struct{}

// NextID implements IDGenerator.
func (UUIDs) NextID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SnowflakeIDs renders gkit snowflake IDs in decimal.
type SnowflakeIDs struct {
	gen generator.Generator
}

// NewSnowflakeIDs wraps an existing gkit generator.
func NewSnowflakeIDs(gen generator.Generator) (*SnowflakeIDs, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	return &SnowflakeIDs{gen: gen}, nil
}

// NextID implements IDGenerator.
func (s *SnowflakeIDs) NextID() (string, error) {
	id, err := s.gen.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

// MaxMachineID is the largest machine ID a snowflake generator can encode.
const MaxMachineID = math.MaxUint16

// ErrMachineIDRange is returned for machine IDs that do not fit the node bits.
var ErrMachineIDRange = errors.New("snowflake machine id out of range")

// snowflakeEpoch is the start of the snowflake time component.
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultSnowflake is a snowflake generator with the epoch at 2024-01-01 UTC.
func DefaultSnowflake(machine uint64) (*SnowflakeIDs, error) {
	if machine > MaxMachineID {
		return nil, fmt.Errorf("%w: %d > %d", ErrMachineIDRange, machine, MaxMachineID)
	}
	return NewSnowflakeIDs(generator.NewSnowflake(snowflakeEpoch, uint16(machine)))
}
