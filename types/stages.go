package types

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidStages = errors.New("invalid stage sequence")

// Stages is the ordered approval pipeline. A stage is identified by its index.
type Stages []string

// DefaultStages is the pipeline used when none is configured.
var DefaultStages = Stages{
	"Submitted",
	"Initial Review",
	"Department Head",
	"Finance Review",
	"CFO Approval",
	"CEO Approval",
	"Payment Processing",
}

// Validate requires at least one stage and no blank names.
func (s Stages) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidStages)
	}
	for i, name := range s {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidStages, i)
		}
	}
	return nil
}

// Last returns the index of the terminal stage.
func (s Stages) Last() int {
	return len(s) - 1
}

// Has reports whether i is a valid stage index.
func (s Stages) Has(i int) bool {
	return i >= 0 && i < len(s)
}

// Label returns the stage name at i, or an empty string when out of range.
func (s Stages) Label(i int) string {
	if !s.Has(i) {
		return ""
	}
	return s[i]
}

// Labels that replace the stage name once a bill is final.
const (
	LabelCompleted = "Completed"
	LabelRejected  = "Rejected"
)

// LabelFor is the display label of a bill's position in the pipeline:
// "Completed" once approved at the last stage, "Rejected" once rejected,
// otherwise the current stage name.
func (s Stages) LabelFor(b Bill) string {
	switch {
	case b.Status == StatusApproved && b.CurrentStage == s.Last():
		return LabelCompleted
	case b.Status == StatusRejected:
		return LabelRejected
	}
	return s.Label(b.CurrentStage)
}

// Clone returns an independent copy of the sequence.
func (s Stages) Clone() Stages {
	return append(Stages(nil), s...)
}
