package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/billflow/types"
)

// Errors
var (
	ErrBillNotFound   = errors.New("bill not found")
	ErrDuplicateID    = errors.New("bill id already exists")
	ErrImmutableField = errors.New("immutable bill field changed")
)

// UpdateFunc mutates a private copy of a stored bill. Returning an error
// discards the copy. UpdatedAt is zero on entry; a function that sets it
// stamps the update with its own time.
type UpdateFunc func(bill *types.Bill) error

// Repository defines the interface for persisting and retrieving bills.
type Repository interface {
	// Create stores a new bill. The ID must not be in use.
	Create(ctx context.Context, bill types.Bill) error

	// Get retrieves a bill by ID.
	Get(ctx context.Context, id string) (types.Bill, error)

	// Update atomically applies fn to the bill and stores the result. UpdatedAt
	// is set to the storage clock unless fn set it.
	Update(ctx context.Context, id string, fn UpdateFunc) (types.Bill, error)

	// Delete removes a bill.
	Delete(ctx context.Context, id string) error

	// Filter returns matching bills in insertion order.
	Filter(ctx context.Context, filter types.Filter) ([]types.Bill, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// checkImmutable rejects updates that touched identity fields.
func checkImmutable(before, after types.Bill) error {
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("%w: id %q -> %q", ErrImmutableField, before.ID, after.ID)
	case after.Type != before.Type:
		return fmt.Errorf("%w: type %s -> %s", ErrImmutableField, before.Type, after.Type)
	case after.Details != nil && after.Details.Kind() != before.Type:
		return fmt.Errorf("%w: details of type %s on %s bill", ErrImmutableField, after.Details.Kind(), before.Type)
	case !after.CreatedAt.Equal(before.CreatedAt):
		return fmt.Errorf("%w: created_at", ErrImmutableField)
	}
	return nil
}

// applyUpdate runs fn on a copy of current and validates the result.
func applyUpdate(current types.Bill, fn UpdateFunc, now time.Time) (types.Bill, error) {
	next := current.Clone()
	next.UpdatedAt = time.Time{}
	if err := fn(&next); err != nil {
		return types.Bill{}, err
	}
	if err := checkImmutable(current, next); err != nil {
		return types.Bill{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	return next, nil
}
