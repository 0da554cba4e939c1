package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/billflow/types"
)

// MemoryStorage is an in-memory implementation of the Repository interface.
type MemoryStorage struct {
	bills map[string]types.Bill
	order []string
	now   func() time.Time
	mu    sync.RWMutex
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	ms := &MemoryStorage{
		bills: make(map[string]types.Bill),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// Create stores a new bill in memory.
func (s *MemoryStorage) Create(ctx context.Context, bill types.Bill) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.bills[bill.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrDuplicateID, bill.ID)
		}
		s.bills[bill.ID] = bill.Clone()
		s.order = append(s.order, bill.ID)
		return nil
	})
}

// Get retrieves a bill from memory.
func (s *MemoryStorage) Get(ctx context.Context, id string) (types.Bill, error) {
	return withContext(ctx, func() (types.Bill, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		bill, ok := s.bills[id]
		if !ok {
			return types.Bill{}, fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
		}
		return bill.Clone(), nil
	})
}

// Update applies fn under the write lock.
func (s *MemoryStorage) Update(ctx context.Context, id string, fn UpdateFunc) (types.Bill, error) {
	return withContext(ctx, func() (types.Bill, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.bills[id]
		if !ok {
			return types.Bill{}, fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
		}
		next, err := applyUpdate(current, fn, s.now())
		if err != nil {
			return types.Bill{}, err
		}
		s.bills[id] = next
		return next.Clone(), nil
	})
}

// Delete removes a bill from memory.
func (s *MemoryStorage) Delete(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.bills[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
		}
		delete(s.bills, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return nil
	})
}

// Filter returns matching bills in insertion order.
func (s *MemoryStorage) Filter(ctx context.Context, filter types.Filter) ([]types.Bill, error) {
	return withContext(ctx, func() ([]types.Bill, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Bill, 0, len(s.order))
		for _, id := range s.order {
			bill := s.bills[id]
			if filter.Match(bill) {
				out = append(out, bill.Clone())
			}
		}
		return out, nil
	})
}

// Len returns the number of stored bills.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bills)
}
