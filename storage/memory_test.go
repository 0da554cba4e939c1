package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/billflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

// Helper function to create a sample bill
func newBill(id string, details types.Details) types.Bill {
	return types.Bill{
		ID:        id,
		Type:      details.Kind(),
		Status:    types.StatusPending,
		Approvals: []types.ApprovalRecord{},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
		Remarks:   "remark " + id,
		Details:   details,
	}
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := testEpoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.NotNil(t, store.bills)
		assert.Empty(t, store.order)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		store := NewMemoryStorage()

		bill := newBill("b1", types.Purchase{PONumber: "PO-1", TotalAmount: 10})
		require.NoError(t, store.Create(ctx, bill))

		got, err := store.Get(ctx, "b1")
		assert.NoError(t, err)
		assert.Equal(t, bill, got)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrBillNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := NewMemoryStorage()

		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{})))
		err := store.Create(ctx, newBill("b1", types.AdvanceRequest{}))
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.Equal(t, 1, store.Len())

		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, types.BillTypePurchase, got.Type)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		store := NewMemoryStorage()
		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{})))

		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		got.Approvals = append(got.Approvals, types.ApprovalRecord{Stage: 0})
		got.Remarks = "mutated"

		again, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Empty(t, again.Approvals)
		assert.Equal(t, "remark b1", again.Remarks)
	})

	t.Run("Update", func(t *testing.T) {
		store := NewMemoryStorage(WithClock(fixedClock()))
		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{PONumber: "PO-1"})))

		remarks := "checked"
		updated, err := store.Update(ctx, "b1", func(b *types.Bill) error {
			return types.Patch{Remarks: &remarks, Details: types.Purchase{PONumber: "PO-2"}}.Apply(b)
		})
		require.NoError(t, err)
		assert.Equal(t, "checked", updated.Remarks)
		assert.Equal(t, "PO-2", updated.DisplayReference())
		assert.Equal(t, testEpoch.Add(time.Second), updated.UpdatedAt)
		assert.Equal(t, testEpoch, updated.CreatedAt)

		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("UpdateKeepsCallerTimestamp", func(t *testing.T) {
		store := NewMemoryStorage(WithClock(fixedClock()))
		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{})))

		// stamping the unchanged time still counts as the caller's stamp
		updated, err := store.Update(ctx, "b1", func(b *types.Bill) error {
			assert.True(t, b.UpdatedAt.IsZero())
			b.UpdatedAt = testEpoch
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, testEpoch, updated.UpdatedAt)
	})

	t.Run("UpdateErrorLeavesBillUnchanged", func(t *testing.T) {
		store := NewMemoryStorage()
		bill := newBill("b1", types.Purchase{})
		require.NoError(t, store.Create(ctx, bill))

		boom := errors.New("boom")
		_, err := store.Update(ctx, "b1", func(b *types.Bill) error {
			b.Remarks = "partial"
			b.Approvals = append(b.Approvals, types.ApprovalRecord{Stage: 1})
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, bill, got)
	})

	t.Run("UpdateImmutableFields", func(t *testing.T) {
		store := NewMemoryStorage()
		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{})))

		mutations := map[string]UpdateFunc{
			"id":         func(b *types.Bill) error { b.ID = "b2"; return nil },
			"type":       func(b *types.Bill) error { b.Type = types.BillTypeAdvanceRequest; return nil },
			"details":    func(b *types.Bill) error { b.Details = types.AdvanceRequest{}; return nil },
			"created_at": func(b *types.Bill) error { b.CreatedAt = b.CreatedAt.Add(time.Hour); return nil },
		}
		for name, fn := range mutations {
			_, err := store.Update(ctx, "b1", fn)
			assert.ErrorIs(t, err, ErrImmutableField, name)
		}

		_, err := store.Get(ctx, "b2")
		assert.ErrorIs(t, err, ErrBillNotFound)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store := NewMemoryStorage()
		called := false
		_, err := store.Update(ctx, "missing", func(b *types.Bill) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrBillNotFound)
		assert.False(t, called)
	})

	t.Run("Delete", func(t *testing.T) {
		store := NewMemoryStorage()
		for i := 1; i <= 3; i++ {
			require.NoError(t, store.Create(ctx, newBill(fmt.Sprintf("b%d", i), types.Purchase{})))
		}

		require.NoError(t, store.Delete(ctx, "b2"))
		_, err := store.Get(ctx, "b2")
		assert.ErrorIs(t, err, ErrBillNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "b2"), ErrBillNotFound)

		bills, err := store.Filter(ctx, types.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b3"}, ids(bills))
	})

	t.Run("Filter", func(t *testing.T) {
		store := NewMemoryStorage()
		require.NoError(t, store.Create(ctx, newBill("p1", types.Purchase{})))
		require.NoError(t, store.Create(ctx, newBill("a1", types.AdvanceRequest{})))
		require.NoError(t, store.Create(ctx, newBill("p2", types.Purchase{})))
		_, err := store.Update(ctx, "p2", func(b *types.Bill) error {
			b.Status = types.StatusRejected
			return nil
		})
		require.NoError(t, err)

		all, err := store.Filter(ctx, types.Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "a1", "p2"}, ids(all))

		purchases, err := store.Filter(ctx, types.ByType(types.BillTypePurchase))
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, ids(purchases))

		pending, err := store.Filter(ctx, types.ByStatus(types.StatusPending))
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "a1"}, ids(pending))

		bt, st := types.BillTypePurchase, types.StatusRejected
		both, err := store.Filter(ctx, types.Filter{Type: &bt, Status: &st})
		require.NoError(t, err)
		assert.Equal(t, []string{"p2"}, ids(both))

		none, err := store.Filter(ctx, types.ByStatus(types.StatusApproved))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		store := NewMemoryStorage()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, store.Create(cctx, newBill("b1", types.Purchase{})), context.Canceled)
		_, err := store.Get(cctx, "b1")
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.Filter(cctx, types.Filter{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		store := NewMemoryStorage()
		require.NoError(t, store.Create(ctx, newBill("b1", types.Purchase{})))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Update(ctx, "b1", func(b *types.Bill) error {
					b.Approvals = append(b.Approvals, types.ApprovalRecord{Stage: i})
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Len(t, got.Approvals, 50)
	})
}

func ids(bills []types.Bill) []string {
	out := make([]string, 0, len(bills))
	for _, b := range bills {
		out = append(out, b.ID)
	}
	return out
}
