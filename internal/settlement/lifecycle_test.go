package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
	"github.com/mmynk/settleup/internal/storage/memory"
	"github.com/mmynk/settleup/internal/storage/storagetest"
)

func TestCompleteSettlement(t *testing.T) {
	store := newSQLiteStore(t)
	engine := newEngine(store)
	group, first, second := seedExample(t, store)
	ctx := context.Background()

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	s := findSettlement(t, result.Settlements, "C", "A")

	t.Run("other actor is forbidden", func(t *testing.T) {
		_, err := engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "A", PaymentMethod: "cash"})
		assert.True(t, errors.Is(err, errs.ErrForbidden))
	})

	t.Run("payment method is required", func(t *testing.T) {
		_, err := engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "C", PaymentMethod: "  "})
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("missing settlement", func(t *testing.T) {
		_, err := engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: "missing", ActorID: "C", PaymentMethod: "cash"})
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("payer completes", func(t *testing.T) {
		done, err := engine.CompleteSettlement(ctx, CompleteRequest{
			SettlementID: s.ID, ActorID: "C", PaymentMethod: "bank_transfer", PaymentReference: "tx-981",
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, done.Status)
		assert.Equal(t, "bank_transfer", done.PaymentMethod)
		assert.Equal(t, "tx-981", done.PaymentReference)
		assert.Equal(t, fixedNow.Unix(), done.SettledAt)
		assert.Equal(t, int64(2), done.Version)

		stored, err := store.GetSettlement(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, stored.Status)
	})

	t.Run("payer split is mirrored on related expenses", func(t *testing.T) {
		expenses, err := store.ListExpensesByGroup(ctx, group.ID)
		require.NoError(t, err)
		for _, e := range expenses {
			for _, split := range e.Splits {
				want := e.ID == first.ID && split.UserID == "C"
				assert.Equal(t, want, split.Settled, "expense %s split %s", e.ID, split.UserID)
			}
		}
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("second completion is already settled", func(t *testing.T) {
		_, err := engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "C", PaymentMethod: "cash"})
		assert.True(t, errors.Is(err, errs.ErrAlreadySettled))
		assert.True(t, errors.Is(err, errs.ErrConflict))
		assert.False(t, errs.IsRetryable(err))
	})

	t.Run("paid debt is not regenerated", func(t *testing.T) {
		again, err := engine.Recompute(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, []edge{{"B", "A", "15.00"}}, edges(again.Settlements))

		// B still holds an unsettled split on the first expense.
		assert.Equal(t, []string{first.ID}, again.Settlements[0].RelatedExpenses)

		completed, err := store.ListSettlementsByGroup(ctx, group.ID, models.StatusCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, s.ID, completed[0].ID)
	})
}

func TestCompleteSettlement_StaleAfterRecompute(t *testing.T) {
	store := memory.New()
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	before, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	stale := findSettlement(t, before.Settlements, "B", "A")

	_, err = engine.Recompute(ctx, group.ID)
	require.NoError(t, err)

	_, err = engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: stale.ID, ActorID: "B", PaymentMethod: "cash"})
	assert.True(t, errs.IsNotFound(err), "replaced settlement is never resurrected")
}

func TestCompleteSettlement_ConcurrentCallsSettleOnce(t *testing.T) {
	store := newSQLiteStore(t)
	engine := newEngine(store)
	group, _, _ := seedExample(t, store)
	ctx := context.Background()

	result, err := engine.Recompute(ctx, group.ID)
	require.NoError(t, err)
	s := findSettlement(t, result.Settlements, "C", "A")

	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CompleteSettlement(ctx, CompleteRequest{SettlementID: s.ID, ActorID: "C", PaymentMethod: "cash"})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errs.ErrConflict):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), rejected.Load())
}

func TestComplete_CancelledIsConflict(t *testing.T) {
	store := memory.New()
	group := storagetest.SeedGroup(t, store, "A", "B")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSettlement(ctx, &models.Settlement{
			ID: "s1", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
			Amount: d("5"), Currency: "USD", Status: models.StatusCancelled,
		})
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := Complete(ctx, tx, CompleteRequest{SettlementID: "s1", ActorID: "B", PaymentMethod: "cash"}, 1)
		return err
	})
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.False(t, errors.Is(err, errs.ErrAlreadySettled))
}

func TestReplacePending_RejectsNonMembersAtomically(t *testing.T) {
	store := memory.New()
	group := storagetest.SeedGroup(t, store, "A", "B")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ReplacePending(ctx, tx, group, []calculator.Transaction{
			{From: "B", To: "A", Amount: d("10"), Currency: "USD"},
		}, nil, 1)
		return err
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ReplacePending(ctx, tx, group, []calculator.Transaction{
			{From: "B", To: "A", Amount: d("4"), Currency: "USD"},
			{From: "Z", To: "A", Amount: d("6"), Currency: "USD"},
		}, nil, 2)
		return err
	})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	pending, err := store.ListSettlementsByGroup(ctx, group.ID, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []edge{{"B", "A", "10.00"}}, edges(pending))
}

func TestReplacePending_RollsBackOnInsertFailure(t *testing.T) {
	store := memory.New()
	group := storagetest.SeedGroup(t, store, "A", "B", "C")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ReplacePending(ctx, tx, group, []calculator.Transaction{
			{From: "C", To: "A", Amount: d("10")},
		}, nil, 1)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("disk full")
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		created, err := ReplacePending(ctx, tx, group, []calculator.Transaction{
			{From: "B", To: "A", Amount: d("3")},
		}, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, "USD", created[0].Currency, "empty currency falls back to the group default")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	pending, err := store.ListSettlementsByGroup(ctx, group.ID, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []edge{{"C", "A", "10.00"}}, edges(pending))
}

func TestRelatedExpenses(t *testing.T) {
	expenses := []*models.Expense{
		{ID: "e1", PaidBy: "A", Splits: []models.Split{{UserID: "A"}, {UserID: "B"}}},
		{ID: "e2", PaidBy: "A", Splits: []models.Split{{UserID: "B", Settled: true}}},
		{ID: "e3", PaidBy: "C", Splits: []models.Split{{UserID: "B"}}},
		{ID: "e4", PaidBy: "A", Splits: []models.Split{{UserID: "C"}}},
		{ID: "e5", PaidBy: "A", Splits: []models.Split{{UserID: "B"}}},
	}

	assert.Equal(t, []string{"e1", "e5"}, relatedExpenses(expenses, "B", "A"))
	assert.Equal(t, []string{"e4"}, relatedExpenses(expenses, "C", "A"))
	assert.Empty(t, relatedExpenses(expenses, "A", "B"))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	// A different key is never blocked by "a".
	unlockB := k.Lock("b")
	unlockB()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
