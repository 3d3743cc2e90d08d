// Package storagetest holds the behaviour every storage.Store backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

// Factory returns an empty store. The store is closed by the caller's cleanup.
type Factory func(t *testing.T) storage.Store

// Run exercises a storage.Store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("GroupRoundTrip", func(t *testing.T) { testGroupRoundTrip(t, newStore(t)) })
	t.Run("ExpenseRoundTrip", func(t *testing.T) { testExpenseRoundTrip(t, newStore(t)) })
	t.Run("UpdateExpenseKeepsSettled", func(t *testing.T) { testUpdateExpenseKeepsSettled(t, newStore(t)) })
	t.Run("DeleteExpense", func(t *testing.T) { testDeleteExpense(t, newStore(t)) })
	t.Run("WithTxRollsBack", func(t *testing.T) { testWithTxRollsBack(t, newStore(t)) })
	t.Run("DeletePendingKeepsCompleted", func(t *testing.T) { testDeletePendingKeepsCompleted(t, newStore(t)) })
	t.Run("CompleteSettlementVersion", func(t *testing.T) { testCompleteSettlementVersion(t, newStore(t)) })
	t.Run("MarkSplitSettled", func(t *testing.T) { testMarkSplitSettled(t, newStore(t)) })
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// SeedGroup creates a group of the given members with currency USD.
func SeedGroup(t *testing.T, store storage.Store, members ...string) *models.Group {
	t.Helper()
	group := &models.Group{Name: "Trip", DefaultCurrency: "USD"}
	for i, id := range members {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		group.Members = append(group.Members, models.Member{UserID: id, Role: role})
	}
	require.NoError(t, store.CreateGroup(context.Background(), group))
	return group
}

// SeedExpense creates an exact-split expense paid by paidBy.
// shares alternates user ID and amount: "B", "10.00", "C", "20.00".
func SeedExpense(t *testing.T, store storage.Store, groupID, paidBy, amount string, shares ...string) *models.Expense {
	t.Helper()
	require.True(t, len(shares)%2 == 0, "shares must be user/amount pairs")

	expense := &models.Expense{
		GroupID:   groupID,
		Amount:    dec(amount),
		Currency:  "USD",
		PaidBy:    paidBy,
		SplitType: models.SplitExact,
	}
	for i := 0; i < len(shares); i += 2 {
		expense.Splits = append(expense.Splits, models.Split{UserID: shares[i], Amount: dec(shares[i+1])})
	}
	require.NoError(t, store.CreateExpense(context.Background(), expense))
	return expense
}

func insertSettlement(t *testing.T, store storage.Store, s *models.Settlement) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertSettlement(context.Background(), s)
	})
	require.NoError(t, err)
}

func testGroupRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "carol", "alice", "bob")
	assert.NotEmpty(t, group.ID)
	assert.NotZero(t, group.CreatedAt)

	got, err := store.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip", got.Name)
	assert.Equal(t, "USD", got.DefaultCurrency)
	assert.Equal(t, []string{"carol", "alice", "bob"}, got.MemberIDs())
	assert.Equal(t, models.RoleOwner, got.Members[0].Role)

	_, err = store.GetGroup(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func testExpenseRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B", "C")
	first := SeedExpense(t, store, group.ID, "A", "30.00", "A", "10.00", "B", "10.00", "C", "10.00")
	second := SeedExpense(t, store, group.ID, "B", "12.50", "C", "12.50")
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.Description)

	expenses, err := store.ListExpensesByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, expenses, 2)
	assert.Equal(t, first.ID, expenses[0].ID)
	assert.Equal(t, second.ID, expenses[1].ID)

	got := expenses[0]
	assert.True(t, got.Amount.Equal(dec("30")))
	assert.Equal(t, "A", got.PaidBy)
	assert.Equal(t, models.SplitExact, got.SplitType)
	require.Len(t, got.Splits, 3)
	for i, id := range []string{"A", "B", "C"} {
		assert.Equal(t, id, got.Splits[i].UserID)
		assert.True(t, got.Splits[i].Amount.Equal(dec("10")))
		assert.False(t, got.Splits[i].Settled)
	}

	other, err := store.ListExpensesByGroup(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testUpdateExpenseKeepsSettled(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B", "C")
	expense := SeedExpense(t, store, group.ID, "A", "20.00", "B", "10.00", "C", "10.00")

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.MarkSplitSettled(ctx, expense.ID, "B")
		return err
	})
	require.NoError(t, err)

	expense.Amount = dec("30.00")
	expense.Splits = []models.Split{
		{UserID: "B", Amount: dec("15.00")},
		{UserID: "C", Amount: dec("15.00"), Settled: true},
	}
	require.NoError(t, store.UpdateExpense(ctx, expense))

	expenses, err := store.ListExpensesByGroup(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, expenses, 1)
	got := expenses[0]
	assert.True(t, got.Amount.Equal(dec("30")))
	split, ok := got.SplitFor("B")
	require.True(t, ok)
	assert.True(t, split.Settled, "stored flag kept")
	assert.True(t, split.Amount.Equal(dec("15")))
	split, ok = got.SplitFor("C")
	require.True(t, ok)
	assert.False(t, split.Settled, "caller flag ignored")

	missing := &models.Expense{ID: "missing", GroupID: group.ID, Amount: dec("1"), PaidBy: "A"}
	assert.True(t, errors.Is(store.UpdateExpense(ctx, missing), errs.ErrNotFound))
}

func testDeleteExpense(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B")
	expense := SeedExpense(t, store, group.ID, "A", "10.00", "B", "10.00")

	require.NoError(t, store.DeleteExpense(ctx, expense.ID))
	expenses, err := store.ListExpensesByGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, expenses)

	assert.True(t, errors.Is(store.DeleteExpense(ctx, expense.ID), errs.ErrNotFound))
}

func testWithTxRollsBack(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B")
	expense := SeedExpense(t, store, group.ID, "A", "10.00", "B", "10.00")

	original := &models.Settlement{
		ID: "s-original", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
		Amount: dec("10.00"), Currency: "USD", Status: models.StatusPending,
		RelatedExpenses: []string{expense.ID}, CreatedAt: 100,
	}
	insertSettlement(t, store, original)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.DeletePendingSettlements(ctx, group.ID); err != nil {
			return err
		}
		if err := tx.InsertSettlement(ctx, &models.Settlement{
			ID: "s-replacement", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
			Amount: dec("5.00"), Currency: "USD", Status: models.StatusPending, CreatedAt: 200,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	pending, err := store.ListSettlementsByGroup(ctx, group.ID, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s-original", pending[0].ID)
	assert.Equal(t, []string{expense.ID}, pending[0].RelatedExpenses)
	assert.True(t, pending[0].Amount.Equal(dec("10")))
}

func testDeletePendingKeepsCompleted(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B", "C")

	insertSettlement(t, store, &models.Settlement{
		ID: "s-done", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
		Amount: dec("5.00"), Currency: "USD", Status: models.StatusCompleted,
		PaymentMethod: "cash", CreatedAt: 100, SettledAt: 150,
	})
	insertSettlement(t, store, &models.Settlement{
		ID: "s-open-1", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
		Amount: dec("10.00"), Currency: "USD", Status: models.StatusPending, CreatedAt: 200,
	})
	insertSettlement(t, store, &models.Settlement{
		ID: "s-open-2", GroupID: group.ID, PayerID: "C", ReceiverID: "A",
		Amount: dec("7.25"), Currency: "USD", Status: models.StatusPending, CreatedAt: 200,
	})

	all, err := store.ListSettlementsByGroup(ctx, group.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s-done", "s-open-1", "s-open-2"}, settlementIDs(all))

	var deleted int64
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockGroup(ctx, group.ID); err != nil {
			return err
		}
		var err error
		deleted, err = tx.DeletePendingSettlements(ctx, group.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	all, err = store.ListSettlementsByGroup(ctx, group.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	done := all[0]
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "cash", done.PaymentMethod)
	assert.Equal(t, int64(150), done.SettledAt)
	assert.Empty(t, done.PaymentReference)
}

func testCompleteSettlementVersion(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B")
	insertSettlement(t, store, &models.Settlement{
		ID: "s1", GroupID: group.ID, PayerID: "B", ReceiverID: "A",
		Amount: dec("10.00"), Currency: "USD", Status: models.StatusPending, CreatedAt: 100,
	})

	stale, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stale.Version)

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSettlement(ctx, "s1")
		if err != nil {
			return err
		}
		s.PaymentMethod = "bank_transfer"
		s.PaymentReference = "ref-42"
		s.SettledAt = 300
		if err := tx.CompleteSettlement(ctx, s); err != nil {
			return err
		}
		assert.Equal(t, models.StatusCompleted, s.Status)
		assert.Equal(t, int64(2), s.Version)
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "bank_transfer", got.PaymentMethod)
	assert.Equal(t, "ref-42", got.PaymentReference)
	assert.Equal(t, int64(300), got.SettledAt)
	assert.Equal(t, int64(2), got.Version)

	stale.PaymentMethod = "cash"
	stale.SettledAt = 400
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CompleteSettlement(ctx, stale)
	})
	assert.True(t, errors.Is(err, errs.ErrConflict))

	got, err = store.GetSettlement(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "bank_transfer", got.PaymentMethod, "stale write must not land")

	_, err = store.GetSettlement(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func testMarkSplitSettled(t *testing.T, store storage.Store) {
	ctx := context.Background()
	group := SeedGroup(t, store, "A", "B")
	expense := SeedExpense(t, store, group.ID, "A", "10.00", "B", "10.00")

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.MarkSplitSettled(ctx, expense.ID, "B")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.MarkSplitSettled(ctx, "missing", "B")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.MarkSplitSettled(ctx, expense.ID, "Z")
		require.NoError(t, err)
		assert.False(t, ok)

		// Reads inside the unit of work observe its own writes.
		expenses, err := tx.ListExpensesByGroup(ctx, group.ID)
		require.NoError(t, err)
		split, found := expenses[0].SplitFor("B")
		require.True(t, found)
		assert.True(t, split.Settled)
		return nil
	})
	require.NoError(t, err)
}

func settlementIDs(settlements []*models.Settlement) []string {
	ids := make([]string, len(settlements))
	for i, s := range settlements {
		ids[i] = s.ID
	}
	return ids
}
