// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/settleup/internal/models"
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// GetGroup retrieves a group with its members.
	// Returns an error wrapping errs.ErrNotFound if the group does not exist.
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)

	// ListExpensesByGroup returns every expense of a group with its splits,
	// oldest first.
	ListExpensesByGroup(ctx context.Context, groupID string) ([]*models.Expense, error)

	// GetSettlement retrieves a settlement by ID, including related expense IDs.
	// Returns an error wrapping errs.ErrNotFound if it does not exist.
	GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error)

	// ListSettlementsByGroup returns the settlements of a group in creation
	// order. An empty status returns all of them.
	ListSettlementsByGroup(ctx context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error)
}

// Store defines the interface for ledger and settlement storage.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL,
// in-memory) without changing the settlement engine.
type Store interface {
	Reader

	// CreateGroup persists a new group. ID and CreatedAt are filled in when empty.
	CreateGroup(ctx context.Context, group *models.Group) error

	// CreateExpense persists a new expense with its splits.
	// ID, CreatedAt and UpdatedAt are filled in when empty.
	CreateExpense(ctx context.Context, expense *models.Expense) error

	// UpdateExpense replaces an expense and its splits. The stored Settled
	// flag of each participant is kept; the value on the argument is ignored.
	UpdateExpense(ctx context.Context, expense *models.Expense) error

	// DeleteExpense removes an expense and its splits.
	DeleteExpense(ctx context.Context, expenseID string) error

	// WithTx executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// No other reader observes the writes of fn before commit.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}

// Tx is the unit of work used by recompute and completion.
// Settlement status, pending rows and split Settled flags are only ever
// written through a Tx.
type Tx interface {
	Reader

	// LockGroup serializes concurrent units of work on the same group until
	// the transaction ends. Every unit of work that writes a group's
	// settlements takes it before reading the rows it decides on.
	// Backends whose transactions are already serialized make it a no-op.
	LockGroup(ctx context.Context, groupID string) error

	// DeletePendingSettlements removes every pending settlement of a group
	// and returns how many were removed. Completed settlements are untouched.
	DeletePendingSettlements(ctx context.Context, groupID string) (int64, error)

	// InsertSettlement persists a settlement with its related expense links.
	InsertSettlement(ctx context.Context, settlement *models.Settlement) error

	// CompleteSettlement moves a pending settlement to completed using the
	// PaymentMethod, PaymentReference and SettledAt of s. The row must still
	// be pending at s.Version, otherwise an error wrapping errs.ErrConflict
	// is returned. On success s.Status and s.Version are updated.
	CompleteSettlement(ctx context.Context, s *models.Settlement) error

	// MarkSplitSettled sets Settled on the split of userID in expenseID.
	// It reports false when the expense or split no longer exists.
	MarkSplitSettled(ctx context.Context, expenseID, userID string) (bool, error)
}
