package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

// WithTx executes fn within a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqliteTx implements storage.Tx on top of *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	return getGroup(ctx, t.tx, groupID)
}

func (t *sqliteTx) ListExpensesByGroup(ctx context.Context, groupID string) ([]*models.Expense, error) {
	return listExpensesByGroup(ctx, t.tx, groupID)
}

func (t *sqliteTx) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	return getSettlement(ctx, t.tx, settlementID)
}

func (t *sqliteTx) ListSettlementsByGroup(ctx context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	return listSettlementsByGroup(ctx, t.tx, groupID, status)
}

// LockGroup is a no-op: the single pooled connection already serializes transactions.
func (t *sqliteTx) LockGroup(ctx context.Context, groupID string) error {
	return nil
}

// DeletePendingSettlements removes the pending settlements of a group.
// Related expense links go with them through ON DELETE CASCADE.
func (t *sqliteTx) DeletePendingSettlements(ctx context.Context, groupID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		"DELETE FROM settlements WHERE group_id = ? AND status = ?",
		groupID, models.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending settlements: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted settlements: %w", err)
	}
	return n, nil
}

// InsertSettlement persists a settlement and its related expense links.
func (t *sqliteTx) InsertSettlement(ctx context.Context, settlement *models.Settlement) error {
	if settlement.Version == 0 {
		settlement.Version = 1
	}

	var method, reference, settledAt any
	if settlement.PaymentMethod != "" {
		method = settlement.PaymentMethod
	}
	if settlement.PaymentReference != "" {
		reference = settlement.PaymentReference
	}
	if settlement.SettledAt != 0 {
		settledAt = settlement.SettledAt
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		settlement.ID, settlement.GroupID, settlement.PayerID, settlement.ReceiverID,
		settlement.Amount.String(), settlement.Currency, settlement.Status,
		method, reference, settlement.Version, settlement.CreatedAt, settledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	for i, expenseID := range settlement.RelatedExpenses {
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO settlement_expenses (settlement_id, expense_id, position) VALUES (?, ?, ?)",
			settlement.ID, expenseID, i,
		)
		if err != nil {
			return fmt.Errorf("failed to link related expense: %w", err)
		}
	}

	return nil
}

// CompleteSettlement marks a pending settlement completed if it is unchanged since it was read.
func (t *sqliteTx) CompleteSettlement(ctx context.Context, s *models.Settlement) error {
	var reference any
	if s.PaymentReference != "" {
		reference = s.PaymentReference
	}

	result, err := t.tx.ExecContext(ctx,
		`UPDATE settlements
		 SET status = ?, payment_method = ?, payment_reference = ?, settled_at = ?, version = version + 1
		 WHERE id = ? AND status = ? AND version = ?`,
		models.StatusCompleted, s.PaymentMethod, reference, s.SettledAt,
		s.ID, models.StatusPending, s.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to complete settlement: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count completed settlements: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("settlement %s changed since read: %w", s.ID, errs.ErrConflict)
	}

	s.Status = models.StatusCompleted
	s.Version++
	return nil
}

// MarkSplitSettled flags one participant's split of an expense as settled.
func (t *sqliteTx) MarkSplitSettled(ctx context.Context, expenseID, userID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE expense_splits SET settled = 1 WHERE expense_id = ? AND user_id = ?",
		expenseID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark split settled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count settled splits: %w", err)
	}
	return n > 0, nil
}
