package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	return getGroup(ctx, t.tx, groupID)
}

func (t *pgTx) ListExpensesByGroup(ctx context.Context, groupID string) ([]*models.Expense, error) {
	return listExpensesByGroup(ctx, t.tx, groupID)
}

// GetSettlement reads without a row lock. Writers of a group's settlements
// hold the group's advisory lock, and completion re-checks the version.
func (t *pgTx) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	return getSettlement(ctx, t.tx, settlementID)
}

func (t *pgTx) ListSettlementsByGroup(ctx context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	return listSettlementsByGroup(ctx, t.tx, groupID, status)
}

// LockGroup takes a transaction-scoped advisory lock keyed by the group ID.
func (t *pgTx) LockGroup(ctx context.Context, groupID string) error {
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", groupID); err != nil {
		return fmt.Errorf("failed to lock group: %w", err)
	}
	return nil
}

func (t *pgTx) DeletePendingSettlements(ctx context.Context, groupID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		"DELETE FROM settlements WHERE group_id = $1 AND status = $2",
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

func (t *pgTx) InsertSettlement(ctx context.Context, settlement *models.Settlement) error {
	if settlement.Version == 0 {
		settlement.Version = 1
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		settlement.ID, settlement.GroupID, settlement.PayerID, settlement.ReceiverID,
		settlement.Amount, settlement.Currency, settlement.Status,
		nullString(settlement.PaymentMethod), nullString(settlement.PaymentReference),
		settlement.Version, settlement.CreatedAt, nullInt64(settlement.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	for i, expenseID := range settlement.RelatedExpenses {
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO settlement_expenses (settlement_id, expense_id, position) VALUES ($1, $2, $3)",
			settlement.ID, expenseID, i,
		)
		if err != nil {
			return fmt.Errorf("failed to link related expense: %w", err)
		}
	}
	return nil
}

func (t *pgTx) CompleteSettlement(ctx context.Context, s *models.Settlement) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE settlements
		 SET status = $1, payment_method = $2, payment_reference = $3, settled_at = $4, version = version + 1
		 WHERE id = $5 AND status = $6 AND version = $7`,
		models.StatusCompleted, s.PaymentMethod, nullString(s.PaymentReference), s.SettledAt,
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

func (t *pgTx) MarkSplitSettled(ctx context.Context, expenseID, userID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE expense_splits SET settled = TRUE WHERE expense_id = $1 AND user_id = $2",
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
