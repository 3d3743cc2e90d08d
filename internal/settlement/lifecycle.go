package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

// CompleteRequest asks to mark a settlement as paid.
type CompleteRequest struct {
	SettlementID string

	// ActorID is the authenticated caller. Only the settlement's payer may complete it.
	ActorID string

	// PaymentMethod is required (e.g., "cash", "bank_transfer").
	PaymentMethod string

	PaymentReference string
}

// Complete moves one pending settlement to completed and marks the payer's
// split as settled on each related expense. It must run inside the caller's
// unit of work.
//
// The group lock is held before the settlement is read for the decision,
// in the same order a recompute takes it.
//
// Checks run in this order: missing settlement, wrong actor, already
// completed, cancelled, missing payment method. A row changed by a concurrent
// unit of work after it was read yields errs.ErrConflict.
func Complete(ctx context.Context, tx storage.Tx, req CompleteRequest, now int64) (*models.Settlement, error) {
	s, err := tx.GetSettlement(ctx, req.SettlementID)
	if err != nil {
		return nil, err
	}
	if err := tx.LockGroup(ctx, s.GroupID); err != nil {
		return nil, err
	}
	// Re-read under the lock; a recompute may have replaced the row meanwhile.
	if s, err = tx.GetSettlement(ctx, req.SettlementID); err != nil {
		return nil, err
	}

	if req.ActorID != s.PayerID {
		return nil, fmt.Errorf("settlement %s can only be completed by its payer: %w", s.ID, errs.ErrForbidden)
	}

	switch {
	case s.IsPending():
	case s.Status == models.StatusCompleted:
		return nil, fmt.Errorf("settlement %s: %w", s.ID, errs.ErrAlreadySettled)
	default:
		return nil, fmt.Errorf("settlement %s is %s: %w", s.ID, s.Status, errs.ErrConflict)
	}

	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		return nil, errs.Invalid("payment_method", "is required")
	}

	s.PaymentMethod = method
	s.PaymentReference = strings.TrimSpace(req.PaymentReference)
	s.SettledAt = now
	if err := tx.CompleteSettlement(ctx, s); err != nil {
		return nil, err
	}

	for _, expenseID := range s.RelatedExpenses {
		ok, err := tx.MarkSplitSettled(ctx, expenseID, s.PayerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Warn("Related expense has no split for payer",
				"settlement_id", s.ID,
				"expense_id", expenseID,
				"payer_id", s.PayerID,
			)
		}
	}

	return s, nil
}
