package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/storage"
)

// ReplacePending swaps the pending settlements of group for one new pending
// settlement per transaction. Completed settlements are left alone.
//
// It must run inside the caller's unit of work: any error leaves the previous
// pending set in place once the transaction rolls back.
func ReplacePending(ctx context.Context, tx storage.Tx, group *models.Group, txns []calculator.Transaction, expenses []*models.Expense, now int64) ([]*models.Settlement, error) {
	for _, t := range txns {
		if !group.HasMember(t.From) {
			return nil, errs.Invalid("payer_id", "%s is not a member of group %s", t.From, group.ID)
		}
		if !group.HasMember(t.To) {
			return nil, errs.Invalid("receiver_id", "%s is not a member of group %s", t.To, group.ID)
		}
		if t.From == t.To {
			return nil, errs.Invalid("receiver_id", "%s cannot pay themselves", t.From)
		}
		if !t.Amount.IsPositive() {
			return nil, errs.Invalid("amount", "settlement from %s to %s must be positive, got %s", t.From, t.To, t.Amount)
		}
	}

	if _, err := tx.DeletePendingSettlements(ctx, group.ID); err != nil {
		return nil, err
	}

	created := make([]*models.Settlement, 0, len(txns))
	for _, t := range txns {
		currency := t.Currency
		if currency == "" {
			currency = group.DefaultCurrency
		}
		s := &models.Settlement{
			ID:              uuid.New().String(),
			GroupID:         group.ID,
			PayerID:         t.From,
			ReceiverID:      t.To,
			Amount:          t.Amount,
			Currency:        currency,
			Status:          models.StatusPending,
			RelatedExpenses: relatedExpenses(expenses, t.From, t.To),
			Version:         1,
			CreatedAt:       now,
		}
		if err := tx.InsertSettlement(ctx, s); err != nil {
			return nil, fmt.Errorf("settlement %s -> %s: %w", t.From, t.To, err)
		}
		created = append(created, s)
	}

	return created, nil
}
