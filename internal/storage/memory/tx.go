package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/models"
)

// txView is the storage.Tx handed to WithTx. The caller already holds the write lock.
type txView struct {
	state *state
}

func (tv *txView) GetGroup(_ context.Context, groupID string) (*models.Group, error) {
	return tv.state.getGroup(groupID)
}

func (tv *txView) ListExpensesByGroup(_ context.Context, groupID string) ([]*models.Expense, error) {
	return tv.state.listExpenses(groupID), nil
}

func (tv *txView) GetSettlement(_ context.Context, settlementID string) (*models.Settlement, error) {
	return tv.state.getSettlement(settlementID)
}

func (tv *txView) ListSettlementsByGroup(_ context.Context, groupID string, status models.SettlementStatus) ([]*models.Settlement, error) {
	return tv.state.listSettlements(groupID, status), nil
}

func (tv *txView) LockGroup(context.Context, string) error {
	return nil
}

func (tv *txView) DeletePendingSettlements(_ context.Context, groupID string) (int64, error) {
	var deleted int64
	kept := tv.state.settlementOrder[:0]
	for _, id := range tv.state.settlementOrder {
		s := tv.state.settlements[id]
		if s.GroupID == groupID && s.Status == models.StatusPending {
			delete(tv.state.settlements, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	tv.state.settlementOrder = kept
	return deleted, nil
}

func (tv *txView) InsertSettlement(_ context.Context, settlement *models.Settlement) error {
	if _, ok := tv.state.groups[settlement.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", settlement.GroupID, errs.ErrNotFound)
	}
	if settlement.PayerID == settlement.ReceiverID {
		return errs.Invalid("receiver_id", "payer and receiver must differ")
	}
	if settlement.ID == "" {
		settlement.ID = uuid.New().String()
	}
	if _, exists := tv.state.settlements[settlement.ID]; exists {
		return fmt.Errorf("settlement %s: %w", settlement.ID, errs.ErrConflict)
	}
	if settlement.Version == 0 {
		settlement.Version = 1
	}

	tv.state.settlements[settlement.ID] = cloneSettlement(settlement)
	tv.state.settlementOrder = append(tv.state.settlementOrder, settlement.ID)
	return nil
}

func (tv *txView) CompleteSettlement(_ context.Context, s *models.Settlement) error {
	stored, ok := tv.state.settlements[s.ID]
	if !ok || stored.Status != models.StatusPending || stored.Version != s.Version {
		return fmt.Errorf("settlement %s changed since read: %w", s.ID, errs.ErrConflict)
	}

	stored.Status = models.StatusCompleted
	stored.PaymentMethod = s.PaymentMethod
	stored.PaymentReference = s.PaymentReference
	stored.SettledAt = s.SettledAt
	stored.Version++

	s.Status = stored.Status
	s.Version = stored.Version
	return nil
}

func (tv *txView) MarkSplitSettled(_ context.Context, expenseID, userID string) (bool, error) {
	expense, ok := tv.state.expenses[expenseID]
	if !ok {
		return false, nil
	}
	split, ok := expense.SplitFor(userID)
	if !ok {
		return false, nil
	}
	split.Settled = true
	return true, nil
}
