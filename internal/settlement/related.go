package settlement

import (
	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/models"
)

// relatedExpenses returns, in ledger order, the expenses paid by receiverID
// in which payerID still holds an unsettled split.
func relatedExpenses(expenses []*models.Expense, payerID, receiverID string) []string {
	var ids []string
	for _, e := range expenses {
		if e.PaidBy != receiverID {
			continue
		}
		if split, ok := e.SplitFor(payerID); ok && !split.Settled {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func toBalanceExpenses(expenses []*models.Expense) []calculator.ExpenseForBalance {
	result := make([]calculator.ExpenseForBalance, len(expenses))
	for i, e := range expenses {
		shares := make([]calculator.Share, len(e.Splits))
		for j, s := range e.Splits {
			shares[j] = calculator.Share{UserID: s.UserID, Amount: s.Amount, Percentage: s.Percentage}
		}
		result[i] = calculator.ExpenseForBalance{
			ID:        e.ID,
			PayerID:   e.PaidBy,
			Amount:    e.Amount,
			SplitType: calculator.SplitType(e.SplitType),
			Shares:    shares,
		}
	}
	return result
}

func toBalanceSettlements(settlements []*models.Settlement) []calculator.SettlementForBalance {
	result := make([]calculator.SettlementForBalance, len(settlements))
	for i, s := range settlements {
		result[i] = calculator.SettlementForBalance{
			FromUserID: s.PayerID,
			ToUserID:   s.ReceiverID,
			Amount:     s.Amount,
		}
	}
	return result
}
