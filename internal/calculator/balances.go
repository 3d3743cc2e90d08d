package calculator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmynk/settleup/internal/errs"
)

// ExpenseForBalance is an expense with the minimal information needed for
// balance calculations.
type ExpenseForBalance struct {
	ID        string
	PayerID   string
	Amount    decimal.Decimal
	SplitType SplitType
	Shares    []Share
}

// SettlementForBalance is a completed settlement with the minimal
// information needed for balance calculations.
type SettlementForBalance struct {
	FromUserID string // Who paid (debtor settling up)
	ToUserID   string // Who received (creditor being paid)
	Amount     decimal.Decimal
}

// MemberBalance is the balance information for one group member.
type MemberBalance struct {
	MemberID   string
	NetBalance decimal.Decimal // Positive = is owed money, negative = owes money
	TotalPaid  decimal.Decimal
	TotalOwed  decimal.Decimal
}

// Balances maps member ID to signed net balance.
type Balances map[string]decimal.Decimal

// Members returns the member IDs in ascending order.
func (b Balances) Members() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sum returns the total of all balances. It is zero for consistent input.
func (b Balances) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, id := range b.Members() {
		sum = sum.Add(b[id])
	}
	return sum
}

// ComputeBalances returns each member's net balance: total paid minus total
// owed across the given expenses, adjusted by completed settlements.
//
// Every ID in members appears in the result even without expenses. When
// members is non-empty, a payer or participant outside it is a validation
// error.
func ComputeBalances(members []string, expenses []ExpenseForBalance, settlements []SettlementForBalance) (Balances, error) {
	memberBalances, err := ComputeMemberBalances(members, expenses, settlements)
	if err != nil {
		return nil, err
	}

	balances := make(Balances, len(memberBalances))
	for _, mb := range memberBalances {
		balances[mb.MemberID] = mb.NetBalance
	}
	return balances, nil
}

// ComputeMemberBalances is ComputeBalances with the paid/owed breakdown,
// ordered by member ID.
//
// Algorithm:
// - For each expense: payer contributed +amount, each participant owes their share
// - For each completed settlement: payer's balance improves, receiver's decreases
// - net_balance = total_paid - total_owed
func ComputeMemberBalances(members []string, expenses []ExpenseForBalance, settlements []SettlementForBalance) ([]MemberBalance, error) {
	known := make(map[string]bool, len(members))
	for _, m := range members {
		known[m] = true
	}
	checkMember := func(field, id string) error {
		if len(known) > 0 && !known[id] {
			return errs.Invalid(field, "%s is not a member of the group", id)
		}
		return nil
	}

	balances := make(map[string]*MemberBalance, len(members))
	get := func(id string) *MemberBalance {
		if _, exists := balances[id]; !exists {
			balances[id] = &MemberBalance{MemberID: id}
		}
		return balances[id]
	}
	for _, m := range members {
		get(m)
	}

	for _, expense := range expenses {
		if expense.PayerID == "" {
			return nil, fmt.Errorf("expense %s: %w", expense.ID, errs.Invalid("paid_by", "payer is required"))
		}
		if err := checkMember("paid_by", expense.PayerID); err != nil {
			return nil, fmt.Errorf("expense %s: %w", expense.ID, err)
		}

		shares, err := ResolveSplits(expense.SplitType, expense.Amount, expense.Shares)
		if err != nil {
			return nil, fmt.Errorf("expense %s: %w", expense.ID, err)
		}

		payer := get(expense.PayerID)
		payer.TotalPaid = payer.TotalPaid.Add(expense.Amount)

		// The payer's own share is subtracted too, so they net only the difference.
		for _, share := range shares {
			if err := checkMember("splits", share.UserID); err != nil {
				return nil, fmt.Errorf("expense %s: %w", expense.ID, err)
			}
			owed := get(share.UserID)
			owed.TotalOwed = owed.TotalOwed.Add(share.Amount)
		}
	}

	for _, s := range settlements {
		if s.FromUserID == s.ToUserID {
			return nil, errs.Invalid("settlement", "payer and receiver are both %s", s.FromUserID)
		}
		if err := checkMember("settlement", s.FromUserID); err != nil {
			return nil, err
		}
		if err := checkMember("settlement", s.ToUserID); err != nil {
			return nil, err
		}
		get(s.FromUserID).TotalPaid = get(s.FromUserID).TotalPaid.Add(s.Amount)
		get(s.ToUserID).TotalOwed = get(s.ToUserID).TotalOwed.Add(s.Amount)
	}

	ids := make([]string, 0, len(balances))
	for id := range balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]MemberBalance, 0, len(ids))
	for _, id := range ids {
		bal := balances[id]
		bal.NetBalance = bal.TotalPaid.Sub(bal.TotalOwed)
		result = append(result, *bal)
	}
	return result, nil
}
