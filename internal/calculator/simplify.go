package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/mmynk/settleup/internal/errs"
)

// Epsilon is the smallest balance treated as non-zero.
var Epsilon = decimal.New(1, -2)

// Transaction is one settle-up payment proposed by Simplify.
type Transaction struct {
	From     string // Person who owes
	To       string // Person who is owed
	Amount   decimal.Decimal
	Currency string
}

// Plan is the output of Simplify.
type Plan struct {
	Transactions []Transaction

	// Imbalance is the sum of the input balances. Consistent input nets to
	// zero; anything beyond Epsilon means upstream data is corrupt.
	Imbalance decimal.Decimal

	// Unmatched is the balance left over once one side ran out. It is
	// dropped rather than turned into a payment.
	Unmatched decimal.Decimal
}

// Integrity returns an *errs.IntegrityError when the input did not net to
// zero, nil otherwise. It is a report, not a failure: the plan is still usable.
func (p Plan) Integrity() error {
	if p.Imbalance.Abs().GreaterThan(Epsilon) {
		return &errs.IntegrityError{Imbalance: p.Imbalance}
	}
	return nil
}

type party struct {
	id        string
	remaining decimal.Decimal
}

// Simplify reduces net balances to a list of payments that brings every
// balance to zero.
//
// Debtors and creditors are matched greedily in ascending member-ID order:
// the current debtor pays the current creditor min(owed, due), and whichever
// side reaches zero is advanced. This yields at most debtors+creditors-1
// payments. It is deterministic but not guaranteed to be the minimum number
// of payments for every topology.
//
// Amounts are rounded to cents only when emitted. If the balances do not net
// to zero the loop still terminates when either side is exhausted and the
// remainder is reported in Plan.Unmatched.
func Simplify(balances Balances, currency string) Plan {
	var debtors, creditors []party
	for _, id := range balances.Members() {
		bal := balances[id]
		switch {
		case bal.GreaterThan(Epsilon):
			creditors = append(creditors, party{id: id, remaining: bal})
		case bal.LessThan(Epsilon.Neg()):
			debtors = append(debtors, party{id: id, remaining: bal.Neg()})
		}
	}

	plan := Plan{Imbalance: balances.Sum(), Unmatched: decimal.Zero}

	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		debtor := &debtors[i]
		creditor := &creditors[j]

		amount := decimal.Min(debtor.remaining, creditor.remaining)
		if rounded := amount.Round(2); rounded.IsPositive() && debtor.id != creditor.id {
			plan.Transactions = append(plan.Transactions, Transaction{
				From:     debtor.id,
				To:       creditor.id,
				Amount:   rounded,
				Currency: currency,
			})
		}

		debtor.remaining = debtor.remaining.Sub(amount)
		creditor.remaining = creditor.remaining.Sub(amount)

		if debtor.remaining.LessThanOrEqual(Epsilon) {
			i++
		}
		if creditor.remaining.LessThanOrEqual(Epsilon) {
			j++
		}
	}

	for ; i < len(debtors); i++ {
		plan.Unmatched = plan.Unmatched.Sub(debtors[i].remaining)
	}
	for ; j < len(creditors); j++ {
		plan.Unmatched = plan.Unmatched.Add(creditors[j].remaining)
	}

	return plan
}
