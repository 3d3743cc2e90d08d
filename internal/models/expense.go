package models

import "github.com/shopspring/decimal"

// SplitType controls how an expense's splits are interpreted.
type SplitType string

const (
	// SplitEqual divides the amount evenly; split amounts are derived.
	SplitEqual SplitType = "equal"
	// SplitExact uses the split amounts as given; they must sum to the amount.
	SplitExact SplitType = "exact"
	// SplitPercentage uses split percentages; they must sum to 100.
	SplitPercentage SplitType = "percentage"
)

// Expense is one payment made by a member on behalf of the group.
type Expense struct {
	// ID is the unique identifier for the expense (UUID format).
	ID string

	// GroupID is the group this expense belongs to.
	GroupID string

	Description string

	// Amount is the total paid. Always positive.
	Amount decimal.Decimal

	// Currency is the ISO code of Amount. Empty means the group default.
	Currency string

	// PaidBy is the member who paid the full amount.
	PaidBy string

	SplitType SplitType

	// Splits attribute portions of Amount to members, in stored order.
	Splits []Split

	CreatedAt int64
	UpdatedAt int64
}

// Split is the portion of one expense attributed to one member.
type Split struct {
	UserID string

	// Amount is the member's share. Derived for equal and percentage splits
	// when left zero.
	Amount decimal.Decimal

	// Percentage is only meaningful for percentage splits.
	Percentage decimal.Decimal

	// Settled mirrors the completion of the settlement that covered this
	// share. It is a read optimization, written only when a settlement is
	// completed; expense updates carry the stored value forward.
	Settled bool
}

// SplitFor returns the split belonging to userID, if any.
func (e *Expense) SplitFor(userID string) (*Split, bool) {
	for i := range e.Splits {
		if e.Splits[i].UserID == userID {
			return &e.Splits[i], true
		}
	}
	return nil, false
}
