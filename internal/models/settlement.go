package models

import "github.com/shopspring/decimal"

// SettlementStatus is the lifecycle state of a settlement.
type SettlementStatus string

const (
	// StatusPending settlements are proposals, replaced on every recompute.
	StatusPending SettlementStatus = "pending"
	// StatusCompleted settlements are paid. Terminal and never regenerated.
	StatusCompleted SettlementStatus = "completed"
	// StatusCancelled is reserved. No flow transitions into it yet.
	StatusCancelled SettlementStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s SettlementStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Settlement is a debt from PayerID to ReceiverID inside one group.
type Settlement struct {
	// ID is the unique identifier for the settlement (UUID format).
	ID string

	// GroupID is the group this settlement belongs to.
	GroupID string

	// PayerID is the debtor; only they may complete the settlement.
	PayerID string

	// ReceiverID is the creditor. Never equal to PayerID.
	ReceiverID string

	// Amount is positive and rounded to two decimal places.
	Amount decimal.Decimal

	Currency string

	Status SettlementStatus

	// PaymentMethod is set on completion (e.g., "cash", "bank_transfer").
	PaymentMethod string

	// PaymentReference is an optional external reference given on completion.
	PaymentReference string

	// RelatedExpenses are the expense IDs whose splits motivated this settlement.
	RelatedExpenses []string

	// Version increments on every write and guards completion against
	// concurrent modification.
	Version int64

	CreatedAt int64

	// SettledAt is the Unix timestamp of completion, zero while pending.
	SettledAt int64
}

// IsPending reports whether the settlement is still outstanding.
func (s *Settlement) IsPending() bool {
	return s.Status == StatusPending
}
