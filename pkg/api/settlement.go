// Package api defines the request and response messages of the
// settleup.v1.SettlementService RPC service.
//
// Messages travel as JSON. Money is a decimal string with two places
// ("15.00") so clients never round-trip amounts through floating point.
package api

// Settlement is a debt from PayerID to ReceiverID.
type Settlement struct {
	ID                string   `json:"id"`
	GroupID           string   `json:"groupId"`
	PayerID           string   `json:"payerId"`
	ReceiverID        string   `json:"receiverId"`
	Amount            string   `json:"amount"`
	Currency          string   `json:"currency"`
	Status            string   `json:"status"`
	PaymentMethod     string   `json:"paymentMethod,omitempty"`
	PaymentReference  string   `json:"paymentReference,omitempty"`
	RelatedExpenseIDs []string `json:"relatedExpenseIds,omitempty"`
	Version           int64    `json:"version"`
	CreatedAt         int64    `json:"createdAt"`
	SettledAt         int64    `json:"settledAt,omitempty"`
}

// MemberBalance is one member's position in a group.
// A positive NetBalance means the member is owed money.
type MemberBalance struct {
	MemberID   string `json:"memberId"`
	NetBalance string `json:"netBalance"`
	TotalPaid  string `json:"totalPaid"`
	TotalOwed  string `json:"totalOwed"`
}

type RecomputeRequest struct {
	GroupID string `json:"groupId"`
}

type RecomputeResponse struct {
	Settlements []*Settlement `json:"settlements"`

	// IntegrityWarning is set when the group's balances did not net to zero.
	IntegrityWarning string `json:"integrityWarning,omitempty"`
}

type CompleteSettlementRequest struct {
	SettlementID     string `json:"settlementId"`
	PaymentMethod    string `json:"paymentMethod"`
	PaymentReference string `json:"paymentReference,omitempty"`
}

type CompleteSettlementResponse struct {
	Settlement *Settlement `json:"settlement"`
}

type ListSettlementsRequest struct {
	GroupID string `json:"groupId"`

	// Status filters by "pending", "completed" or "cancelled". Empty lists all.
	Status string `json:"status,omitempty"`
}

type ListSettlementsResponse struct {
	Settlements []*Settlement `json:"settlements"`
}

type GetGroupBalancesRequest struct {
	GroupID string `json:"groupId"`
}

type GetGroupBalancesResponse struct {
	Balances           []*MemberBalance `json:"balances"`
	PendingSettlements []*Settlement    `json:"pendingSettlements"`
}
