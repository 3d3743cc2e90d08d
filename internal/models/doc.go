// Package models defines the persisted records of the settlement engine.
//
// # Records
//
//   - Group: members and the settlement currency
//   - Expense: one payment by a member, divided into per-member splits
//   - Settlement: a debt between two members, pending until the payer completes it
//
// Money is always decimal.Decimal. Timestamps are Unix seconds.
//
// # Ownership
//
// Groups and expenses are written by the group and expense collaborators.
// Settlements are written only by the settlement engine, which is also the
// only writer of Split.Settled. Relationships are ID strings, never pointers.
package models
