// Package treasury models the asset routing performed by the funding engine:
// account balances plus an append-only journal with one entry per transfer.
package treasury

import "time"

// Entry kinds, one per routing the engine performs.
const (
	KindFee             = "fee"
	KindDonationForward = "donation_forwarded"
	KindEscrowHeld      = "escrow_held"
	KindRefund          = "refund"
	KindFeeRefund       = "fee_overpayment_returned"
)

// External is the pseudo-account for value entering or leaving platform
// custody; journal entries against it record the caller side of a transfer.
const External = "external"

// Account is a balance held by the platform for an identity or a well-known
// internal account.
type Account struct {
	ID        string    `json:"id"`
	Balance   uint64    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry records one transfer between accounts. Every balance mutation writes
// an entry in the same unit of work, so replaying the journal reproduces the
// balances.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ProjectID string    `json:"project_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    uint64    `json:"amount"`
	At        time.Time `json:"at"`
}

// VaultAccount names the per-project escrow vault account. Its balance equals
// the sum of the project's custodied deposits.
func VaultAccount(projectID string) string {
	return "vault:" + projectID
}
