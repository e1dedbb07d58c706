// Package escrow defines the vault entry that holds a donor's post-fee
// deposit under platform custody until it is refunded.
package escrow

import (
	"errors"
	"time"
)

// ErrNoDeposit means no custodied deposit exists for the (project, donor)
// pair; refunds are all-or-nothing and cannot repeat.
var ErrNoDeposit = errors.New("no donation found")

// Deposit is the custodied net amount for one donor on one project. A second
// donation before a refund merges into the same entry; HeldSince keeps the
// time custody began.
type Deposit struct {
	ProjectID string    `json:"project_id"`
	Donor     string    `json:"donor"`
	Amount    uint64    `json:"amount"`
	HeldSince time.Time `json:"held_since"`
	UpdatedAt time.Time `json:"updated_at"`
}
