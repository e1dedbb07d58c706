// Package storage defines the persistence contract for the registry: a
// unit-of-work transaction over projects, contributions, escrow deposits,
// treasury state, and reward grants. Every public engine operation runs
// inside one Update or View; a backend commits all mutations made through a
// Tx iff the callback returns nil, and discards them otherwise.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
)

// ErrNotFound is returned by lookups with no matching record. Services map
// it onto their domain taxonomy.
var ErrNotFound = errors.New("record not found")

// JournalQuery filters journal listings. Zero-value fields are ignored;
// Limit <= 0 means no limit.
type JournalQuery struct {
	Account   string
	ProjectID string
	Limit     int
}

// ReadTx is a consistent read snapshot.
type ReadTx interface {
	// GetProject returns the project or ErrNotFound.
	GetProject(id string) (project.Project, error)
	// ListProjects returns all projects ordered by creation time, then id.
	ListProjects() ([]project.Project, error)
	// ProjectCount returns the monotonic registration counter.
	ProjectCount() (uint64, error)

	// GetContribution returns the donor's ledger entry or ErrNotFound.
	GetContribution(projectID, donor string) (project.Contribution, error)
	// ListContributions returns a project's ledger entries ordered by
	// first donation time, then donor.
	ListContributions(projectID string) ([]project.Contribution, error)

	// GetDeposit returns the custodied deposit or ErrNotFound.
	GetDeposit(projectID, donor string) (escrow.Deposit, error)
	// ListDeposits returns a project's deposits ordered by custody start,
	// then donor.
	ListDeposits(projectID string) ([]escrow.Deposit, error)

	// GetAccount returns the treasury account or ErrNotFound.
	GetAccount(id string) (treasury.Account, error)
	// ListJournal returns matching entries, most recent first.
	ListJournal(q JournalQuery) ([]treasury.Entry, error)

	// ListRewards returns an identity's grants in append order. Limit <= 0
	// means all.
	ListRewards(identity string, limit int) ([]reward.Grant, error)
}

// Tx extends a read snapshot with mutations. Writes become visible to the
// same Tx immediately and to other transactions only after commit.
type Tx interface {
	ReadTx

	// PutProject inserts or replaces a project.
	PutProject(p project.Project) error
	// IncrementProjectCount bumps the registration counter and returns the
	// new value.
	IncrementProjectCount() (uint64, error)

	// PutContribution inserts or replaces a ledger entry.
	PutContribution(c project.Contribution) error

	// PutDeposit inserts or replaces a custodied deposit.
	PutDeposit(d escrow.Deposit) error
	// DeleteDeposit removes a deposit, or returns ErrNotFound.
	DeleteDeposit(projectID, donor string) error

	// PutAccount inserts or replaces a treasury account.
	PutAccount(a treasury.Account) error
	// AppendJournal records one transfer.
	AppendJournal(e treasury.Entry) error

	// AppendReward records one grant.
	AppendReward(g reward.Grant) error
}

// Store is the unit-of-work boundary implemented by every backend.
type Store interface {
	// Update runs fn in a writable transaction and commits iff fn returns
	// nil. A non-nil error discards every mutation and is returned as-is.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent read snapshot.
	View(ctx context.Context, fn func(tx ReadTx) error) error

	// Close releases backend resources.
	Close() error
}
