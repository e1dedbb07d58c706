// Package ledger serves read-only treasury views: account balances, project
// vault balances, and the transfer journal written by the funding engine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// Service exposes the treasury books. All methods are reads; balances only
// change through funding engine transactions.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New builds the ledger service. A nil logger falls back to the package
// default.
func New(store storage.Store, log *logger.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}, nil
}

// Balance returns the treasury account held for an identity. Accounts spring
// into existence on first credit, so an unknown id reports a zero balance.
func (s *Service) Balance(ctx context.Context, id string) (treasury.Account, error) {
	id = strings.TrimSpace(id)
	var acct treasury.Account
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		got, err := tx.GetAccount(id)
		if errors.Is(err, storage.ErrNotFound) {
			acct = treasury.Account{ID: id}
			return nil
		}
		if err != nil {
			return err
		}
		acct = got
		return nil
	})
	return acct, err
}

// VaultBalance returns the escrow vault account for a project. Its balance
// equals the sum of the project's custodied deposits.
func (s *Service) VaultBalance(ctx context.Context, projectID string) (treasury.Account, error) {
	return s.Balance(ctx, treasury.VaultAccount(strings.TrimSpace(projectID)))
}

// Journal returns transfer entries matching the query, most recent first.
func (s *Service) Journal(ctx context.Context, q storage.JournalQuery) ([]treasury.Entry, error) {
	q.Account = strings.TrimSpace(q.Account)
	q.ProjectID = strings.TrimSpace(q.ProjectID)

	var entries []treasury.Entry
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		got, err := tx.ListJournal(q)
		if err != nil {
			return err
		}
		entries = got
		return nil
	})
	return entries, err
}
