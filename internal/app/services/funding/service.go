// Package funding implements the crowdfunding engine: project registration
// with creation fees, donation intake with basis-point fee splitting, owner
// withdrawal, and escrow refunds. Every mutation runs inside one storage
// transaction; events, metrics, and cache invalidation fire only after the
// transaction commits.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/pledgevault/internal/app/cache"
	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/events"
	"github.com/R3E-Network/pledgevault/internal/app/metrics"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// Service is the funding engine. It is safe for concurrent use; all state
// lives in the injected store.
type Service struct {
	store  storage.Store
	policy Policy
	sink   events.Sink
	cache  cache.Cache
	ttl    time.Duration
	log    *logger.Logger
	now    func() time.Time
}

// Option configures optional engine collaborators.
type Option func(*Service)

// WithEvents publishes lifecycle events to the given sink after commits.
func WithEvents(sink events.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithCache adds read-through caching for project and stats views and wires
// invalidation into the mutating operations.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the funding engine. A nil logger falls back to the package
// default; events and cache attach through options.
func New(store storage.Store, policy Policy, log *logger.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("funding policy: %w", err)
	}
	if log == nil {
		log = logger.NewDefault("funding")
	}

	s := &Service{
		store:  store,
		policy: policy,
		sink:   events.NoOpSink{},
		ttl:    time.Minute,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns the active funding policy.
func (s *Service) Policy() Policy { return s.policy }

// CreationResult reports a successful registration: the stored project, the
// fee retained by the platform, and any overpayment returned to the caller's
// treasury account.
type CreationResult struct {
	Project     project.Project `json:"project"`
	FeeCharged  uint64          `json:"fee_charged"`
	FeeReturned uint64          `json:"fee_returned"`
}

// CreateProject registers a new campaign owned by the caller. The submitted
// fee payment must cover the creation fee on the goal; the excess is credited
// back to the caller.
func (s *Service) CreateProject(ctx context.Context, caller string, in project.NewProject, feePayment uint64) (CreationResult, error) {
	started := s.now()
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return CreationResult{}, fmt.Errorf("caller identity is required")
	}
	in.Owner = caller
	in.ID = strings.TrimSpace(in.ID)

	var result CreationResult
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		now := s.now()
		if _, err := tx.GetProject(in.ID); err == nil {
			return fmt.Errorf("project %s: %w", in.ID, project.ErrDuplicate)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("check project %s: %w", in.ID, err)
		}

		p, err := project.New(in, now)
		if err != nil {
			return err
		}

		owed, err := fees.RequiredCreationFee(p.Goal, s.policy.CreationFeeBps)
		if err != nil {
			return fmt.Errorf("creation fee for %s: %w", p.ID, err)
		}
		if feePayment < owed {
			return fmt.Errorf("payment %d below creation fee %d: %w", feePayment, owed, project.ErrInsufficientFee)
		}
		returned := feePayment - owed

		if err := tx.PutProject(*p); err != nil {
			return err
		}
		if _, err := tx.IncrementProjectCount(); err != nil {
			return err
		}
		if owed > 0 {
			if err := s.credit(tx, s.policy.FeeAccount, owed, now); err != nil {
				return err
			}
			if err := journal(tx, treasury.KindFee, p.ID, treasury.External, s.policy.FeeAccount, owed, now); err != nil {
				return err
			}
		}
		if returned > 0 {
			if err := s.credit(tx, caller, returned, now); err != nil {
				return err
			}
			if err := journal(tx, treasury.KindFeeRefund, p.ID, treasury.External, caller, returned, now); err != nil {
				return err
			}
		}

		result = CreationResult{Project: *p, FeeCharged: owed, FeeReturned: returned}
		return nil
	})
	metrics.RecordOperation("create_project", s.now().Sub(started), err)
	if err != nil {
		s.log.WithError(err).WithField("project_id", in.ID).Warn("project creation rejected")
		return CreationResult{}, err
	}

	metrics.RecordCreationFee(result.FeeCharged)
	metrics.RecordProjectTransition(metrics.TransitionCreated)
	s.sink.PublishContext(ctx, events.ProjectCreated(result.Project.ID, caller, result.Project.Goal))
	s.invalidate(ctx, cache.StatsKey, cache.ProjectKey(result.Project.ID))
	s.log.WithField("project_id", result.Project.ID).
		WithField("owner", caller).
		WithField("goal", result.Project.Goal).
		WithField("fee", result.FeeCharged).
		Info("project registered")
	return result, nil
}

// Receipt summarizes one accepted donation.
type Receipt struct {
	ProjectID string         `json:"project_id"`
	Donor     string         `json:"donor"`
	Gross     uint64         `json:"gross"`
	Net       uint64         `json:"net"`
	Fee       uint64         `json:"fee"`
	Custody   CustodyPolicy  `json:"custody"`
	Status    project.Status `json:"status"`
	At        time.Time      `json:"at"`
}

// Donate accepts a gross payment for an open project, splits off the platform
// fee, routes the net per the custody policy, and grants the donor reward
// points equal to the net amount.
func (s *Service) Donate(ctx context.Context, donor, projectID string, payment uint64) (Receipt, error) {
	started := s.now()
	donor = strings.TrimSpace(donor)
	if donor == "" {
		return Receipt{}, fmt.Errorf("donor identity is required")
	}
	projectID = strings.TrimSpace(projectID)

	var (
		receipt Receipt
		funded  bool
	)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		now := s.now()
		p, err := tx.GetProject(projectID)
		if err != nil {
			return projectErr(projectID, err)
		}
		if err := p.CanAcceptDonation(now); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		net, fee, err := fees.Split(payment, s.policy.DonationFeeBps)
		if err != nil {
			return fmt.Errorf("donation of %d: %w", payment, err)
		}

		before := p.Status
		if err := p.ApplyDonation(net, now); err != nil {
			return fmt.Errorf("project %s raised total: %w", projectID, err)
		}
		funded = before == project.StatusOpen && p.Status == project.StatusFunded

		c, err := tx.GetContribution(projectID, donor)
		if errors.Is(err, storage.ErrNotFound) {
			c = project.Contribution{ProjectID: projectID, Donor: donor, FirstAt: now}
		} else if err != nil {
			return err
		}
		total, err := fees.Add(c.Amount, net)
		if err != nil {
			return fmt.Errorf("donor %s total on %s: %w", donor, projectID, err)
		}
		c.Amount = total
		c.LastAt = now

		if err := tx.PutProject(p); err != nil {
			return err
		}
		if err := tx.PutContribution(c); err != nil {
			return err
		}

		if net > 0 {
			if s.policy.Custody == CustodyEscrow {
				if err := s.hold(tx, projectID, donor, net, now); err != nil {
					return err
				}
			} else {
				if err := s.credit(tx, p.Owner, net, now); err != nil {
					return err
				}
				if err := journal(tx, treasury.KindDonationForward, projectID, treasury.External, p.Owner, net, now); err != nil {
					return err
				}
			}
		}
		if fee > 0 {
			if err := s.credit(tx, s.policy.FeeAccount, fee, now); err != nil {
				return err
			}
			if err := journal(tx, treasury.KindFee, projectID, treasury.External, s.policy.FeeAccount, fee, now); err != nil {
				return err
			}
		}

		grant := reward.Grant{
			ID:        uuid.NewString(),
			Identity:  donor,
			ProjectID: projectID,
			Points:    net,
			GrantedAt: now,
		}
		if err := tx.AppendReward(grant); err != nil {
			return err
		}

		receipt = Receipt{
			ProjectID: projectID,
			Donor:     donor,
			Gross:     payment,
			Net:       net,
			Fee:       fee,
			Custody:   s.policy.Custody,
			Status:    p.Status,
			At:        now,
		}
		return nil
	})
	metrics.RecordOperation("donate", s.now().Sub(started), err)
	if err != nil {
		s.log.WithError(err).WithField("project_id", projectID).WithField("donor", donor).Warn("donation rejected")
		return Receipt{}, err
	}

	metrics.RecordDonationSplit(receipt.Net, receipt.Fee)
	if s.policy.Custody == CustodyEscrow {
		metrics.AddEscrowHeld(receipt.Net)
	}
	if funded {
		metrics.RecordProjectTransition(metrics.TransitionFunded)
	}
	s.sink.PublishContext(ctx, events.DonationReceived(projectID, donor, receipt.Net, receipt.Fee))
	s.invalidate(ctx, cache.StatsKey, cache.ProjectKey(projectID), cache.FundersKey(projectID))
	s.log.WithField("project_id", projectID).
		WithField("donor", donor).
		WithField("net", receipt.Net).
		WithField("fee", receipt.Fee).
		WithField("status", receipt.Status).
		Info("donation accepted")
	return receipt, nil
}

// Withdraw closes a project on behalf of its owner. Funds already sit where
// the custody policy routed them, so closing only certifies the raised total
// and seals the project against further donations.
func (s *Service) Withdraw(ctx context.Context, caller, projectID string) (project.Project, error) {
	started := s.now()
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return project.Project{}, fmt.Errorf("caller identity is required")
	}
	projectID = strings.TrimSpace(projectID)

	var closed project.Project
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		now := s.now()
		p, err := tx.GetProject(projectID)
		if err != nil {
			return projectErr(projectID, err)
		}
		if err := p.Close(caller, now); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := tx.PutProject(p); err != nil {
			return err
		}
		closed = p
		return nil
	})
	metrics.RecordOperation("withdraw", s.now().Sub(started), err)
	if err != nil {
		s.log.WithError(err).WithField("project_id", projectID).WithField("caller", caller).Warn("withdrawal rejected")
		return project.Project{}, err
	}

	metrics.RecordWithdrawal(closed.Raised)
	metrics.RecordProjectTransition(metrics.TransitionClosed)
	s.sink.PublishContext(ctx, events.WithdrawalMade(projectID, caller, closed.Raised))
	s.invalidate(ctx, cache.StatsKey, cache.ProjectKey(projectID))
	s.log.WithField("project_id", projectID).
		WithField("owner", caller).
		WithField("raised", closed.Raised).
		Info("project closed")
	return closed, nil
}

// Refund returns a donor's full custodied deposit from the project vault to
// the donor's treasury account. The raised total and the funder ledger are
// unaffected; refunds stay available after the project closes.
func (s *Service) Refund(ctx context.Context, projectID, donor string) (escrow.Deposit, error) {
	started := s.now()
	donor = strings.TrimSpace(donor)
	if donor == "" {
		return escrow.Deposit{}, fmt.Errorf("donor identity is required")
	}
	projectID = strings.TrimSpace(projectID)

	var refunded escrow.Deposit
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		now := s.now()
		if _, err := tx.GetProject(projectID); err != nil {
			return projectErr(projectID, err)
		}
		d, err := tx.GetDeposit(projectID, donor)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("refund %s on %s: %w", donor, projectID, escrow.ErrNoDeposit)
		} else if err != nil {
			return err
		}
		if err := tx.DeleteDeposit(projectID, donor); err != nil {
			return err
		}

		vault := treasury.VaultAccount(projectID)
		if err := s.debit(tx, vault, d.Amount, now); err != nil {
			return err
		}
		if err := s.credit(tx, donor, d.Amount, now); err != nil {
			return err
		}
		if err := journal(tx, treasury.KindRefund, projectID, vault, donor, d.Amount, now); err != nil {
			return err
		}
		refunded = d
		return nil
	})
	metrics.RecordOperation("refund", s.now().Sub(started), err)
	if err != nil {
		s.log.WithError(err).WithField("project_id", projectID).WithField("donor", donor).Warn("refund rejected")
		return escrow.Deposit{}, err
	}

	metrics.RecordRefund(refunded.Amount)
	metrics.SubEscrowHeld(refunded.Amount)
	s.sink.PublishContext(ctx, events.RefundIssued(projectID, donor, refunded.Amount))
	s.invalidate(ctx, cache.StatsKey)
	s.log.WithField("project_id", projectID).
		WithField("donor", donor).
		WithField("amount", refunded.Amount).
		Info("deposit refunded")
	return refunded, nil
}

// credit adds amount to the account, creating it at zero if absent.
func (s *Service) credit(tx storage.Tx, id string, amount uint64, now time.Time) error {
	acct, err := tx.GetAccount(id)
	if errors.Is(err, storage.ErrNotFound) {
		acct = treasury.Account{ID: id}
	} else if err != nil {
		return err
	}
	balance, err := fees.Add(acct.Balance, amount)
	if err != nil {
		return fmt.Errorf("credit account %s: %w", id, err)
	}
	acct.Balance = balance
	acct.UpdatedAt = now
	return tx.PutAccount(acct)
}

// debit subtracts amount from the account. A shortfall means the books are
// inconsistent and aborts the transaction.
func (s *Service) debit(tx storage.Tx, id string, amount uint64, now time.Time) error {
	acct, err := tx.GetAccount(id)
	if errors.Is(err, storage.ErrNotFound) {
		acct = treasury.Account{ID: id}
	} else if err != nil {
		return err
	}
	if acct.Balance < amount {
		return fmt.Errorf("account %s balance %d below debit %d", id, acct.Balance, amount)
	}
	acct.Balance -= amount
	acct.UpdatedAt = now
	return tx.PutAccount(acct)
}

// hold merges net into the donor's custodied deposit and mirrors it on the
// project vault account.
func (s *Service) hold(tx storage.Tx, projectID, donor string, net uint64, now time.Time) error {
	d, err := tx.GetDeposit(projectID, donor)
	if errors.Is(err, storage.ErrNotFound) {
		d = escrow.Deposit{ProjectID: projectID, Donor: donor, HeldSince: now}
	} else if err != nil {
		return err
	}
	amount, err := fees.Add(d.Amount, net)
	if err != nil {
		return fmt.Errorf("deposit %s/%s: %w", projectID, donor, err)
	}
	d.Amount = amount
	d.UpdatedAt = now
	if err := tx.PutDeposit(d); err != nil {
		return err
	}

	vault := treasury.VaultAccount(projectID)
	if err := s.credit(tx, vault, net, now); err != nil {
		return err
	}
	return journal(tx, treasury.KindEscrowHeld, projectID, treasury.External, vault, net, now)
}

func journal(tx storage.Tx, kind, projectID, from, to string, amount uint64, now time.Time) error {
	return tx.AppendJournal(treasury.Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProjectID: projectID,
		From:      from,
		To:        to,
		Amount:    amount,
		At:        now,
	})
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.WithError(err).Debug("cache invalidation failed")
	}
}

func projectErr(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("project %s: %w", id, project.ErrNotFound)
	}
	return fmt.Errorf("load project %s: %w", id, err)
}
