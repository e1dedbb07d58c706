package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/pledgevault/internal/app/cache"
	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
)

// Stats is a point-in-time aggregate over the whole registry. TotalProjects
// counts every registration ever made and never decreases.
type Stats struct {
	TotalProjects      uint64    `json:"total_projects"`
	OpenProjects       uint64    `json:"open_projects"`
	FundedProjects     uint64    `json:"funded_projects"`
	ClosedProjects     uint64    `json:"closed_projects"`
	TotalRaised        uint64    `json:"total_raised"`
	TotalFeesCollected uint64    `json:"total_fees_collected"`
	TotalEscrowHeld    uint64    `json:"total_escrow_held"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// GetProject returns the project by id or project.ErrNotFound.
func (s *Service) GetProject(ctx context.Context, id string) (project.Project, error) {
	id = strings.TrimSpace(id)
	if s.cache != nil {
		var cached project.Project
		if ok, err := s.cache.Get(ctx, cache.ProjectKey(id), &cached); err == nil && ok {
			return cached, nil
		}
	}

	var p project.Project
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		got, err := tx.GetProject(id)
		if err != nil {
			return projectErr(id, err)
		}
		p = got
		return nil
	})
	if err != nil {
		return project.Project{}, err
	}
	s.cachePut(ctx, cache.ProjectKey(id), p)
	return p, nil
}

// ListProjects returns every registered project ordered by creation time.
func (s *Service) ListProjects(ctx context.Context) ([]project.Project, error) {
	var projects []project.Project
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		got, err := tx.ListProjects()
		if err != nil {
			return err
		}
		projects = got
		return nil
	})
	return projects, err
}

// GetFunders returns the project's donors ordered by first donation time. An
// unknown project has no funders.
func (s *Service) GetFunders(ctx context.Context, projectID string) ([]string, error) {
	projectID = strings.TrimSpace(projectID)
	if s.cache != nil {
		var cached []string
		if ok, err := s.cache.Get(ctx, cache.FundersKey(projectID), &cached); err == nil && ok {
			return cached, nil
		}
	}

	var funders []string
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		contributions, err := tx.ListContributions(projectID)
		if err != nil {
			return err
		}
		funders = make([]string, 0, len(contributions))
		for _, c := range contributions {
			funders = append(funders, c.Donor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, cache.FundersKey(projectID), funders)
	return funders, nil
}

// GetDonation returns the donor's cumulative net contribution. Unknown
// projects and donors that never donated both report zero.
func (s *Service) GetDonation(ctx context.Context, projectID, donor string) (uint64, error) {
	var amount uint64
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		c, err := tx.GetContribution(strings.TrimSpace(projectID), strings.TrimSpace(donor))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		amount = c.Amount
		return nil
	})
	return amount, err
}

// GetDeposit returns the donor's custodied deposit or escrow.ErrNoDeposit.
func (s *Service) GetDeposit(ctx context.Context, projectID, donor string) (escrow.Deposit, error) {
	var deposit escrow.Deposit
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		d, err := tx.GetDeposit(strings.TrimSpace(projectID), strings.TrimSpace(donor))
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deposit for %s on %s: %w", donor, projectID, escrow.ErrNoDeposit)
		}
		if err != nil {
			return err
		}
		deposit = d
		return nil
	})
	return deposit, err
}

// Rewards returns the identity's grants in append order. Limit <= 0 returns
// all of them.
func (s *Service) Rewards(ctx context.Context, identity string, limit int) ([]reward.Grant, error) {
	var grants []reward.Grant
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		got, err := tx.ListRewards(strings.TrimSpace(identity), limit)
		if err != nil {
			return err
		}
		grants = got
		return nil
	})
	return grants, err
}

// Stats aggregates registry-wide totals in one read snapshot.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.cache != nil {
		var cached Stats
		if ok, err := s.cache.Get(ctx, cache.StatsKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	var st Stats
	err := s.store.View(ctx, func(tx storage.ReadTx) error {
		count, err := tx.ProjectCount()
		if err != nil {
			return err
		}
		st.TotalProjects = count

		projects, err := tx.ListProjects()
		if err != nil {
			return err
		}
		for _, p := range projects {
			switch p.Status {
			case project.StatusOpen:
				st.OpenProjects++
			case project.StatusFunded:
				st.FundedProjects++
			case project.StatusClosed:
				st.ClosedProjects++
			}
			raised, err := fees.Add(st.TotalRaised, p.Raised)
			if err != nil {
				return fmt.Errorf("raised total: %w", err)
			}
			st.TotalRaised = raised

			deposits, err := tx.ListDeposits(p.ID)
			if err != nil {
				return err
			}
			for _, d := range deposits {
				held, err := fees.Add(st.TotalEscrowHeld, d.Amount)
				if err != nil {
					return fmt.Errorf("escrow total: %w", err)
				}
				st.TotalEscrowHeld = held
			}
		}

		acct, err := tx.GetAccount(s.policy.FeeAccount)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		st.TotalFeesCollected = acct.Balance
		st.GeneratedAt = s.now()
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	s.cachePut(ctx, cache.StatsKey, st)
	return st, nil
}

func (s *Service) cachePut(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.log.WithError(err).Debug("cache store failed")
	}
}
