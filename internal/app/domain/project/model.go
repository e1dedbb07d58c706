// Package project defines the crowdfunding project aggregate: the
// goal/deadline state machine and the per-donor contribution records that
// make up its ledger.
package project

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
)

// Status tracks a project through its funding lifecycle.
type Status string

const (
	// StatusOpen accepts donations until the goal is reached or the
	// deadline passes.
	StatusOpen Status = "open"
	// StatusFunded means raised reached the goal; no further donations.
	StatusFunded Status = "funded"
	// StatusClosed is the terminal state set by the owner.
	StatusClosed Status = "closed"
)

// Project is the funding state machine for one campaign. Raised only grows
// while the project accepts donations, and a project is never deleted once
// registered.
type Project struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	Title     string            `json:"title"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Goal      uint64            `json:"goal"`
	Raised    uint64            `json:"raised"`
	Deadline  time.Time         `json:"deadline"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Contribution is one donor's cumulative net contribution to one project.
// Entries accumulate across donations and are never overwritten; FirstAt
// fixes the donor's position in the funder enumeration.
type Contribution struct {
	ProjectID string
	Donor     string
	Amount    uint64
	FirstAt   time.Time
	LastAt    time.Time
}

// NewProject describes a registration request.
type NewProject struct {
	ID       string
	Owner    string
	Title    string
	Metadata map[string]string
	Goal     uint64
	Deadline time.Time
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// New validates a registration request and returns the initial Open project.
func New(in NewProject, now time.Time) (*Project, error) {
	id := strings.TrimSpace(in.ID)
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("project id %q must be 1-64 of [a-z0-9._-] starting alphanumeric", in.ID)
	}
	owner := strings.TrimSpace(in.Owner)
	if owner == "" {
		return nil, fmt.Errorf("project owner is required")
	}
	if in.Goal == 0 {
		return nil, fmt.Errorf("project goal: %w", fees.ErrInvalidAmount)
	}
	if !in.Deadline.After(now) {
		return nil, ErrDeadlinePassed
	}

	return &Project{
		ID:        id,
		Owner:     owner,
		Title:     strings.TrimSpace(in.Title),
		Metadata:  in.Metadata,
		Goal:      in.Goal,
		Raised:    0,
		Deadline:  in.Deadline.UTC(),
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanAcceptDonation reports whether the project accepts a donation at the
// given instant. The status gate is checked before the deadline gate, so a
// funded or closed project fails with ErrNotActive even after its deadline.
func (p *Project) CanAcceptDonation(now time.Time) error {
	if p.Status != StatusOpen {
		return ErrNotActive
	}
	if now.After(p.Deadline) {
		return ErrDeadlinePassed
	}
	return nil
}

// ApplyDonation adds a net amount to the running total and advances the
// status to Funded once the goal is reached. Callers gate with
// CanAcceptDonation first.
func (p *Project) ApplyDonation(net uint64, now time.Time) error {
	raised, err := fees.Add(p.Raised, net)
	if err != nil {
		return err
	}
	p.Raised = raised
	if p.Raised >= p.Goal {
		p.Status = StatusFunded
	}
	p.UpdatedAt = now
	return nil
}

// Withdrawable reports whether the owner may close the project: either the
// deadline has passed or the goal was reached.
func (p *Project) Withdrawable(now time.Time) bool {
	return p.Status == StatusFunded || p.Raised >= p.Goal || now.After(p.Deadline)
}

// Close transitions the project to its terminal state. Only the owner may
// close, only once, and only when Withdrawable.
func (p *Project) Close(caller string, now time.Time) error {
	if caller != p.Owner {
		return ErrUnauthorized
	}
	if p.Status == StatusClosed {
		return ErrNotActive
	}
	if !p.Withdrawable(now) {
		return ErrStillActive
	}
	p.Status = StatusClosed
	p.UpdatedAt = now
	return nil
}
