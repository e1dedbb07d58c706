package funding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/fees"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/events"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
	"github.com/R3E-Network/pledgevault/internal/app/storage/memory"
	"github.com/R3E-Network/pledgevault/pkg/logger"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy(custody CustodyPolicy) Policy {
	return Policy{
		FeeAccount:     "platform-treasury",
		CreationFeeBps: 100,
		DonationFeeBps: 100,
		Custody:        custody,
	}
}

type fixture struct {
	svc   *Service
	store *memory.Store
	ring  *events.Ring
	now   time.Time
}

func newFixture(t *testing.T, policy Policy, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), ring: events.NewRing(64), now: testStart}

	log := logger.NewDefault("funding-test")
	log.SetOutput(io.Discard)

	all := append([]Option{
		WithEvents(f.ring),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	svc, err := New(f.store, policy, log, all...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) createProject(t *testing.T, owner, id string, goal, payment uint64) CreationResult {
	t.Helper()
	res, err := f.svc.CreateProject(context.Background(), owner, project.NewProject{
		ID:       id,
		Title:    "Test Campaign",
		Goal:     goal,
		Deadline: f.now.Add(30 * 24 * time.Hour),
	}, payment)
	if err != nil {
		t.Fatalf("create project %s: %v", id, err)
	}
	return res
}

func (f *fixture) donate(t *testing.T, donor, projectID string, payment uint64) Receipt {
	t.Helper()
	receipt, err := f.svc.Donate(context.Background(), donor, projectID, payment)
	if err != nil {
		t.Fatalf("donate %d from %s to %s: %v", payment, donor, projectID, err)
	}
	return receipt
}

func (f *fixture) balance(t *testing.T, id string) uint64 {
	t.Helper()
	var bal uint64
	err := f.store.View(context.Background(), func(tx storage.ReadTx) error {
		acct, err := tx.GetAccount(id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		bal = acct.Balance
		return nil
	})
	if err != nil {
		t.Fatalf("balance of %s: %v", id, err)
	}
	return bal
}

func (f *fixture) project(t *testing.T, id string) project.Project {
	t.Helper()
	var p project.Project
	err := f.store.View(context.Background(), func(tx storage.ReadTx) error {
		got, err := tx.GetProject(id)
		if err != nil {
			return err
		}
		p = got
		return nil
	})
	if err != nil {
		t.Fatalf("load project %s: %v", id, err)
	}
	return p
}

func (f *fixture) journal(t *testing.T, q storage.JournalQuery) []treasury.Entry {
	t.Helper()
	var entries []treasury.Entry
	err := f.store.View(context.Background(), func(tx storage.ReadTx) error {
		got, err := tx.ListJournal(q)
		if err != nil {
			return err
		}
		entries = got
		return nil
	})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	return entries
}

func TestService_CreateProjectChargesExactFee(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))

	res := f.createProject(t, "alice", "save-the-bees", 1000, 10)
	if res.FeeCharged != 10 || res.FeeReturned != 0 {
		t.Fatalf("fee charged/returned = %d/%d, want 10/0", res.FeeCharged, res.FeeReturned)
	}
	if res.Project.Status != project.StatusOpen || res.Project.Raised != 0 {
		t.Fatalf("unexpected project state: %#v", res.Project)
	}
	if res.Project.Owner != "alice" {
		t.Fatalf("owner = %q, want alice", res.Project.Owner)
	}

	if got := f.balance(t, "platform-treasury"); got != 10 {
		t.Fatalf("platform balance = %d, want 10", got)
	}
	entries := f.journal(t, storage.JournalQuery{ProjectID: "save-the-bees"})
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != treasury.KindFee || e.From != treasury.External || e.To != "platform-treasury" || e.Amount != 10 {
		t.Fatalf("unexpected fee entry: %#v", e)
	}

	if f.ring.Count() != 1 {
		t.Fatalf("event count = %d, want 1", f.ring.Count())
	}
	if got := f.ring.Recent(1)[0].Type; got != events.TypeProjectCreated {
		t.Fatalf("event type = %s, want %s", got, events.TypeProjectCreated)
	}
}

func TestService_CreateProjectRefundsOverpayment(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))

	res := f.createProject(t, "alice", "save-the-bees", 1000, 25)
	if res.FeeCharged != 10 || res.FeeReturned != 15 {
		t.Fatalf("fee charged/returned = %d/%d, want 10/15", res.FeeCharged, res.FeeReturned)
	}
	if got := f.balance(t, "platform-treasury"); got != 10 {
		t.Fatalf("platform balance = %d, want 10", got)
	}
	if got := f.balance(t, "alice"); got != 15 {
		t.Fatalf("caller refund balance = %d, want 15", got)
	}

	entries := f.journal(t, storage.JournalQuery{ProjectID: "save-the-bees"})
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	// Most recent first: the overpayment return follows the fee.
	if entries[0].Kind != treasury.KindFeeRefund || entries[0].Amount != 15 || entries[0].To != "alice" {
		t.Fatalf("unexpected refund entry: %#v", entries[0])
	}
	if entries[1].Kind != treasury.KindFee || entries[1].Amount != 10 {
		t.Fatalf("unexpected fee entry: %#v", entries[1])
	}
}

func TestService_CreateProjectInsufficientFee(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))

	_, err := f.svc.CreateProject(context.Background(), "alice", project.NewProject{
		ID:       "save-the-bees",
		Goal:     1000,
		Deadline: f.now.Add(time.Hour),
	}, 9)
	if !errors.Is(err, project.ErrInsufficientFee) {
		t.Fatalf("error = %v, want ErrInsufficientFee", err)
	}

	if _, err := f.svc.GetProject(context.Background(), "save-the-bees"); !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("project should not exist, got err %v", err)
	}
	if got := f.balance(t, "platform-treasury"); got != 0 {
		t.Fatalf("platform balance = %d, want 0", got)
	}
	if f.ring.Count() != 0 {
		t.Fatalf("rejected creation published %d events", f.ring.Count())
	}
}

func TestService_CreateProjectDuplicate(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))
	f.createProject(t, "alice", "save-the-bees", 1000, 10)

	_, err := f.svc.CreateProject(context.Background(), "bob", project.NewProject{
		ID:       "save-the-bees",
		Goal:     500,
		Deadline: f.now.Add(time.Hour),
	}, 100)
	if !errors.Is(err, project.ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}

	if p := f.project(t, "save-the-bees"); p.Owner != "alice" || p.Goal != 1000 {
		t.Fatalf("duplicate create altered project: %#v", p)
	}
	if f.ring.Count() != 1 {
		t.Fatalf("event count = %d, want 1", f.ring.Count())
	}
}

func TestService_CreateProjectValidation(t *testing.T) {
	deadline := testStart.Add(time.Hour)
	cases := []struct {
		name    string
		caller  string
		in      project.NewProject
		payment uint64
		want    error
	}{
		{
			name:   "zero goal",
			caller: "alice",
			in:     project.NewProject{ID: "p1", Goal: 0, Deadline: deadline},
			want:   fees.ErrInvalidAmount,
		},
		{
			name:   "past deadline",
			caller: "alice",
			in:     project.NewProject{ID: "p1", Goal: 100, Deadline: testStart.Add(-time.Hour)},
			want:   project.ErrDeadlinePassed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testPolicy(CustodyForward))
			_, err := f.svc.CreateProject(context.Background(), tc.caller, tc.in, tc.payment)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("malformed id", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		_, err := f.svc.CreateProject(context.Background(), "alice", project.NewProject{
			ID: "Not Valid!", Goal: 100, Deadline: deadline,
		}, 1)
		if err == nil {
			t.Fatal("expected id validation error")
		}
	})
	t.Run("empty caller", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		_, err := f.svc.CreateProject(context.Background(), "  ", project.NewProject{
			ID: "p1", Goal: 100, Deadline: deadline,
		}, 1)
		if err == nil {
			t.Fatal("expected caller validation error")
		}
	})
	t.Run("zero rate charges nothing", func(t *testing.T) {
		policy := testPolicy(CustodyForward)
		policy.CreationFeeBps = 0
		f := newFixture(t, policy)
		res := f.createProject(t, "alice", "p1", 1000, 0)
		if res.FeeCharged != 0 {
			t.Fatalf("fee charged = %d, want 0", res.FeeCharged)
		}
		if entries := f.journal(t, storage.JournalQuery{ProjectID: "p1"}); len(entries) != 0 {
			t.Fatalf("zero fee wrote %d journal entries", len(entries))
		}
	})
}

func TestService_DonateForwardSplitsAndFunds(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))
	f.createProject(t, "owner", "relief-fund", 1000, 10)

	r1 := f.donate(t, "alice", "relief-fund", 500)
	if r1.Net != 495 || r1.Fee != 5 || r1.Gross != 500 {
		t.Fatalf("split = net %d fee %d, want 495/5", r1.Net, r1.Fee)
	}
	if r1.Status != project.StatusOpen || r1.Custody != CustodyForward {
		t.Fatalf("unexpected receipt: %#v", r1)
	}

	f.advance(time.Minute)
	r2 := f.donate(t, "bob", "relief-fund", 600)
	if r2.Net != 594 || r2.Fee != 6 {
		t.Fatalf("split = net %d fee %d, want 594/6", r2.Net, r2.Fee)
	}
	if r2.Status != project.StatusFunded {
		t.Fatalf("status = %s, want funded once raised >= goal", r2.Status)
	}

	p := f.project(t, "relief-fund")
	if p.Raised != 1089 || p.Status != project.StatusFunded {
		t.Fatalf("project raised %d status %s, want 1089 funded", p.Raised, p.Status)
	}
	if got := f.balance(t, "owner"); got != 1089 {
		t.Fatalf("owner balance = %d, want 1089", got)
	}
	if got := f.balance(t, "platform-treasury"); got != 21 {
		t.Fatalf("platform balance = %d, want 10+5+6", got)
	}

	funders, err := f.svc.GetFunders(context.Background(), "relief-fund")
	if err != nil {
		t.Fatalf("get funders: %v", err)
	}
	if len(funders) != 2 || funders[0] != "alice" || funders[1] != "bob" {
		t.Fatalf("funders = %v, want [alice bob]", funders)
	}

	for donor, want := range map[string]uint64{"alice": 495, "bob": 594} {
		got, err := f.svc.GetDonation(context.Background(), "relief-fund", donor)
		if err != nil {
			t.Fatalf("get donation %s: %v", donor, err)
		}
		if got != want {
			t.Fatalf("donation of %s = %d, want %d", donor, got, want)
		}
	}

	grants, err := f.svc.Rewards(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("rewards: %v", err)
	}
	if len(grants) != 1 || grants[0].Points != 495 || grants[0].ProjectID != "relief-fund" {
		t.Fatalf("unexpected grants: %#v", grants)
	}

	entries := f.journal(t, storage.JournalQuery{ProjectID: "relief-fund"})
	if len(entries) != 5 {
		t.Fatalf("journal entries = %d, want 5", len(entries))
	}
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[treasury.KindFee] != 3 || kinds[treasury.KindDonationForward] != 2 {
		t.Fatalf("journal kinds = %v", kinds)
	}

	if f.ring.Count() != 3 {
		t.Fatalf("event count = %d, want 3", f.ring.Count())
	}
	latest := f.ring.Recent(1)[0]
	if latest.Type != events.TypeDonationReceived || latest.Amount != 594 || latest.Fee != 6 {
		t.Fatalf("unexpected latest event: %#v", latest)
	}
}

func TestService_DonateAccumulatesPerDonor(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))
	f.createProject(t, "owner", "relief-fund", 10_000, 100)

	f.donate(t, "alice", "relief-fund", 500)
	first := f.now
	f.advance(time.Hour)
	f.donate(t, "alice", "relief-fund", 300)

	var c project.Contribution
	err := f.store.View(context.Background(), func(tx storage.ReadTx) error {
		got, err := tx.GetContribution("relief-fund", "alice")
		if err != nil {
			return err
		}
		c = got
		return nil
	})
	if err != nil {
		t.Fatalf("get contribution: %v", err)
	}
	if c.Amount != 495+297 {
		t.Fatalf("accumulated amount = %d, want 792", c.Amount)
	}
	if !c.FirstAt.Equal(first) {
		t.Fatalf("FirstAt moved: %v, want %v", c.FirstAt, first)
	}
	if !c.LastAt.Equal(f.now) {
		t.Fatalf("LastAt = %v, want %v", c.LastAt, f.now)
	}

	funders, err := f.svc.GetFunders(context.Background(), "relief-fund")
	if err != nil {
		t.Fatalf("get funders: %v", err)
	}
	if len(funders) != 1 {
		t.Fatalf("funders = %v, want single entry", funders)
	}

	grants, err := f.svc.Rewards(context.Background(), "alice", 0)
	if err != nil {
		t.Fatalf("rewards: %v", err)
	}
	if len(grants) != 2 || grants[0].Points != 495 || grants[1].Points != 297 {
		t.Fatalf("unexpected grants: %#v", grants)
	}
}

func TestService_DonateRejections(t *testing.T) {
	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		_, err := f.svc.Donate(context.Background(), "alice", "ghost", 100)
		if !errors.Is(err, project.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
		if f.ring.Count() != 0 {
			t.Fatalf("rejected donation published %d events", f.ring.Count())
		}
	})

	t.Run("zero amount", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 1000, 10)
		_, err := f.svc.Donate(context.Background(), "alice", "p1", 0)
		if !errors.Is(err, fees.ErrInvalidAmount) {
			t.Fatalf("error = %v, want ErrInvalidAmount", err)
		}
	})

	t.Run("deadline gate precedes amount gate", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 1000, 10)
		f.advance(31 * 24 * time.Hour)
		_, err := f.svc.Donate(context.Background(), "alice", "p1", 0)
		if !errors.Is(err, project.ErrDeadlinePassed) {
			t.Fatalf("error = %v, want ErrDeadlinePassed", err)
		}
	})

	t.Run("funded project rejects even past deadline", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 100, 1)
		f.donate(t, "alice", "p1", 200)
		f.advance(31 * 24 * time.Hour)
		before := f.project(t, "p1").Raised
		_, err := f.svc.Donate(context.Background(), "bob", "p1", 50)
		if !errors.Is(err, project.ErrNotActive) {
			t.Fatalf("error = %v, want ErrNotActive", err)
		}
		if got := f.project(t, "p1").Raised; got != before {
			t.Fatalf("raised changed on rejection: %d -> %d", before, got)
		}
	})

	t.Run("closed project", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 100, 1)
		f.donate(t, "alice", "p1", 200)
		if _, err := f.svc.Withdraw(context.Background(), "owner", "p1"); err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		_, err := f.svc.Donate(context.Background(), "bob", "p1", 50)
		if !errors.Is(err, project.ErrNotActive) {
			t.Fatalf("error = %v, want ErrNotActive", err)
		}
	})
}

func TestService_DonateEscrowHoldsDeposit(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyEscrow))
	f.createProject(t, "owner", "relief-fund", 10_000, 100)

	r := f.donate(t, "alice", "relief-fund", 500)
	if r.Custody != CustodyEscrow {
		t.Fatalf("receipt custody = %s, want escrow", r.Custody)
	}

	held := f.now
	dep, err := f.svc.GetDeposit(context.Background(), "relief-fund", "alice")
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if dep.Amount != 495 || !dep.HeldSince.Equal(held) {
		t.Fatalf("unexpected deposit: %#v", dep)
	}

	vault := treasury.VaultAccount("relief-fund")
	if got := f.balance(t, vault); got != 495 {
		t.Fatalf("vault balance = %d, want 495", got)
	}
	if got := f.balance(t, "owner"); got != 0 {
		t.Fatalf("owner balance = %d, escrow must not forward", got)
	}

	entries := f.journal(t, storage.JournalQuery{Account: vault})
	if len(entries) != 1 || entries[0].Kind != treasury.KindEscrowHeld || entries[0].To != vault {
		t.Fatalf("unexpected vault journal: %#v", entries)
	}

	// A second donation merges into the same deposit and keeps HeldSince.
	f.advance(time.Hour)
	f.donate(t, "alice", "relief-fund", 300)
	dep, err = f.svc.GetDeposit(context.Background(), "relief-fund", "alice")
	if err != nil {
		t.Fatalf("get merged deposit: %v", err)
	}
	if dep.Amount != 792 || !dep.HeldSince.Equal(held) {
		t.Fatalf("unexpected merged deposit: %#v", dep)
	}
	if got := f.balance(t, vault); got != 792 {
		t.Fatalf("vault balance = %d, want 792", got)
	}
}

func TestService_WithdrawGating(t *testing.T) {
	t.Run("before deadline with goal unmet", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 1000, 10)
		f.donate(t, "alice", "p1", 100)
		_, err := f.svc.Withdraw(context.Background(), "owner", "p1")
		if !errors.Is(err, project.ErrStillActive) {
			t.Fatalf("error = %v, want ErrStillActive", err)
		}
	})

	t.Run("non-owner", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 100, 1)
		f.donate(t, "alice", "p1", 200)
		_, err := f.svc.Withdraw(context.Background(), "alice", "p1")
		if !errors.Is(err, project.ErrUnauthorized) {
			t.Fatalf("error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("funded goal closes and seals", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 100, 1)
		f.donate(t, "alice", "p1", 200)
		ownerBefore := f.balance(t, "owner")

		closed, err := f.svc.Withdraw(context.Background(), "owner", "p1")
		if err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		if closed.Status != project.StatusClosed {
			t.Fatalf("status = %s, want closed", closed.Status)
		}
		if got := f.balance(t, "owner"); got != ownerBefore {
			t.Fatalf("withdraw moved funds: %d -> %d", ownerBefore, got)
		}

		if _, err := f.svc.Withdraw(context.Background(), "owner", "p1"); !errors.Is(err, project.ErrNotActive) {
			t.Fatalf("second withdraw error = %v, want ErrNotActive", err)
		}
	})

	t.Run("past deadline with partial raise", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 1000, 10)
		f.donate(t, "alice", "p1", 100)
		f.advance(31 * 24 * time.Hour)

		closed, err := f.svc.Withdraw(context.Background(), "owner", "p1")
		if err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		if closed.Status != project.StatusClosed || closed.Raised != 99 {
			t.Fatalf("unexpected closed project: %#v", closed)
		}
	})

	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		_, err := f.svc.Withdraw(context.Background(), "owner", "ghost")
		if !errors.Is(err, project.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestService_RefundRestoresCustody(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyEscrow))
	f.createProject(t, "owner", "relief-fund", 1000, 10)
	f.donate(t, "alice", "relief-fund", 500)
	f.advance(time.Minute)
	f.donate(t, "bob", "relief-fund", 600)

	vault := treasury.VaultAccount("relief-fund")
	if got := f.balance(t, vault); got != 1089 {
		t.Fatalf("vault balance = %d, want 1089", got)
	}

	refunded, err := f.svc.Refund(context.Background(), "relief-fund", "alice")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Amount != 495 {
		t.Fatalf("refunded amount = %d, want 495", refunded.Amount)
	}

	if got := f.balance(t, vault); got != 594 {
		t.Fatalf("vault balance = %d, want 594", got)
	}
	if got := f.balance(t, "alice"); got != 495 {
		t.Fatalf("donor balance = %d, want 495", got)
	}
	if _, err := f.svc.GetDeposit(context.Background(), "relief-fund", "alice"); !errors.Is(err, escrow.ErrNoDeposit) {
		t.Fatalf("deposit should be gone, got err %v", err)
	}

	// The funder ledger and raised total are certification records and are
	// untouched by refunds.
	p := f.project(t, "relief-fund")
	if p.Raised != 1089 || p.Status != project.StatusFunded {
		t.Fatalf("refund altered project: %#v", p)
	}
	funders, err := f.svc.GetFunders(context.Background(), "relief-fund")
	if err != nil {
		t.Fatalf("get funders: %v", err)
	}
	if len(funders) != 2 {
		t.Fatalf("funders = %v, want both retained", funders)
	}
	if got, _ := f.svc.GetDonation(context.Background(), "relief-fund", "alice"); got != 495 {
		t.Fatalf("donation record = %d, want 495", got)
	}

	entries := f.journal(t, storage.JournalQuery{Account: "alice"})
	if len(entries) != 1 || entries[0].Kind != treasury.KindRefund || entries[0].From != vault {
		t.Fatalf("unexpected refund journal: %#v", entries)
	}

	if _, err := f.svc.Refund(context.Background(), "relief-fund", "alice"); !errors.Is(err, escrow.ErrNoDeposit) {
		t.Fatalf("second refund error = %v, want ErrNoDeposit", err)
	}

	// Refunds stay available after the project closes.
	if _, err := f.svc.Withdraw(context.Background(), "owner", "relief-fund"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := f.svc.Refund(context.Background(), "relief-fund", "bob"); err != nil {
		t.Fatalf("refund after close: %v", err)
	}
	if got := f.balance(t, vault); got != 0 {
		t.Fatalf("vault balance = %d, want 0 after full refund", got)
	}
}

func TestService_RefundRequiresDeposit(t *testing.T) {
	t.Run("forward custody holds nothing", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyForward))
		f.createProject(t, "owner", "p1", 1000, 10)
		f.donate(t, "alice", "p1", 500)
		_, err := f.svc.Refund(context.Background(), "p1", "alice")
		if !errors.Is(err, escrow.ErrNoDeposit) {
			t.Fatalf("error = %v, want ErrNoDeposit", err)
		}
	})
	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyEscrow))
		_, err := f.svc.Refund(context.Background(), "ghost", "alice")
		if !errors.Is(err, project.ErrNotFound) {
			t.Fatalf("error = %v, want ErrNotFound", err)
		}
	})
	t.Run("never donated", func(t *testing.T) {
		f := newFixture(t, testPolicy(CustodyEscrow))
		f.createProject(t, "owner", "p1", 1000, 10)
		_, err := f.svc.Refund(context.Background(), "p1", "alice")
		if !errors.Is(err, escrow.ErrNoDeposit) {
			t.Fatalf("error = %v, want ErrNoDeposit", err)
		}
	})
}

func TestService_OverflowRollsBackWholeDonation(t *testing.T) {
	policy := Policy{
		FeeAccount:     "platform-treasury",
		CreationFeeBps: 0,
		DonationFeeBps: 0,
		Custody:        CustodyForward,
	}
	f := newFixture(t, policy)

	// Two projects share one owner so the owner's treasury balance can sit
	// near the ceiling while the second project still accepts donations.
	f.createProject(t, "owner", "big", math.MaxUint64, 0)
	f.createProject(t, "owner", "small", 1000, 0)
	f.donate(t, "alice", "big", math.MaxUint64-5)

	journalLen := len(f.journal(t, storage.JournalQuery{}))
	eventsLen := f.ring.Count()

	// Crediting the owner would wrap, after the project and contribution
	// writes already happened inside the transaction.
	_, err := f.svc.Donate(context.Background(), "bob", "small", 10)
	if !errors.Is(err, fees.ErrAmountOverflow) {
		t.Fatalf("error = %v, want ErrAmountOverflow", err)
	}

	if got := f.project(t, "small").Raised; got != 0 {
		t.Fatalf("raised = %d after rollback, want 0", got)
	}
	if got, _ := f.svc.GetDonation(context.Background(), "small", "bob"); got != 0 {
		t.Fatalf("contribution survived rollback: %d", got)
	}
	funders, err := f.svc.GetFunders(context.Background(), "small")
	if err != nil {
		t.Fatalf("get funders: %v", err)
	}
	if len(funders) != 0 {
		t.Fatalf("funders survived rollback: %v", funders)
	}
	if got := len(f.journal(t, storage.JournalQuery{})); got != journalLen {
		t.Fatalf("journal grew on rollback: %d -> %d", journalLen, got)
	}
	if f.ring.Count() != eventsLen {
		t.Fatalf("rolled-back donation published events")
	}
	grants, err := f.svc.Rewards(context.Background(), "bob", 0)
	if err != nil {
		t.Fatalf("rewards: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("reward grant survived rollback: %#v", grants)
	}

	// The raised counter itself also refuses to wrap.
	_, err = f.svc.Donate(context.Background(), "carol", "big", 10)
	if !errors.Is(err, fees.ErrAmountOverflow) {
		t.Fatalf("error = %v, want ErrAmountOverflow", err)
	}
	if got := f.project(t, "big").Raised; got != math.MaxUint64-5 {
		t.Fatalf("raised = %d after rollback, want MaxUint64-5", got)
	}
}

func TestService_ContributionsSumToRaised(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyForward))
	f.createProject(t, "owner", "relief-fund", 100_000, 1_000)

	for i, d := range []struct {
		donor  string
		amount uint64
	}{
		{"alice", 500}, {"bob", 600}, {"alice", 250}, {"carol", 999}, {"bob", 1},
	} {
		f.advance(time.Duration(i) * time.Second)
		f.donate(t, d.donor, "relief-fund", d.amount)
	}

	var sum uint64
	err := f.store.View(context.Background(), func(tx storage.ReadTx) error {
		contributions, err := tx.ListContributions("relief-fund")
		if err != nil {
			return err
		}
		for _, c := range contributions {
			sum += c.Amount
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list contributions: %v", err)
	}
	if got := f.project(t, "relief-fund").Raised; got != sum {
		t.Fatalf("raised %d != contribution sum %d", got, sum)
	}
}

func TestService_JournalReplaysToBalances(t *testing.T) {
	f := newFixture(t, testPolicy(CustodyEscrow))
	f.createProject(t, "owner", "relief-fund", 1000, 25)
	f.donate(t, "alice", "relief-fund", 500)
	f.advance(time.Minute)
	f.donate(t, "bob", "relief-fund", 600)
	if _, err := f.svc.Refund(context.Background(), "relief-fund", "alice"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := f.svc.Withdraw(context.Background(), "owner", "relief-fund"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	entries := f.journal(t, storage.JournalQuery{})
	replayed := map[string]uint64{}
	// Entries list most recent first; replay oldest to newest.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.From != treasury.External {
			if replayed[e.From] < e.Amount {
				t.Fatalf("replay drives %s negative at %#v", e.From, e)
			}
			replayed[e.From] -= e.Amount
		}
		if e.To != treasury.External {
			replayed[e.To] += e.Amount
		}
	}

	for id, want := range replayed {
		if got := f.balance(t, id); got != want {
			t.Fatalf("account %s balance = %d, journal replays to %d", id, got, want)
		}
	}
	// Spot-check the accounts the scenario must have produced.
	if replayed["platform-treasury"] != 10+5+6 {
		t.Fatalf("platform replay = %d, want 21", replayed["platform-treasury"])
	}
	if replayed["alice"] != 495 {
		t.Fatalf("alice replay = %d, want refunded 495", replayed["alice"])
	}
	if replayed[treasury.VaultAccount("relief-fund")] != 594 {
		t.Fatalf("vault replay = %d, want 594", replayed[treasury.VaultAccount("relief-fund")])
	}
	if replayed["owner"] != 0 {
		t.Fatalf("escrow custody forwarded %d to the owner", replayed["owner"])
	}
}

func ExampleService_Donate() {
	store := memory.New()
	log := logger.NewDefault("example-funding")
	log.SetOutput(io.Discard)

	svc, _ := New(store, DefaultPolicy(), log)
	_, _ = svc.CreateProject(context.Background(), "owner", project.NewProject{
		ID:       "clean-rivers",
		Goal:     1000,
		Deadline: time.Now().Add(24 * time.Hour),
	}, 10)

	receipt, _ := svc.Donate(context.Background(), "alice", "clean-rivers", 500)
	fmt.Println(receipt.Net, receipt.Fee)
	// Output:
	// 495 5
}
