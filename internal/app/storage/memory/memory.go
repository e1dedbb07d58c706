// Package memory provides the in-memory storage backend. Each Update deep
// copies the current state, applies the transaction to the copy, and swaps
// it in on commit, so a failed operation never leaves partial mutations
// behind. Intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
)

// Store is the in-memory implementation of storage.Store. Safe for
// concurrent use; writers serialize, readers share a snapshot.
type Store struct {
	mu    sync.RWMutex
	state *state
}

var _ storage.Store = (*Store)(nil)

type state struct {
	projectCount  uint64
	projects      map[string]project.Project
	contributions map[string]project.Contribution
	deposits      map[string]escrow.Deposit
	accounts      map[string]treasury.Account
	journal       []treasury.Entry
	rewards       map[string][]reward.Grant
}

// New creates an empty store.
func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		projects:      make(map[string]project.Project),
		contributions: make(map[string]project.Contribution),
		deposits:      make(map[string]escrow.Deposit),
		accounts:      make(map[string]treasury.Account),
		rewards:       make(map[string][]reward.Grant),
	}
}

// Update implements storage.Store. The callback mutates a deep copy; the
// copy replaces the live state only when the callback returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&txn{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// View implements storage.Store.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&txn{state: s.state})
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// txn serves both read and write transactions over one state value. Reads
// clone on the way out so callers cannot alias live maps.
type txn struct {
	state *state
}

var _ storage.Tx = (*txn)(nil)

const keySep = "\x00"

func pairKey(projectID, donor string) string {
	return projectID + keySep + donor
}

// Reads ----------------------------------------------------------------------

func (t *txn) GetProject(id string) (project.Project, error) {
	p, ok := t.state.projects[id]
	if !ok {
		return project.Project{}, storage.ErrNotFound
	}
	return cloneProject(p), nil
}

func (t *txn) ListProjects() ([]project.Project, error) {
	result := make([]project.Project, 0, len(t.state.projects))
	for _, p := range t.state.projects {
		result = append(result, cloneProject(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *txn) ProjectCount() (uint64, error) {
	return t.state.projectCount, nil
}

func (t *txn) GetContribution(projectID, donor string) (project.Contribution, error) {
	c, ok := t.state.contributions[pairKey(projectID, donor)]
	if !ok {
		return project.Contribution{}, storage.ErrNotFound
	}
	return c, nil
}

func (t *txn) ListContributions(projectID string) ([]project.Contribution, error) {
	var result []project.Contribution
	for _, c := range t.state.contributions {
		if c.ProjectID == projectID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].FirstAt.Equal(result[j].FirstAt) {
			return result[i].FirstAt.Before(result[j].FirstAt)
		}
		return result[i].Donor < result[j].Donor
	})
	return result, nil
}

func (t *txn) GetDeposit(projectID, donor string) (escrow.Deposit, error) {
	d, ok := t.state.deposits[pairKey(projectID, donor)]
	if !ok {
		return escrow.Deposit{}, storage.ErrNotFound
	}
	return d, nil
}

func (t *txn) ListDeposits(projectID string) ([]escrow.Deposit, error) {
	var result []escrow.Deposit
	for _, d := range t.state.deposits {
		if d.ProjectID == projectID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].HeldSince.Equal(result[j].HeldSince) {
			return result[i].HeldSince.Before(result[j].HeldSince)
		}
		return result[i].Donor < result[j].Donor
	})
	return result, nil
}

func (t *txn) GetAccount(id string) (treasury.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return treasury.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (t *txn) ListJournal(q storage.JournalQuery) ([]treasury.Entry, error) {
	var result []treasury.Entry
	for i := len(t.state.journal) - 1; i >= 0; i-- {
		e := t.state.journal[i]
		if q.Account != "" && e.From != q.Account && e.To != q.Account {
			continue
		}
		if q.ProjectID != "" && e.ProjectID != q.ProjectID {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (t *txn) ListRewards(identity string, limit int) ([]reward.Grant, error) {
	grants := t.state.rewards[identity]
	if limit > 0 && len(grants) > limit {
		grants = grants[:limit]
	}
	return append([]reward.Grant(nil), grants...), nil
}

// Writes ---------------------------------------------------------------------

func (t *txn) PutProject(p project.Project) error {
	t.state.projects[p.ID] = cloneProject(p)
	return nil
}

func (t *txn) IncrementProjectCount() (uint64, error) {
	t.state.projectCount++
	return t.state.projectCount, nil
}

func (t *txn) PutContribution(c project.Contribution) error {
	t.state.contributions[pairKey(c.ProjectID, c.Donor)] = c
	return nil
}

func (t *txn) PutDeposit(d escrow.Deposit) error {
	t.state.deposits[pairKey(d.ProjectID, d.Donor)] = d
	return nil
}

func (t *txn) DeleteDeposit(projectID, donor string) error {
	key := pairKey(projectID, donor)
	if _, ok := t.state.deposits[key]; !ok {
		return storage.ErrNotFound
	}
	delete(t.state.deposits, key)
	return nil
}

func (t *txn) PutAccount(a treasury.Account) error {
	t.state.accounts[a.ID] = a
	return nil
}

func (t *txn) AppendJournal(e treasury.Entry) error {
	t.state.journal = append(t.state.journal, e)
	return nil
}

func (t *txn) AppendReward(g reward.Grant) error {
	t.state.rewards[g.Identity] = append(t.state.rewards[g.Identity], g)
	return nil
}

// Cloning --------------------------------------------------------------------

func (st *state) clone() *state {
	next := &state{
		projectCount:  st.projectCount,
		projects:      make(map[string]project.Project, len(st.projects)),
		contributions: make(map[string]project.Contribution, len(st.contributions)),
		deposits:      make(map[string]escrow.Deposit, len(st.deposits)),
		accounts:      make(map[string]treasury.Account, len(st.accounts)),
		journal:       append([]treasury.Entry(nil), st.journal...),
		rewards:       make(map[string][]reward.Grant, len(st.rewards)),
	}
	for id, p := range st.projects {
		next.projects[id] = cloneProject(p)
	}
	for k, c := range st.contributions {
		next.contributions[k] = c
	}
	for k, d := range st.deposits {
		next.deposits[k] = d
	}
	for id, a := range st.accounts {
		next.accounts[id] = a
	}
	for id, grants := range st.rewards {
		next.rewards[id] = append([]reward.Grant(nil), grants...)
	}
	return next
}

func cloneProject(p project.Project) project.Project {
	p.Metadata = cloneMap(p.Metadata)
	return p
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
