// Package leveldb provides an embedded storage backend on goleveldb. Writes
// staged by a transaction land in one atomic batch, so a failed callback
// leaves the database untouched. Key segments are hex encoded to keep
// arbitrary identities out of the key syntax; listings re-sort decoded rows,
// so key order only has to be stable, not meaningful.
package leveldb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
)

const (
	prefixProject = "project:"
	prefixContrib = "contrib:"
	prefixDeposit = "deposit:"
	prefixAccount = "account:"
	prefixJournal = "journal:"
	prefixReward  = "reward:"
	keyProjectSeq = "meta:project_count"
	keyJournalSeq = "meta:journal_seq"
	keyRewardSeq  = "meta:reward_seq"
)

// Store is the goleveldb implementation of storage.Store.
type Store struct {
	db *leveldb.DB
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a database directory.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Update implements storage.Store. Mutations are staged in memory and
// written as a single batch on commit.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &txn{
		reader:  s.db,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
	if err := fn(t); err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for k, v := range t.pending {
		batch.Put([]byte(k), v)
	}
	for k := range t.deleted {
		batch.Delete([]byte(k))
	}
	return s.db.Write(batch, nil)
}

// View implements storage.Store using a point-in-time snapshot.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("leveldb snapshot: %w", err)
	}
	defer snap.Release()

	return fn(&txn{reader: snap})
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

// reader is satisfied by both *leveldb.DB and *leveldb.Snapshot.
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type txn struct {
	reader  reader
	pending map[string][]byte
	deleted map[string]struct{}
}

var _ storage.Tx = (*txn)(nil)

func seg(s string) string { return hex.EncodeToString([]byte(s)) }

func projectKey(id string) string { return prefixProject + seg(id) }

func pairKey(prefix, projectID, donor string) string {
	return prefix + seg(projectID) + ":" + seg(donor)
}

func (t *txn) get(key string) ([]byte, error) {
	if _, ok := t.deleted[key]; ok {
		return nil, storage.ErrNotFound
	}
	if v, ok := t.pending[key]; ok {
		return v, nil
	}
	v, err := t.reader.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *txn) putJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	delete(t.deleted, key)
	t.pending[key] = raw
	return nil
}

func (t *txn) del(key string) {
	delete(t.pending, key)
	t.deleted[key] = struct{}{}
}

// scan returns every key/value under prefix with staged writes applied.
func (t *txn) scan(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	iter := t.reader.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		out[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for k, v := range t.pending {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	for k := range t.deleted {
		if strings.HasPrefix(k, prefix) {
			delete(out, k)
		}
	}
	return out, nil
}

func (t *txn) counter(key string) (uint64, error) {
	raw, err := t.get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(raw), 10, 64)
}

func (t *txn) setCounter(key string, v uint64) {
	delete(t.deleted, key)
	t.pending[key] = []byte(strconv.FormatUint(v, 10))
}

// Reads ----------------------------------------------------------------------

func (t *txn) GetProject(id string) (project.Project, error) {
	raw, err := t.get(projectKey(id))
	if err != nil {
		return project.Project{}, err
	}
	var p project.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return project.Project{}, err
	}
	return p, nil
}

func (t *txn) ListProjects() ([]project.Project, error) {
	rows, err := t.scan(prefixProject)
	if err != nil {
		return nil, err
	}
	result := make([]project.Project, 0, len(rows))
	for _, raw := range rows {
		var p project.Project
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		result = append(result, p)
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
	return t.counter(keyProjectSeq)
}

func (t *txn) GetContribution(projectID, donor string) (project.Contribution, error) {
	raw, err := t.get(pairKey(prefixContrib, projectID, donor))
	if err != nil {
		return project.Contribution{}, err
	}
	var c project.Contribution
	if err := json.Unmarshal(raw, &c); err != nil {
		return project.Contribution{}, err
	}
	return c, nil
}

func (t *txn) ListContributions(projectID string) ([]project.Contribution, error) {
	rows, err := t.scan(prefixContrib + seg(projectID) + ":")
	if err != nil {
		return nil, err
	}
	result := make([]project.Contribution, 0, len(rows))
	for _, raw := range rows {
		var c project.Contribution
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		result = append(result, c)
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
	raw, err := t.get(pairKey(prefixDeposit, projectID, donor))
	if err != nil {
		return escrow.Deposit{}, err
	}
	var d escrow.Deposit
	if err := json.Unmarshal(raw, &d); err != nil {
		return escrow.Deposit{}, err
	}
	return d, nil
}

func (t *txn) ListDeposits(projectID string) ([]escrow.Deposit, error) {
	rows, err := t.scan(prefixDeposit + seg(projectID) + ":")
	if err != nil {
		return nil, err
	}
	result := make([]escrow.Deposit, 0, len(rows))
	for _, raw := range rows {
		var d escrow.Deposit
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		result = append(result, d)
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
	raw, err := t.get(prefixAccount + seg(id))
	if err != nil {
		return treasury.Account{}, err
	}
	var a treasury.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return treasury.Account{}, err
	}
	return a, nil
}

func (t *txn) ListJournal(q storage.JournalQuery) ([]treasury.Entry, error) {
	rows, err := t.scan(prefixJournal)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	// Keys carry a zero-padded sequence, so reverse lexicographic order is
	// newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var result []treasury.Entry
	for _, k := range keys {
		var e treasury.Entry
		if err := json.Unmarshal(rows[k], &e); err != nil {
			return nil, err
		}
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
	rows, err := t.scan(prefixReward + seg(identity) + ":")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]reward.Grant, 0, len(keys))
	for _, k := range keys {
		var g reward.Grant
		if err := json.Unmarshal(rows[k], &g); err != nil {
			return nil, err
		}
		result = append(result, g)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Writes ---------------------------------------------------------------------

func (t *txn) PutProject(p project.Project) error {
	return t.putJSON(projectKey(p.ID), p)
}

func (t *txn) IncrementProjectCount() (uint64, error) {
	n, err := t.counter(keyProjectSeq)
	if err != nil {
		return 0, err
	}
	n++
	t.setCounter(keyProjectSeq, n)
	return n, nil
}

func (t *txn) PutContribution(c project.Contribution) error {
	return t.putJSON(pairKey(prefixContrib, c.ProjectID, c.Donor), c)
}

func (t *txn) PutDeposit(d escrow.Deposit) error {
	return t.putJSON(pairKey(prefixDeposit, d.ProjectID, d.Donor), d)
}

func (t *txn) DeleteDeposit(projectID, donor string) error {
	key := pairKey(prefixDeposit, projectID, donor)
	if _, err := t.get(key); err != nil {
		return err
	}
	t.del(key)
	return nil
}

func (t *txn) PutAccount(a treasury.Account) error {
	return t.putJSON(prefixAccount+seg(a.ID), a)
}

func (t *txn) AppendJournal(e treasury.Entry) error {
	seq, err := t.counter(keyJournalSeq)
	if err != nil {
		return err
	}
	seq++
	t.setCounter(keyJournalSeq, seq)
	return t.putJSON(fmt.Sprintf("%s%020d", prefixJournal, seq), e)
}

func (t *txn) AppendReward(g reward.Grant) error {
	seq, err := t.counter(keyRewardSeq)
	if err != nil {
		return err
	}
	seq++
	t.setCounter(keyRewardSeq, seq)
	return t.putJSON(fmt.Sprintf("%s%s:%020d", prefixReward, seg(g.Identity), seq), g)
}
