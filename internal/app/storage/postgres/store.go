// Package postgres provides the PostgreSQL storage backend. Each unit of
// work maps to one database transaction; amount columns are NUMERIC(20,0) so
// the full uint64 range survives the round trip, and parameters are bound as
// decimal strings because database/sql rejects uint64 values above 1<<63.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/reward"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Update implements storage.Store over one database transaction.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&txn{ctx: ctx, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// View implements storage.Store with a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	return fn(&txn{ctx: ctx, tx: sqlTx})
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

type txn struct {
	ctx context.Context
	tx  *sqlx.Tx
}

var _ storage.Tx = (*txn)(nil)

func amount(v uint64) string { return strconv.FormatUint(v, 10) }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// Row types ------------------------------------------------------------------

type projectRow struct {
	ID        string    `db:"id"`
	Owner     string    `db:"owner_identity"`
	Title     string    `db:"title"`
	Metadata  []byte    `db:"metadata"`
	Goal      uint64    `db:"goal"`
	Raised    uint64    `db:"raised"`
	Deadline  time.Time `db:"deadline"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r projectRow) toDomain() (project.Project, error) {
	var metadata map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return project.Project{}, fmt.Errorf("decode project %s metadata: %w", r.ID, err)
		}
	}
	return project.Project{
		ID:        r.ID,
		Owner:     r.Owner,
		Title:     r.Title,
		Metadata:  metadata,
		Goal:      r.Goal,
		Raised:    r.Raised,
		Deadline:  r.Deadline.UTC(),
		Status:    project.Status(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}

type contributionRow struct {
	ProjectID string    `db:"project_id"`
	Donor     string    `db:"donor"`
	Amount    uint64    `db:"amount"`
	FirstAt   time.Time `db:"first_at"`
	LastAt    time.Time `db:"last_at"`
}

func (r contributionRow) toDomain() project.Contribution {
	return project.Contribution{
		ProjectID: r.ProjectID,
		Donor:     r.Donor,
		Amount:    r.Amount,
		FirstAt:   r.FirstAt.UTC(),
		LastAt:    r.LastAt.UTC(),
	}
}

type depositRow struct {
	ProjectID string    `db:"project_id"`
	Donor     string    `db:"donor"`
	Amount    uint64    `db:"amount"`
	HeldSince time.Time `db:"held_since"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r depositRow) toDomain() escrow.Deposit {
	return escrow.Deposit{
		ProjectID: r.ProjectID,
		Donor:     r.Donor,
		Amount:    r.Amount,
		HeldSince: r.HeldSince.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type accountRow struct {
	ID        string    `db:"id"`
	Balance   uint64    `db:"balance"`
	UpdatedAt time.Time `db:"updated_at"`
}

type journalRow struct {
	ID         string    `db:"id"`
	Kind       string    `db:"kind"`
	ProjectID  string    `db:"project_id"`
	From       string    `db:"from_account"`
	To         string    `db:"to_account"`
	Amount     uint64    `db:"amount"`
	RecordedAt time.Time `db:"recorded_at"`
}

type rewardRow struct {
	ID        string    `db:"id"`
	Identity  string    `db:"identity"`
	ProjectID string    `db:"project_id"`
	Points    uint64    `db:"points"`
	GrantedAt time.Time `db:"granted_at"`
}

// Reads ----------------------------------------------------------------------

const projectColumns = `id, owner_identity, title, metadata, goal, raised, deadline, status, created_at, updated_at`

func (t *txn) GetProject(id string) (project.Project, error) {
	var row projectRow
	err := t.tx.GetContext(t.ctx, &row, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE id = $1
	`, id)
	if err != nil {
		return project.Project{}, notFound(err)
	}
	return row.toDomain()
}

func (t *txn) ListProjects() ([]project.Project, error) {
	var rows []projectRow
	err := t.tx.SelectContext(t.ctx, &rows, `
		SELECT `+projectColumns+`
		FROM projects
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	result := make([]project.Project, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (t *txn) ProjectCount() (uint64, error) {
	var count uint64
	err := t.tx.GetContext(t.ctx, &count, `
		SELECT value FROM registry_meta WHERE key = 'project_count'
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (t *txn) GetContribution(projectID, donor string) (project.Contribution, error) {
	var row contributionRow
	err := t.tx.GetContext(t.ctx, &row, `
		SELECT project_id, donor, amount, first_at, last_at
		FROM contributions
		WHERE project_id = $1 AND donor = $2
	`, projectID, donor)
	if err != nil {
		return project.Contribution{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (t *txn) ListContributions(projectID string) ([]project.Contribution, error) {
	var rows []contributionRow
	err := t.tx.SelectContext(t.ctx, &rows, `
		SELECT project_id, donor, amount, first_at, last_at
		FROM contributions
		WHERE project_id = $1
		ORDER BY first_at, donor
	`, projectID)
	if err != nil {
		return nil, err
	}
	result := make([]project.Contribution, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (t *txn) GetDeposit(projectID, donor string) (escrow.Deposit, error) {
	var row depositRow
	err := t.tx.GetContext(t.ctx, &row, `
		SELECT project_id, donor, amount, held_since, updated_at
		FROM deposits
		WHERE project_id = $1 AND donor = $2
	`, projectID, donor)
	if err != nil {
		return escrow.Deposit{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (t *txn) ListDeposits(projectID string) ([]escrow.Deposit, error) {
	var rows []depositRow
	err := t.tx.SelectContext(t.ctx, &rows, `
		SELECT project_id, donor, amount, held_since, updated_at
		FROM deposits
		WHERE project_id = $1
		ORDER BY held_since, donor
	`, projectID)
	if err != nil {
		return nil, err
	}
	result := make([]escrow.Deposit, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (t *txn) GetAccount(id string) (treasury.Account, error) {
	var row accountRow
	err := t.tx.GetContext(t.ctx, &row, `
		SELECT id, balance, updated_at
		FROM treasury_accounts
		WHERE id = $1
	`, id)
	if err != nil {
		return treasury.Account{}, notFound(err)
	}
	return treasury.Account{ID: row.ID, Balance: row.Balance, UpdatedAt: row.UpdatedAt.UTC()}, nil
}

func (t *txn) ListJournal(q storage.JournalQuery) ([]treasury.Entry, error) {
	query := `
		SELECT id, kind, project_id, from_account, to_account, amount, recorded_at
		FROM treasury_journal
	`
	var (
		conds []string
		args  []interface{}
	)
	if q.Account != "" {
		args = append(args, q.Account)
		conds = append(conds, fmt.Sprintf("(from_account = $%d OR to_account = $%d)", len(args), len(args)))
	}
	if q.ProjectID != "" {
		args = append(args, q.ProjectID)
		conds = append(conds, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []journalRow
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]treasury.Entry, 0, len(rows))
	for _, row := range rows {
		result = append(result, treasury.Entry{
			ID:        row.ID,
			Kind:      row.Kind,
			ProjectID: row.ProjectID,
			From:      row.From,
			To:        row.To,
			Amount:    row.Amount,
			At:        row.RecordedAt.UTC(),
		})
	}
	return result, nil
}

func (t *txn) ListRewards(identity string, limit int) ([]reward.Grant, error) {
	query := `
		SELECT id, identity, project_id, points, granted_at
		FROM reward_grants
		WHERE identity = $1
		ORDER BY seq
	`
	args := []interface{}{identity}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	var rows []rewardRow
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]reward.Grant, 0, len(rows))
	for _, row := range rows {
		result = append(result, reward.Grant{
			ID:        row.ID,
			Identity:  row.Identity,
			ProjectID: row.ProjectID,
			Points:    row.Points,
			GrantedAt: row.GrantedAt.UTC(),
		})
	}
	return result, nil
}

// Writes ---------------------------------------------------------------------

func (t *txn) PutProject(p project.Project) error {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode project %s metadata: %w", p.ID, err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO projects (id, owner_identity, title, metadata, goal, raised, deadline, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner_identity = EXCLUDED.owner_identity,
			title = EXCLUDED.title,
			metadata = EXCLUDED.metadata,
			goal = EXCLUDED.goal,
			raised = EXCLUDED.raised,
			deadline = EXCLUDED.deadline,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Owner, p.Title, metadataJSON, amount(p.Goal), amount(p.Raised), p.Deadline, string(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *txn) IncrementProjectCount() (uint64, error) {
	var count uint64
	err := t.tx.GetContext(t.ctx, &count, `
		INSERT INTO registry_meta (key, value)
		VALUES ('project_count', 1)
		ON CONFLICT (key) DO UPDATE SET value = registry_meta.value + 1
		RETURNING value
	`)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (t *txn) PutContribution(c project.Contribution) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO contributions (project_id, donor, amount, first_at, last_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, donor) DO UPDATE SET
			amount = EXCLUDED.amount,
			last_at = EXCLUDED.last_at
	`, c.ProjectID, c.Donor, amount(c.Amount), c.FirstAt, c.LastAt)
	return err
}

func (t *txn) PutDeposit(d escrow.Deposit) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO deposits (project_id, donor, amount, held_since, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, donor) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
	`, d.ProjectID, d.Donor, amount(d.Amount), d.HeldSince, d.UpdatedAt)
	return err
}

func (t *txn) DeleteDeposit(projectID, donor string) error {
	result, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM deposits WHERE project_id = $1 AND donor = $2
	`, projectID, donor)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *txn) PutAccount(a treasury.Account) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO treasury_accounts (id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
	`, a.ID, amount(a.Balance), a.UpdatedAt)
	return err
}

func (t *txn) AppendJournal(e treasury.Entry) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO treasury_journal (id, kind, project_id, from_account, to_account, amount, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Kind, e.ProjectID, e.From, e.To, amount(e.Amount), e.At)
	return err
}

func (t *txn) AppendReward(g reward.Grant) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reward_grants (id, identity, project_id, points, granted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, g.ID, g.Identity, g.ProjectID, amount(g.Points), g.GrantedAt)
	return err
}
