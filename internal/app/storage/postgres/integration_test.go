//go:build integration && postgres

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/pledgevault/internal/app/domain/escrow"
	"github.com/R3E-Network/pledgevault/internal/app/domain/project"
	"github.com/R3E-Network/pledgevault/internal/app/domain/treasury"
	"github.com/R3E-Network/pledgevault/internal/app/storage"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	_ = godotenv.Load("../../../../.env")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func TestStoreIntegration(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "itest-" + now.Format("20060102150405")

	err := store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutProject(project.Project{
			ID:        id,
			Owner:     "alice",
			Title:     "Integration",
			Metadata:  map[string]string{"category": "test"},
			Goal:      1000,
			Deadline:  now.Add(time.Hour),
			Status:    project.StatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := tx.IncrementProjectCount(); err != nil {
			return err
		}
		if err := tx.PutContribution(project.Contribution{ProjectID: id, Donor: "bob", Amount: 495, FirstAt: now, LastAt: now}); err != nil {
			return err
		}
		if err := tx.PutDeposit(escrow.Deposit{ProjectID: id, Donor: "bob", Amount: 495, HeldSince: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.PutAccount(treasury.Account{ID: treasury.VaultAccount(id), Balance: 495, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.AppendJournal(treasury.Entry{
			ID:        "itest-entry-" + id,
			Kind:      treasury.KindEscrowHeld,
			ProjectID: id,
			From:      treasury.External,
			To:        treasury.VaultAccount(id),
			Amount:    495,
			At:        now,
		})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = store.View(ctx, func(tx storage.ReadTx) error {
		p, err := tx.GetProject(id)
		if err != nil {
			return err
		}
		if p.Owner != "alice" || p.Goal != 1000 {
			t.Fatalf("unexpected project round trip: %+v", p)
		}
		if p.Metadata["category"] != "test" {
			t.Fatalf("metadata lost: %+v", p.Metadata)
		}

		c, err := tx.GetContribution(id, "bob")
		if err != nil {
			return err
		}
		if c.Amount != 495 {
			t.Fatalf("unexpected contribution amount %d", c.Amount)
		}

		acct, err := tx.GetAccount(treasury.VaultAccount(id))
		if err != nil {
			return err
		}
		if acct.Balance != 495 {
			t.Fatalf("unexpected vault balance %d", acct.Balance)
		}

		entries, err := tx.ListJournal(storage.JournalQuery{ProjectID: id})
		if err != nil {
			return err
		}
		if len(entries) != 1 || entries[0].Kind != treasury.KindEscrowHeld {
			t.Fatalf("unexpected journal: %+v", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	err = store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteDeposit(id, "bob")
	})
	if err != nil {
		t.Fatalf("delete deposit: %v", err)
	}

	err = store.View(ctx, func(tx storage.ReadTx) error {
		_, err := tx.GetDeposit(id, "bob")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
