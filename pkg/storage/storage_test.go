package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "campaign.db")

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"findings", "finding_status_log", "pipeline_state", "pipeline_transitions", "roi_entries"} {
		var name string
		err := db.SQL().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.db")

	db, err := Open(&Config{DatabasePath: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.SQL().Exec(`INSERT INTO pipeline_state (target, stage, version, created_at, updated_at) VALUES ('t', 'discovered', 0, 1, 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	db2, err := Open(&Config{DatabasePath: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	st, err := db2.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Targets != 1 {
		t.Errorf("Targets = %d, want 1 after reopen", st.Targets)
	}
}

func TestOpen_Memory(t *testing.T) {
	db, err := Open(&Config{DatabasePath: MemoryPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Path() != MemoryPath {
		t.Errorf("Path() = %q", db.Path())
	}
	if _, err := db.Stats(context.Background()); err != nil {
		t.Errorf("Stats on memory db: %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	wantErr := fmt.Errorf("abort")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO pipeline_state (target, stage, version, created_at, updated_at) VALUES ('t', 'discovered', 0, 1, 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTx error = %v, want %v", err, wantErr)
	}

	st, _ := db.Stats(ctx)
	if st.Targets != 0 {
		t.Errorf("rolled back insert is visible: Targets = %d", st.Targets)
	}
}

func TestWithTx_Commit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pipeline_state (target, stage, version, created_at, updated_at) VALUES ('t', 'discovered', 0, 1, 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	st, _ := db.Stats(ctx)
	if st.Targets != 1 {
		t.Errorf("Targets = %d, want 1", st.Targets)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.DatabasePath == "" || cfg.BusyTimeoutMs != 5000 || cfg.CacheSizeKB != 16000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestUnixRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.FixedZone("X", 3600))
	got := FromUnix(ToUnix(now))
	if !got.Equal(now) {
		t.Errorf("round trip = %v, want %v", got, now)
	}
	if got.Location() != time.UTC {
		t.Errorf("decoded time should be UTC, got %v", got.Location())
	}
}
