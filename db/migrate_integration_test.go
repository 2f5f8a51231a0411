package db_test

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"freightflow/db"
	"freightflow/test/infra"
)

func TestMigrate_IsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, "", 4)
	if errors.Is(err, infra.ErrUnavailable) {
		t.Skip("no postgres available; set DATABASE_URL or start docker")
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())

	applied, err := db.Migrate(ctx, h.Pool())
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to apply on a migrated schema, got %v", applied)
	}

	extra := fstest.MapFS{
		"0001_core.sql":  {Data: []byte(`SELECT 1`)},
		"0002_notes.sql": {Data: []byte(`CREATE TABLE notes (id INT PRIMARY KEY); INSERT INTO notes VALUES (1);`)},
		"README.md":      {Data: []byte(`ignored`)},
	}
	applied, err = db.MigrateFS(ctx, h.Pool(), extra)
	if err != nil {
		t.Fatalf("migrate extra: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_notes.sql" {
		t.Fatalf("expected only 0002_notes.sql, got %v", applied)
	}
	if applied, err = db.MigrateFS(ctx, h.Pool(), extra); err != nil || len(applied) != 0 {
		t.Fatalf("expected no-op rerun, got %v, %v", applied, err)
	}

	broken := fstest.MapFS{"0003_broken.sql": {Data: []byte(`CREATE TABLE nope (`)}}
	if _, err := db.MigrateFS(ctx, h.Pool(), broken); err == nil {
		t.Fatal("expected syntax error")
	}
	var recorded bool
	if err := h.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = '0003_broken.sql')`).Scan(&recorded); err != nil {
		t.Fatalf("query: %v", err)
	}
	if recorded {
		t.Fatal("failed migration must not be recorded")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if db.IsUniqueViolation(errors.New("plain")) {
		t.Fatal("plain error is not a unique violation")
	}
	if db.IsUniqueViolation(nil) {
		t.Fatal("nil is not a unique violation")
	}
}
