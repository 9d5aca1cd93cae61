package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	for _, table := range []string{"patches", "crawl_runs", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := Up(db); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
}

func TestStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := Status(db)
	if err == nil {
		t.Fatal("Status() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("Status() error = %q, want error about needing migration", err.Error())
	}
}

func TestStatus_AfterUp(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := Status(db); err != nil {
		t.Errorf("Status() after Up() = %v, want nil", err)
	}
}

func TestStatus_BehindLatest(t *testing.T) {
	db := openTestDB(t)

	if err := Up(db); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	// Rewind the recorded version to simulate an old database.
	if _, err := db.Exec("UPDATE schema_migrations SET version = 1"); err != nil {
		t.Fatalf("rewinding schema version: %v", err)
	}

	err := Status(db)
	if err == nil {
		t.Fatal("Status() expected error for outdated database, got nil")
	}
}
