package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var schemaTables = []string{"emote_blacklist", "emote_usage"}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cleanDatabase(t, context.Background(), db)
	return db
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return exists
}

func TestRunMigrations(t *testing.T) {
	db := openTestDB(t)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	for _, table := range schemaTables {
		if !tableExists(t, db, table) {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version != 2 {
		t.Errorf("migration version = %d, want 2", version)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first RunMigrations() error = %v", err)
	}
	v1, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	v2, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 || dirty {
		t.Errorf("version changed %d -> %d (dirty=%v)", v1, v2, dirty)
	}

	// The fallback statements must accept a migrated schema.
	if err := Migrate(context.Background(), db); err != nil {
		t.Errorf("Migrate() on migrated schema error = %v", err)
	}
}

func TestMigrationUpDownKeepsBlacklist(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if err := AddBlacklist(ctx, db, "cursed", "test"); err != nil {
		t.Fatalf("AddBlacklist: %v", err)
	}

	if err := MigrateDown(db); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "emote_usage") {
		t.Error("emote_usage still exists after rolling back its migration")
	}
	ids, err := LoadBlacklist(ctx, db)
	if err != nil || len(ids) != 1 || ids[0] != "cursed" {
		t.Errorf("blacklist after rollback = %v, %v", ids, err)
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() after rollback error = %v", err)
	}
	if !tableExists(t, db, "emote_usage") {
		t.Error("emote_usage missing after re-apply")
	}
}

func TestMigrationDownAll(t *testing.T) {
	db := openTestDB(t)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	start, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint(0); i < start; i++ {
		if err := MigrateDown(db); err != nil {
			t.Fatalf("MigrateDown() iteration %d error = %v", i, err)
		}
	}
	for _, table := range schemaTables {
		if tableExists(t, db, table) {
			t.Errorf("table %s still exists after rolling back all migrations", table)
		}
	}
	version, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("version after rolling back all = %d, want 0", version)
	}
}

// cleanDatabase drops the schema and the migrate bookkeeping table.
func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	statements := []string{
		`DROP TABLE IF EXISTS emote_usage CASCADE`,
		`DROP TABLE IF EXISTS emote_blacklist CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Logf("warning: clean database statement failed (may be expected): %v", err)
		}
	}
}
