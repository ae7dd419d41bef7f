package sqlitemigrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	// every pooled connection would get its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyRecordsAndSkips(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"001_items.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
		"002_more.sql":  {Data: []byte("CREATE TABLE more(id INTEGER PRIMARY KEY);")},
		"README.md":     {Data: []byte("not a migration")},
	}

	for range 2 {
		if err := Apply(ctx, db, fsys, ""); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	names, err := Applied(ctx, db)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(names) != 2 || names[0] != "001_items.sql" || names[1] != "002_more.sql" {
		t.Fatalf("applied = %v", names)
	}
	if _, err := db.Exec("INSERT INTO items(id) VALUES ('a')"); err != nil {
		t.Fatalf("items table missing: %v", err)
	}
}

func TestApplyDoesNotRecordFailedMigration(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	bad := fstest.MapFS{"001_bad.sql": {Data: []byte("CREAT TABLE things(id INT);")}}
	if err := Apply(ctx, db, bad, ""); err == nil {
		t.Fatal("expected bad migration to fail")
	}
	names, _ := Applied(ctx, db)
	if len(names) != 0 {
		t.Fatalf("failed migration recorded: %v", names)
	}

	good := fstest.MapFS{"001_bad.sql": {Data: []byte("CREATE TABLE things(id INTEGER PRIMARY KEY);")}}
	if err := Apply(ctx, db, good, ""); err != nil {
		t.Fatalf("apply fixed migration: %v", err)
	}
}

func TestApplyUsesDirInKey(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{"groups/001.sql": {Data: []byte("CREATE TABLE g(id TEXT);")}}
	if err := Apply(context.Background(), db, fsys, "groups"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	names, _ := Applied(context.Background(), db)
	if len(names) != 1 || names[0] != "groups/001.sql" {
		t.Fatalf("applied = %v", names)
	}
}

func TestUp(t *testing.T) {
	got := Up("-- header\n-- +migrate Up\nA;\n-- +migrate Down\nB;")
	if got != "\nA;\n" {
		t.Errorf("Up = %q", got)
	}
	if Up("C;") != "C;" {
		t.Error("content without markers must be returned whole")
	}
}
