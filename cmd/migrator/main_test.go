package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"002_add_index.up.sql",
		"001_create_push_tokens.up.sql",
		"001_create_push_tokens.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := pendingMigrations(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"001_create_push_tokens.up.sql", "002_add_index.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPendingMigrations_MissingDir(t *testing.T) {
	if _, err := pendingMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestRepositoryMigrationsAreDiscoverable(t *testing.T) {
	got, err := pendingMigrations("../../migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 || got[0] != "001_create_push_tokens.up.sql" {
		t.Errorf("expected the push_tokens migration first, got %v", got)
	}
}
