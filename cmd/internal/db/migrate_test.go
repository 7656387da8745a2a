package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrate_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := Migrate("", "up"); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	for _, dir := range []string{"", "UP", "sideways"} {
		if err := Migrate("postgres://localhost/avancira", dir); err == nil || !strings.Contains(err.Error(), "direction") {
			t.Fatalf("direction %q: err=%v", dir, err)
		}
	}
}

func TestMigrationFS_Pairs(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %q", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Fatalf("migration %s has no down file", v)
		}
	}
}

func TestMigrationFS_DefinesSessionTables(t *testing.T) {
	t.Parallel()

	raw, err := fs.ReadFile(MigrationFS, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{"avancira.sessions", "avancira.refresh_tokens", "refresh_tokens_one_active_per_session", "avancira.audit_log"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}
