package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsDirValidates(t *testing.T) {
	if err := ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations dir: %v", err)
	}
}

func TestEscrowSchemaCoversCoreTables(t *testing.T) {
	entries, err := os.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	var combined strings.Builder
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := os.ReadFile(filepath.Join("migrations", e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		combined.Write(b)
	}

	sql := combined.String()
	for _, table := range []string{
		"escrow_transactions",
		"escrow_milestones",
		"ledger_entries",
		"release_requests",
		"dispute_cases",
		"file_deliveries",
		"outbox_events",
	} {
		if !strings.Contains(sql, "CREATE TABLE "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}

	for _, index := range []string{
		"uq_ledger_entries_provider_event",
		"uq_ledger_entries_idempotency_key",
		"uq_ledger_entries_milestone_release",
		"uq_dispute_cases_open_per_escrow",
	} {
		if !strings.Contains(sql, index) {
			t.Errorf("schema missing unique index %s", index)
		}
	}
}
