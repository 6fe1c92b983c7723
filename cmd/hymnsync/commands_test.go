package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/reconcile"
	"github.com/cesargomez89/hymnsync/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFailuresCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := store.NewSQLiteDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	if err := store.NewErrorLedger(db).RecordFailure(context.Background(), "pdf_files/a.pdf", "status 500"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	_ = db.Close()

	out, err := execute(t, "failures", "--db", dbPath, "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("failures failed: %v", err)
	}
	if !strings.Contains(out, "pdf_files/a.pdf") || !strings.Contains(out, "status 500") {
		t.Errorf("Expected ledger entry in output, got:\n%s", out)
	}
	if !strings.Contains(out, "1 failed artifact(s)") {
		t.Errorf("Expected count line, got:\n%s", out)
	}
}

func TestRunsCommandEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	out, err := execute(t, "runs", "--db", dbPath, "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("Expected header, got:\n%s", out)
	}
}

func TestSampleDryRun(t *testing.T) {
	t.Setenv("SUPABASE_URL", "http://127.0.0.1:1")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("SUPABASE_EMAIL", "admin@example.com")
	t.Setenv("SUPABASE_PASSWORD", "secret")

	dir := t.TempDir()
	for _, name := range []string{"TV_Great_Is_Thy_Faithfulness_Chisholm.pdf", "Amazing_Grace_Newton.pdf"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, constants.FilePermissions); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "sample", dir, "--dry-run", "--limit", "5",
		"--db", filepath.Join(t.TempDir(), "state.db"),
		"--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}

	var plans []reconcile.Plan
	if err := json.Unmarshal([]byte(out), &plans); err != nil {
		t.Fatalf("Expected JSON plans, got %q: %v", out, err)
	}
	if len(plans) != 2 {
		t.Fatalf("Expected 2 plans, got %d", len(plans))
	}
	if plans[1].Artifact.Title != "Great Is Thy Faithfulness" || plans[1].Artifact.Category != "Thánh Vịnh" {
		t.Errorf("Unexpected plan %+v", plans[1].Artifact)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("SUPABASE_EMAIL", "")
	t.Setenv("SUPABASE_PASSWORD", "")

	_, err := execute(t, "run", t.TempDir(),
		"--db", filepath.Join(t.TempDir(), "state.db"),
		"--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "SUPABASE_ANON_KEY") {
		t.Fatalf("Expected validation error, got %v", err)
	}
}
