package audit

import (
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"

	"github.com/obe711/realm-inspector-go/pkg/logging"
)

func TestRecorderCommitsSnapshots(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, logging.New("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := rec.Record("createDocument", "User", []byte(`[{"id":"u1"}]`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.Record("deleteDocument", "User", []byte(`[]`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "User.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(data) != `[]` {
		t.Fatalf("snapshot = %s", data)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("reopen repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.Message != "deleteDocument User" {
		t.Fatalf("message = %q", commit.Message)
	}
	if commit.NumParents() != 1 {
		t.Fatalf("parents = %d, want one commit per mutation", commit.NumParents())
	}
}

func TestRecorderEmptyNameFallsBackToDatabase(t *testing.T) {
	dir := t.TempDir()
	rec, err := Open(dir, logging.New("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rec.Record("deleteAllInDatabase", "", []byte(`{}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "snapshots", "database.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}
