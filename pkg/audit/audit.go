// Package audit keeps a git-committed trail of JSON snapshots taken after
// mutating inspector operations, giving a time-travel view of debug edits.
package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/obe711/realm-inspector-go/pkg/logging"
)

// Recorder owns the audit repository.
type Recorder struct {
	dir    string
	repo   *git.Repository
	logger *logging.Logger
}

// Open initializes or reopens the audit repository at dir.
func Open(dir string, logger *logging.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open audit repo: %w", err)
	}
	return &Recorder{dir: dir, repo: repo, logger: logger}, nil
}

// Record writes a snapshot file for name and commits it with a message
// naming the operation. Snapshot failures are reported, never fatal to the
// mutation that triggered them.
func (r *Recorder) Record(operation, name string, payload []byte) error {
	if r == nil {
		return nil
	}
	if name == "" {
		name = "database"
	}
	rel := filepath.Join("snapshots", name+".json")
	path := filepath.Join(r.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Add(rel); err != nil {
		return err
	}
	message := fmt.Sprintf("%s %s", operation, name)
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "inspector-agent",
			Email: "inspector-agent@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return err
	}
	r.logger.Debugf("audit commit %s: %s", hash.String()[:8], message)
	return nil
}
