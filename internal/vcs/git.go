// Package vcs commits generated artifacts to a per-project git repository.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// CommitResult identifies the commit holding a phase's artifacts.
type CommitResult struct {
	CommitHash string `json:"commit_hash"`
	Branch     string `json:"branch"`
}

// Config configures a Committer.
type Config struct {
	RepoRoot    string
	AuthorName  string
	AuthorEmail string
}

// Option configures a Committer.
type Option func(*Committer)

// WithClock injects the time source for commit signatures.
func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Committer) { c.logger = l }
}

// Committer writes artifacts into <RepoRoot>/<slug> and commits them.
type Committer struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

// NewCommitter creates a Committer. The root directory is created on
// first use.
func NewCommitter(cfg Config, opts ...Option) *Committer {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "orchestrd"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "orchestrd@localhost"
	}
	c := &Committer{cfg: cfg, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit writes files (name to content) for phase and commits them. When
// nothing changed, the current HEAD is returned.
func (c *Committer) Commit(ctx context.Context, slug, phase string, files map[string]string, agent string, duration time.Duration) (*CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slug == "" || strings.ContainsAny(slug, `/\`) || slug == "." || slug == ".." {
		return nil, fmt.Errorf("invalid project slug %q", slug)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(c.cfg.RepoRoot, slug)
	repo, err := openOrInit(dir)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("invalid artifact name %q", name)
		}
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := wt.Add(filepath.ToSlash(name)); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}

	hash, err := wt.Commit(message(phase, agent, names, duration), &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.cfg.AuthorName,
			Email: c.cfg.AuthorEmail,
			When:  c.now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		c.logger.Debug("no artifact changes to commit", zap.String("project", slug), zap.String("phase", phase))
		return head(repo)
	}
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	res, err := head(repo)
	if err != nil {
		return nil, err
	}
	res.CommitHash = hash.String()
	c.logger.Info("artifacts committed",
		zap.String("project", slug),
		zap.String("phase", phase),
		zap.String("commit", res.CommitHash),
		zap.Int("files", len(names)))
	return res, nil
}

func openOrInit(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", dir, err)
	}
	return repo, nil
}

func head(repo *git.Repository) (*CommitResult, error) {
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	res := &CommitResult{CommitHash: ref.Hash().String()}
	if ref.Name().IsBranch() {
		res.Branch = ref.Name().Short()
	}
	return res, nil
}

func message(phase, agent string, names []string, duration time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d artifact(s) by %s in %s\n\n", phase, len(names), agent, duration.Round(time.Millisecond))
	for _, n := range names {
		fmt.Fprintf(&sb, "- %s\n", n)
	}
	return sb.String()
}
