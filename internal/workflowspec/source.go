package workflowspec

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

//go:embed default_workflow.yaml
var defaultWorkflowYAML []byte

var defaultSpec = sync.OnceValue(func() *WorkflowSpec {
	spec, err := Parse(defaultWorkflowYAML)
	if err != nil {
		panic(fmt.Sprintf("workflowspec: embedded default is invalid: %v", err))
	}
	return spec
})

// Default returns the embedded specification. It is the same document that
// ships as default_workflow.yaml, compiled in.
func Default() *WorkflowSpec {
	return defaultSpec()
}

// DefaultYAML returns the raw embedded document, e.g. to seed a config dir.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultWorkflowYAML...)
}

// Load parses the file at path.
func Load(path string) (*WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	spec, err := Parse(data)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = path
		}
		return nil, err
	}
	return spec, nil
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithClock injects the time source used to enforce the reload interval.
func WithClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

// WithMinReloadInterval sets the minimum time between two reloads.
func WithMinReloadInterval(d time.Duration) SourceOption {
	return func(s *Source) { s.minInterval = d }
}

// WithProduction disables reloads.
func WithProduction(production bool) SourceOption {
	return func(s *Source) { s.production = production }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) SourceOption {
	return func(s *Source) { s.logger = logger }
}

// Source holds the active specification and swaps it on explicit reloads.
type Source struct {
	path        string
	production  bool
	minInterval time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu         sync.RWMutex
	current    *WorkflowSpec
	lastReload time.Time
	fallback   bool
}

// NewSource loads the specification at path. An empty path, or one that
// fails to load, yields the embedded default; the failure is logged as a
// ConfigError and never returned.
func NewSource(path string, opts ...SourceOption) *Source {
	s := &Source{
		path:        path,
		minInterval: 30 * time.Second,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.current, s.fallback = Default(), true
	if path != "" {
		spec, err := Load(path)
		if err != nil {
			s.logger.Error("workflow spec rejected, using embedded default",
				zap.String("path", path), zap.Error(err))
		} else {
			s.current, s.fallback = spec, false
		}
	}
	s.lastReload = s.now()
	return s
}

// Current returns the active specification.
func (s *Source) Current() *WorkflowSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// UsingFallback reports whether the embedded default is active.
func (s *Source) UsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// Reload re-reads the file. It is a no-op in production mode, when no file
// is configured, or when called again within the minimum interval. A file
// that fails to parse leaves the active specification in place and returns
// the ConfigError.
func (s *Source) Reload() (bool, error) {
	if s.production || s.path == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastReload) < s.minInterval {
		return false, nil
	}
	s.lastReload = now

	spec, err := Load(s.path)
	if err != nil {
		s.logger.Warn("workflow spec reload failed, keeping active spec",
			zap.String("path", s.path), zap.Bool("fallback", s.fallback), zap.Error(err))
		return false, err
	}
	s.current, s.fallback = spec, false
	s.logger.Info("workflow spec reloaded", zap.String("path", s.path), zap.Int("phases", len(spec.Phases)))
	return true, nil
}

// Watch reloads on file changes until ctx is done. Editors often replace
// files instead of writing them, so the parent directory is watched.
func (s *Source) Watch(ctx context.Context) error {
	if s.production || s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve spec path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			_, _ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("workflow spec watcher error", zap.Error(err))
		}
	}
}
