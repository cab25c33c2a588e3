// Package admission gates outbound generation calls per credential.
//
// A Controller bounds how many calls run at once for a credential and how
// closely their start times may follow each other. A Caller layers the
// retry, continuation and structured-output policies on top.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/orchestrd/internal/generation"
)

// Config holds admission limits. Zero values are replaced by defaults.
type Config struct {
	// MaxConcurrent is the number of calls a credential may have in flight.
	MaxConcurrent int

	// MinInterval is the minimum spacing between two call starts for one
	// credential.
	MinInterval time.Duration

	// CallTimeout bounds every individual call.
	CallTimeout time.Duration

	// MaxCredentials is the registry size above which cleanup kicks in.
	MaxCredentials int

	// CleanupInterval is the minimum time between two cleanups.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   2,
		MinInterval:     500 * time.Millisecond,
		CallTimeout:     2 * time.Minute,
		MaxCredentials:  1000,
		CleanupInterval: 5 * time.Minute,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxCredentials <= 0 {
		c.MaxCredentials = d.MaxCredentials
	}
	if c.CleanupInterval < 0 {
		c.CleanupInterval = 0
	}
}

// state is the admission state of one credential.
type state struct {
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64
	lastUsed atomic.Int64 // unix nanos
}

func (s *state) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep injects the function used to wait for a reserved start time.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller admits calls per credential.
type Controller struct {
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger

	mu          sync.Mutex
	states      *simplelru.LRU[string, *state]
	lastCleanup time.Time
	cleaning    bool
}

// NewController creates a controller.
func NewController(cfg Config, opts ...Option) (*Controller, error) {
	cfg.ApplyDefaults()
	c := &Controller{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The hard ceiling only applies when cleanup cannot keep up.
	states, err := simplelru.NewLRU[string, *state](cfg.MaxCredentials*2, func(key string, st *state) {
		if c.cleaning {
			return
		}
		EvictionsTotal.WithLabelValues("capacity").Inc()
		if st.inFlight.Load() > 0 {
			c.logger.Warn("evicted busy credential state at hard capacity",
				zap.String("credential", key))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create credential registry: %w", err)
	}
	c.states = states
	c.lastCleanup = c.now()
	return c, nil
}

// Call runs fn once admitted for credential. fn receives a context bounded
// by CallTimeout; a call that runs past it fails with generation.ErrTimeout.
// The slot is released however fn returns, panics included.
func (c *Controller) Call(ctx context.Context, credential string, fn func(ctx context.Context) error) error {
	st := c.stateFor(credential)
	requested := c.now()

	if err := st.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for admission: %w", err)
	}
	st.inFlight.Add(1)
	InFlight.Inc()
	defer func() {
		st.touch(c.now())
		st.inFlight.Add(-1)
		InFlight.Dec()
		st.sem.Release(1)
	}()

	now := c.now()
	r := st.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		if err := c.sleep(ctx, delay); err != nil {
			r.CancelAt(c.now())
			return fmt.Errorf("waiting for admission: %w", err)
		}
	}
	WaitDuration.Observe(c.now().Sub(requested).Seconds())

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, generation.ErrTimeout) {
		return fmt.Errorf("%w after %s: %w", generation.ErrTimeout, c.cfg.CallTimeout, err)
	}
	return err
}

// Tracked returns the number of credentials with admission state.
func (c *Controller) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states.Len()
}

// InFlight returns the number of admitted calls for credential.
func (c *Controller) InFlight(credential string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states.Peek(credential)
	if !ok {
		return 0
	}
	return int(st.inFlight.Load())
}

func (c *Controller) stateFor(credential string) *state {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st, ok := c.states.Get(credential)
	if !ok {
		limit := rate.Inf
		if c.cfg.MinInterval > 0 {
			limit = rate.Every(c.cfg.MinInterval)
		}
		st = &state{
			sem:     semaphore.NewWeighted(int64(c.cfg.MaxConcurrent)),
			limiter: rate.NewLimiter(limit, 1),
		}
		c.states.Add(credential, st)
	}
	st.touch(now)

	if c.states.Len() > c.cfg.MaxCredentials && now.Sub(c.lastCleanup) >= c.cfg.CleanupInterval {
		c.cleanupLocked(now, credential)
	}
	TrackedCredentials.Set(float64(c.states.Len()))
	return st
}

// cleanupLocked drops the oldest fifth of the registry by last use. States
// with calls in flight and the credential being admitted are kept.
func (c *Controller) cleanupLocked(now time.Time, keep string) {
	c.lastCleanup = now
	c.cleaning = true
	defer func() { c.cleaning = false }()

	type entry struct {
		key      string
		lastUsed int64
	}
	keys := c.states.Keys()
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		st, _ := c.states.Peek(k)
		entries = append(entries, entry{key: k, lastUsed: st.lastUsed.Load()})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].lastUsed < entries[j].lastUsed })

	target := len(entries) / 5
	if target == 0 {
		target = 1
	}
	removed := 0
	for _, e := range entries {
		if removed == target {
			break
		}
		st, _ := c.states.Peek(e.key)
		if e.key == keep || st.inFlight.Load() > 0 {
			continue
		}
		c.states.Remove(e.key)
		removed++
	}
	EvictionsTotal.WithLabelValues("cleanup").Add(float64(removed))
	c.logger.Debug("admission registry cleanup",
		zap.Int("removed", removed), zap.Int("tracked", c.states.Len()))
}

// CredentialKey derives a registry key from an API key so raw secrets never
// sit in the registry or in logs.
func CredentialKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
