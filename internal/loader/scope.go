package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// Scope batches and caches lookups for a single request.
// It must not be shared between requests.
type Scope struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	fetchers map[string]BatchFunc
	cache    map[string]map[string]*Future // kind → key → pending or resolved entry
	windows  map[string]*window            // collecting window per kind
	sealed   []*window                     // full windows waiting for the next flush
	timer    clock.Timer
	closed   bool
	stats    map[string]*KindStats
}

// window is the set of keys collected for one kind in one cycle.
type window struct {
	kind    string
	state   windowState
	keys    []string
	futures []*Future
}

// advance moves w one step along collecting, flushing, resolved. It
// reports false and leaves w unchanged for any other transition. Callers
// hold the scope mutex.
func (w *window) advance(to windowState) bool {
	if to != w.state+1 || to > stateResolved {
		return false
	}
	w.state = to
	return true
}

// Option configures a Scope.
type Option func(*Scope)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scope) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used by the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(s *Scope) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver registers a batch observer (metrics).
func WithObserver(o Observer) Option {
	return func(s *Scope) {
		s.observer = o
	}
}

// WithFetchers registers a set of batch functions.
func WithFetchers(fetchers map[string]BatchFunc) Option {
	return func(s *Scope) {
		for kind, fn := range fetchers {
			s.fetchers[kind] = fn
		}
	}
}

// NewScope creates a request scope. Closing ctx does not close the scope;
// it only bounds debounce-driven flushes. Call Close when the request ends.
func NewScope(ctx context.Context, cfg Config, opts ...Option) *Scope {
	if cfg.FlushConcurrency < 1 {
		cfg.FlushConcurrency = 1
	}

	s := &Scope{
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    clock.WallClock,
		fetchers: make(map[string]BatchFunc),
		cache:    make(map[string]map[string]*Future),
		windows:  make(map[string]*window),
		stats:    make(map[string]*KindStats),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register adds or replaces the batch function for kind.
func (s *Scope) Register(kind string, fn BatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[kind] = fn
}

// Load registers key in the current window for kind and returns its future.
// A key already pending in this scope returns the same future; a key already
// resolved returns a completed future without touching any window.
func (s *Scope) Load(kind, key string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failedFuture(kind, key, ErrScopeClosed)
	}
	if _, ok := s.fetchers[kind]; !ok {
		return failedFuture(kind, key, fmt.Errorf("%w: %q", ErrUnknownKind, kind))
	}

	st := s.kindStatsLocked(kind)

	entries := s.cache[kind]
	if entries == nil {
		entries = make(map[string]*Future)
		s.cache[kind] = entries
	}
	if f, ok := entries[key]; ok {
		if f.Resolved() {
			st.CacheHits++
		} else {
			st.Dedups++
		}
		return f
	}

	f := newFuture(s, kind, key)
	entries[key] = f

	w := s.windows[kind]
	if w == nil || w.state != stateCollecting {
		w = &window{kind: kind, state: stateCollecting}
		s.windows[kind] = w
	}
	w.keys = append(w.keys, key)
	w.futures = append(w.futures, f)

	if s.cfg.MaxBatch > 0 && len(w.keys) >= s.cfg.MaxBatch {
		s.sealed = append(s.sealed, w)
		delete(s.windows, kind)
	}

	if s.cfg.Wait > 0 && s.timer == nil {
		s.timer = s.clock.AfterFunc(s.cfg.Wait, s.debounceFlush)
	}

	return f
}

// LoadMany loads several keys of the same kind.
func (s *Scope) LoadMany(kind string, keys []string) []*Future {
	futures := make([]*Future, len(keys))
	for i, key := range keys {
		futures[i] = s.Load(kind, key)
	}
	return futures
}

// Prime stores a known value for key. Existing entries are left untouched.
func (s *Scope) Prime(kind, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	entries := s.cache[kind]
	if entries == nil {
		entries = make(map[string]*Future)
		s.cache[kind] = entries
	}
	if _, ok := entries[key]; ok {
		return
	}
	f := newFuture(s, kind, key)
	f.resolve(value, nil)
	entries[key] = f
}

// Clear drops a resolved entry so the next Load fetches it again.
// Pending entries stay in place: their window is already committed to the key.
func (s *Scope) Clear(kind, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.cache[kind][key]; ok && f.Resolved() {
		delete(s.cache[kind], key)
	}
}

// Pending returns the number of keys waiting for a flush.
func (s *Scope) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.windows {
		n += len(w.keys)
	}
	for _, w := range s.sealed {
		n += len(w.keys)
	}
	return n
}

// Flush dispatches every collected window, one BatchFunc call per window.
// Each waiter receives its own outcome; the returned error is the first
// window-level failure, if any.
func (s *Scope) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScopeClosed
	}

	ready := s.sealed
	for _, w := range s.windows {
		ready = append(ready, w)
	}
	s.sealed = nil
	s.windows = make(map[string]*window)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	claimed := ready[:0]
	var fetchers []BatchFunc
	for _, w := range ready {
		if !w.advance(stateFlushing) {
			s.logger.Warn("skipping batch window", "kind", w.kind, "state", w.state)
			continue
		}
		claimed = append(claimed, w)
		fetchers = append(fetchers, s.fetchers[w.kind])
	}
	ready = claimed
	s.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.FlushConcurrency)
	for i, w := range ready {
		fn := fetchers[i]
		g.Go(func() error {
			return s.dispatch(ctx, w, fn)
		})
	}

	return g.Wait()
}

// Close fails all pending waiters with ErrScopeClosed and releases the cache.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	var pending []*Future
	for _, entries := range s.cache {
		for _, f := range entries {
			if !f.Resolved() {
				pending = append(pending, f)
			}
		}
	}
	s.cache = nil
	s.windows = nil
	s.sealed = nil
	s.mu.Unlock()

	s.cancel()

	for _, f := range pending {
		f.resolve(nil, ErrScopeClosed)
	}

	if len(pending) > 0 {
		s.logger.Debug("loader scope closed with pending keys", "pending", len(pending))
	}
}

// Stats returns a copy of the per-kind counters.
func (s *Scope) Stats() map[string]KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]KindStats, len(s.stats))
	for kind, st := range s.stats {
		out[kind] = *st
	}
	return out
}

// dispatch runs one window's BatchFunc and demultiplexes by position.
func (s *Scope) dispatch(ctx context.Context, w *window, fn BatchFunc) error {
	s.mu.Lock()
	state := w.state
	s.mu.Unlock()
	if state != stateFlushing {
		return fmt.Errorf("%w: %s window is %s", errWindowState, w.kind, state)
	}

	start := s.clock.Now()
	results, err := fn(ctx, w.keys)
	if err == nil && len(results) != len(w.keys) {
		err = fmt.Errorf("%w: got %d, want %d", ErrResultCount, len(results), len(w.keys))
	}
	elapsed := s.clock.Now().Sub(start)

	if s.observer != nil {
		s.observer.ObserveBatch(w.kind, len(w.keys), elapsed, err)
	}

	if err != nil {
		batchErr := &BatchError{Kind: w.kind, Keys: len(w.keys), Err: err}

		s.mu.Lock()
		st := s.kindStatsLocked(w.kind)
		st.Batches++
		st.Keys += len(w.keys)
		st.Failures++
		for _, f := range w.futures {
			s.evictLocked(f)
		}
		w.advance(stateResolved)
		s.mu.Unlock()

		for _, f := range w.futures {
			f.resolve(nil, batchErr)
		}

		s.logger.Warn("batch fetch failed",
			"kind", w.kind,
			"keys", len(w.keys),
			"error", err,
		)
		return batchErr
	}

	s.mu.Lock()
	st := s.kindStatsLocked(w.kind)
	st.Batches++
	st.Keys += len(w.keys)
	for i, f := range w.futures {
		if results[i].Err != nil {
			s.evictLocked(f)
		}
	}
	w.advance(stateResolved)
	s.mu.Unlock()

	for i, f := range w.futures {
		f.resolve(results[i].Value, results[i].Err)
	}

	s.logger.Debug("batch fetched",
		"kind", w.kind,
		"keys", len(w.keys),
		"duration", elapsed,
	)
	return nil
}

// debounceFlush is the timer callback for Config.Wait.
func (s *Scope) debounceFlush() {
	s.mu.Lock()
	s.timer = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	// Window failures are delivered to waiters.
	_ = s.Flush(s.ctx)
}

// evictLocked removes f from the cache if it is still the live entry.
func (s *Scope) evictLocked(f *Future) {
	entries := s.cache[f.kind]
	if entries != nil && entries[f.key] == f {
		delete(entries, f.key)
	}
}

func (s *Scope) kindStatsLocked(kind string) *KindStats {
	st := s.stats[kind]
	if st == nil {
		st = &KindStats{}
		s.stats[kind] = st
	}
	return st
}

// waitDuration is the debounce configured for this scope.
func (s *Scope) waitDuration() time.Duration {
	return s.cfg.Wait
}
