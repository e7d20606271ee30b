package pubsub

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/rickgao/eventfeed/internal/loader"
)

// ScopeFactory creates loader scopes for lookup filters.
type ScopeFactory interface {
	NewScope(ctx context.Context) *loader.Scope
}

// Router fans publications out to subscriber queues.
type Router struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	loaders  ScopeFactory
	observer Observer

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	// Stats
	published         atomic.Int64
	delivered         atomic.Int64
	filteredOut       atomic.Int64
	lookupErrors      atomic.Int64
	droppedSubscriber atomic.Int64
	droppedMessages   atomic.Int64
}

// topic is the registry for one topic family. pubMu serializes publishes so
// every subscriber observes publish order; mu guards the registry and is
// never held across lookup I/O.
type topic struct {
	name  string
	pubMu sync.Mutex

	mu     sync.Mutex
	subs   []*Subscription
	seq    uint64
	closed bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLoaders sets the loader factory used by lookup filters.
func WithLoaders(f ScopeFactory) RouterOption {
	return func(r *Router) {
		r.loaders = f
	}
}

// WithClock sets the clock used for publication timestamps.
func WithClock(c clock.Clock) RouterOption {
	return func(r *Router) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter creates a new Router.
func NewRouter(cfg Config, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDisconnect
	}

	r := &Router{
		cfg:    cfg,
		logger: logger,
		clock:  clock.WallClock,
		topics: make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a subscriber on topic. The subscriber receives every
// later publication its filter matches.
func (r *Router) Subscribe(topicName string, f Filter) (*Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.kind == FilterLookup && r.loaders == nil {
		return nil, ErrNoLoader
	}

	t, err := r.topic(topicName)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		topic:  topicName,
		filter: f,
		queue:  NewQueue[Publication](r.cfg.QueueSize),
		router: r,
	}

	count, err := t.add(sub)
	if err != nil {
		return nil, err
	}

	if r.observer != nil {
		r.observer.ObserveSubscribers(topicName, count)
	}

	r.logger.Debug("subscribed",
		"topic", topicName,
		"filter", f.String(),
		"sub_id", sub.id,
	)

	return sub, nil
}

// Unsubscribe removes sub from its topic. When Unsubscribe returns, no
// publication can reach sub any more. Safe to call more than once.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.RLock()
	t := r.topics[sub.topic]
	r.mu.RUnlock()

	if t != nil {
		t.mu.Lock()
		removed := t.removeLocked(sub)
		count := len(t.subs)
		t.mu.Unlock()

		if removed && r.observer != nil {
			r.observer.ObserveSubscribers(sub.topic, count)
		}
	}

	sub.queue.CloseWithError(ErrUnsubscribed)
}

// Publish delivers payload to every matching subscriber of topic and returns
// how many matched. It never waits on subscriber queues; only lookup filters
// may perform (batched) I/O, bounded by ctx. Publishes to one topic run one
// at a time, so a slow lookup delays later publishes on that topic but not
// Subscribe or Unsubscribe. Subscribers registered while a lookup is in
// flight start with the next publication; subscribers removed meanwhile are
// skipped.
func (r *Router) Publish(ctx context.Context, topicName, key string, payload any) (int, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0, ErrRouterClosed
	}
	t := r.topics[topicName]
	r.mu.RUnlock()

	r.published.Add(1)
	start := r.clock.Now()

	if t == nil {
		if r.observer != nil {
			r.observer.ObservePublish(topicName, 0, 0)
		}
		return 0, nil
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrRouterClosed
	}
	t.seq++
	pub := Publication{
		Topic:     topicName,
		Key:       key,
		Payload:   payload,
		Timestamp: start,
		Seq:       t.seq,
	}
	subs := slices.Clone(t.subs)
	t.mu.Unlock()

	matched := r.match(ctx, subs, pub)

	delivered := 0
	t.mu.Lock()
	for _, sub := range matched {
		if !sub.registered {
			continue
		}
		r.deliverLocked(t, sub, pub)
		delivered++
	}
	t.mu.Unlock()

	if r.observer != nil {
		r.observer.ObservePublish(topicName, delivered, r.clock.Now().Sub(start))
	}

	return delivered, nil
}

// Close closes every subscription and rejects further publishes.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	topics := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.closed = true
		subs := t.subs
		t.subs = nil
		for _, sub := range subs {
			sub.registered = false
		}
		t.mu.Unlock()

		for _, sub := range subs {
			sub.queue.CloseWithError(ErrRouterClosed)
		}
	}

	r.logger.Info("update router closed", "topics", len(topics))
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	topics := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.RUnlock()

	active := 0
	for _, t := range topics {
		t.mu.Lock()
		active += len(t.subs)
		t.mu.Unlock()
	}

	return Stats{
		Published:         r.published.Load(),
		Delivered:         r.delivered.Load(),
		FilteredOut:       r.filteredOut.Load(),
		LookupErrors:      r.lookupErrors.Load(),
		DroppedSubscriber: r.droppedSubscriber.Load(),
		DroppedMessages:   r.droppedMessages.Load(),
		ActiveSubscribers: active,
		Topics:            len(topics),
	}
}

// Subscribers returns the number of subscribers on topic.
func (r *Router) Subscribers(topicName string) int {
	r.mu.RLock()
	t := r.topics[topicName]
	r.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// topic returns the registry for name, creating it if needed.
func (r *Router) topic(name string) (*topic, error) {
	r.mu.RLock()
	t, ok := r.topics[name]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}
	if ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	if t, ok := r.topics[name]; ok {
		return t, nil
	}
	t = &topic{name: name}
	r.topics[name] = t
	return t, nil
}

// match evaluates filters. Lookup filters of one publication share a single
// loader scope and are fetched with one flush.
func (r *Router) match(ctx context.Context, subs []*Subscription, pub Publication) []*Subscription {
	matched := make([]*Subscription, 0, len(subs))

	var lookups []*Subscription
	for _, sub := range subs {
		ok, direct := sub.filter.matchDirect(pub)
		if !direct {
			lookups = append(lookups, sub)
			continue
		}
		if ok {
			matched = append(matched, sub)
		} else {
			r.filteredOut.Add(1)
		}
	}

	if len(lookups) == 0 {
		return matched
	}

	scope := r.loaders.NewScope(ctx)
	defer scope.Close()

	futures := make([]*loader.Future, len(lookups))
	for i, sub := range lookups {
		futures[i] = scope.Load(sub.filter.loadKind, sub.filter.loadKey(pub))
	}
	// Failures surface per future below.
	_ = scope.Flush(ctx)

	for i, sub := range lookups {
		value, err := futures[i].Await(ctx)
		if err != nil {
			r.lookupErrors.Add(1)
			r.logger.Warn("lookup filter failed",
				"topic", pub.Topic,
				"key", pub.Key,
				"sub_id", sub.id,
				"error", err,
			)
			continue
		}
		if sub.filter.match(value) {
			matched = append(matched, sub)
		} else {
			r.filteredOut.Add(1)
		}
	}

	return matched
}

// deliverLocked enqueues pub for sub and applies the overflow policy.
// Must be called with t.mu held.
func (r *Router) deliverLocked(t *topic, sub *Subscription, pub Publication) {
	if sub.queue.Send(pub) {
		r.delivered.Add(1)
		return
	}

	if sub.queue.Err() != nil {
		// Closed concurrently (connection gone); drop it from the registry.
		t.removeLocked(sub)
		return
	}

	if r.observer != nil {
		r.observer.ObserveOverflow(t.name, r.cfg.Overflow)
	}

	switch r.cfg.Overflow {
	case OverflowDropOldest:
		if _, ok := sub.queue.SendEvict(pub); ok {
			r.delivered.Add(1)
			r.droppedMessages.Add(1)
		}
	default:
		t.removeLocked(sub)
		sub.queue.CloseWithError(ErrSlowSubscriber)
		r.droppedSubscriber.Add(1)
		r.logger.Warn("subscriber dropped",
			"topic", t.name,
			"sub_id", sub.id,
			"queue_size", sub.queue.Cap(),
		)
	}
}

// add registers sub and returns the new subscriber count. It fails once the
// router has closed the topic.
func (t *topic) add(sub *Subscription) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrRouterClosed
	}
	sub.registered = true
	t.subs = append(t.subs, sub)
	return len(t.subs), nil
}

// removeLocked deletes sub from the registry. Must be called with t.mu held.
func (t *topic) removeLocked(sub *Subscription) bool {
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			sub.registered = false
			return true
		}
	}
	return false
}
