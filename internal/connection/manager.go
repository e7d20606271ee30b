package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/rickgao/eventfeed/internal/protocol"
)

// TokenSource returns the credential for the next handshake.
type TokenSource func(ctx context.Context) (string, error)

// Manager keeps one logical subscription connection alive. It reconnects
// with exponential backoff, detects silent connections, and reissues every
// active subscription after each reconnect.
type Manager struct {
	cfg       ManagerConfig
	transport Transport
	logger    *slog.Logger
	clock     clock.Clock
	observer  Observer
	tokens    TokenSource
	connID    string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopWatch func() bool

	mu            sync.Mutex
	status        Status
	attempts      int
	gen           uint64 // bumped on every new attempt; stale callbacks compare against it
	backoff       *Backoff
	sess          *session
	cancelAttempt context.CancelFunc
	retryTimer    clock.Timer
	hbTimer       clock.Timer
	lastHeartbeat time.Time
	hasHeartbeat  bool
	lastErr       error

	subs      map[string]*Subscription
	nextSubID uint64

	listeners   []listener
	listenerSeq int
	notes       []StatusChange
	notifying   bool
}

type listener struct {
	id int
	fn func(StatusChange)
}

// session is one established transport connection.
type session struct {
	gen    uint64
	client Client
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		_ = s.client.Close()
	})
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timers and heartbeat age.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithObserver registers a metrics observer. Calls must not block.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithTokenSource fetches a fresh credential for every handshake instead of
// using ManagerConfig.Token.
func WithTokenSource(ts TokenSource) Option {
	return func(m *Manager) {
		if ts != nil {
			m.tokens = ts
		}
	}
}

// WithConnectionID overrides the generated connection ID.
func WithConnectionID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.connID = id
		}
	}
}

// NewManager creates a Manager in the idle state.
func NewManager(cfg ManagerConfig, transport Transport, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultManagerConfig()
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = defaults.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = defaults.ReconnectMaxWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.HeartbeatInterval > 0 && cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.HeartbeatInterval
	}
	if cfg.UpdateBufferSize <= 0 {
		cfg.UpdateBufferSize = defaults.UpdateBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clock.WallClock,
		connID:    uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusIdle,
		backoff:   NewBackoff(cfg.ReconnectBaseWait, cfg.ReconnectMaxWait, cfg.JitterFactor),
		subs:      make(map[string]*Subscription),
	}
	m.tokens = func(context.Context) (string, error) { return cfg.Token, nil }
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With("conn_id", m.connID)

	return m
}

// ConnectionID returns the ID sent in every connection_init.
func (m *Manager) ConnectionID() string {
	return m.connID
}

// Connect starts connecting in the background. Failures enter the retry
// path; watch OnStatusChange or Status for progress. Cancelling ctx disposes
// the Manager.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	switch m.status {
	case StatusIdle:
	case StatusDisconnected:
		m.mu.Unlock()
		return ErrDisposed
	default:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}

	m.transitionLocked(StatusConnecting, nil)
	m.startAttemptLocked()
	m.stopWatch = context.AfterFunc(ctx, m.Dispose)
	m.mu.Unlock()

	m.notify()

	m.logger.Info("connection manager started")
	return nil
}

// Subscribe registers q. It is sent immediately when connected and reissued
// after every reconnect.
func (m *Manager) Subscribe(q Query) (*Subscription, error) {
	if q.Topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidQuery)
	}
	if err := q.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	m.nextSubID++
	sub := newSubscription(m.nextSubID, q, m, m.cfg.UpdateBufferSize)
	m.subs[sub.id] = sub

	var c Client
	if m.status == StatusConnected {
		c = m.sess.client
	}
	m.mu.Unlock()

	m.logger.Debug("subscribed",
		"sub_id", sub.id,
		"topic", q.Topic,
		"filter", q.Filter.String(),
	)

	if c != nil {
		if err := m.send(c, protocol.SubscribeFrame(sub.id, q.Topic, q.Filter)); err != nil {
			// Reissued on the next connection.
			m.logger.Debug("subscribe send failed", "sub_id", sub.id, "error", err)
		}
	}

	return sub, nil
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	age := int64(-1)
	if m.hasHeartbeat {
		age = m.clock.Now().Sub(m.lastHeartbeat).Milliseconds()
	}
	return StatusSnapshot{
		Status:               m.status,
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
		LastHeartbeatAgeMs:   age,
	}
}

// Err returns the failure that put the Manager in the errored state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscriptions returns the number of active subscriptions.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// OnStatusChange registers fn for every status transition. Listeners run
// synchronously in transition order and must not call Dispose. The returned
// func removes the listener.
func (m *Manager) OnStatusChange(fn func(StatusChange)) (remove func()) {
	m.mu.Lock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// ForceReconnect drops the current connection (if any), resets the attempt
// counter and connects again immediately. It also revives an errored Manager.
func (m *Manager) ForceReconnect() error {
	m.mu.Lock()
	switch m.status {
	case StatusIdle:
		m.mu.Unlock()
		return ErrNotStarted
	case StatusDisconnected:
		m.mu.Unlock()
		return ErrDisposed
	}

	m.logger.Info("forced reconnect", "status", m.status)

	m.stopTimersLocked()
	m.cancelAttemptLocked()
	old := m.dropSessionLocked()
	m.attempts = 0
	m.backoff.Reset()
	m.lastErr = nil
	if m.status != StatusReconnecting {
		m.transitionLocked(StatusReconnecting, nil)
	}
	m.startAttemptLocked()
	m.mu.Unlock()

	old.close()
	m.notify()
	return nil
}

// Dispose stops the Manager for good: timers are cancelled, the connection
// is closed and every subscription ends with ErrDisposed.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}

	m.stopTimersLocked()
	m.cancelAttemptLocked()
	old := m.dropSessionLocked()
	m.gen++
	m.transitionLocked(StatusDisconnected, nil)

	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	stop := m.stopWatch
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.cancel()
	old.close()

	for _, sub := range subs {
		sub.end(ErrDisposed)
	}

	m.notify()
	m.wg.Wait()

	m.logger.Info("connection manager disposed")
}

// unsubscribe removes sub and tells the server.
func (m *Manager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	_, ok := m.subs[sub.id]
	delete(m.subs, sub.id)
	var c Client
	if ok && m.status == StatusConnected {
		c = m.sess.client
	}
	m.mu.Unlock()

	if c != nil {
		if err := m.send(c, protocol.CompleteFrame(sub.id)); err != nil {
			m.logger.Debug("complete send failed", "sub_id", sub.id, "error", err)
		}
	}
	sub.end(ErrUnsubscribed)
}

// startAttemptLocked dials in the background under a new generation.
func (m *Manager) startAttemptLocked() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelAttempt = cancel

	m.wg.Add(1)
	go m.run(ctx, gen)
}

// run performs one connection attempt and, on success, reads until the
// connection ends.
func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	sess, err := m.dial(ctx, gen)
	if err != nil {
		m.attemptFailed(gen, err)
		return
	}
	if !m.established(sess) {
		sess.close()
		return
	}
	m.readLoop(sess)
}

func (m *Manager) dial(ctx context.Context, gen uint64) (*session, error) {
	token, err := m.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	c, err := m.transport.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	sess := &session{gen: gen, client: c, done: make(chan struct{})}
	if err := m.handshake(ctx, sess, token); err != nil {
		sess.close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return sess, nil
}

// handshake sends connection_init and waits for connection_ack.
func (m *Manager) handshake(ctx context.Context, sess *session, token string) error {
	hello := protocol.InitFrame(protocol.InitPayload{
		Token:        token,
		ConnectionID: m.connID,
		Timestamp:    m.clock.Now().UnixMilli(),
	})
	if err := m.send(sess.client, hello); err != nil {
		return err
	}

	timer := m.clock.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return ErrTimeout
		case err := <-sess.client.Errors():
			return err
		case msg := <-sess.client.Messages():
			f, err := protocol.Decode(msg.Data)
			if err != nil {
				return err
			}
			switch f.Type {
			case protocol.TypeConnectionAck:
				return nil
			case protocol.TypeKeepAlive, protocol.TypePing, protocol.TypePong:
			case protocol.TypeError:
				details, _ := f.ErrorDetails()
				return violationFrom(f.ID, details)
			default:
				return protocol.Violationf(protocol.CodeNotAcknowledged, "unexpected %s before connection_ack", f.Type)
			}
		}
	}
}

// established installs sess as the live connection. Returns false if the
// attempt was superseded.
func (m *Manager) established(sess *session) bool {
	m.mu.Lock()
	if sess.gen != m.gen || m.status == StatusDisconnected {
		m.mu.Unlock()
		return false
	}

	m.cancelAttemptLocked()
	m.sess = sess
	m.attempts = 0
	m.backoff.Reset()
	m.lastErr = nil
	m.lastHeartbeat = m.clock.Now()
	m.hasHeartbeat = true
	m.transitionLocked(StatusConnected, nil)
	m.scheduleHeartbeatLocked(sess.gen)
	subs := m.orderedSubsLocked()
	m.mu.Unlock()

	m.notify()

	m.logger.Info("connected")

	for _, sub := range subs {
		if sub.isEnded() {
			continue
		}
		if err := m.send(sess.client, protocol.SubscribeFrame(sub.id, sub.query.Topic, sub.query.Filter)); err != nil {
			// The read loop reports the broken connection.
			m.logger.Warn("resubscribe failed", "sub_id", sub.id, "error", err)
			break
		}
	}
	if len(subs) > 0 {
		m.logger.Info("resubscribed", "count", len(subs))
	}
	return true
}

// readLoop dispatches inbound frames until the session ends.
func (m *Manager) readLoop(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case <-m.ctx.Done():
			return
		case err := <-sess.client.Errors():
			m.drain(sess)
			m.connectionLost(sess.gen, err)
			return
		case msg := <-sess.client.Messages():
			m.handleMessage(sess, msg)
		}
	}
}

// drain handles frames that arrived before the connection failed.
func (m *Manager) drain(sess *session) {
	for {
		select {
		case msg := <-sess.client.Messages():
			m.handleMessage(sess, msg)
		default:
			return
		}
	}
}

func (m *Manager) handleMessage(sess *session, msg TimestampedMessage) {
	m.mu.Lock()
	if sess.gen == m.gen {
		m.lastHeartbeat = m.clock.Now()
	}
	m.mu.Unlock()

	f, err := protocol.Decode(msg.Data)
	if err != nil {
		m.logger.Warn("invalid frame from server", "error", err)
		return
	}

	switch f.Type {
	case protocol.TypeNext:
		sub := m.lookup(f.ID)
		if sub == nil {
			m.logger.Debug("update for unknown subscription", "sub_id", f.ID)
			return
		}
		if !sub.deliver(Update{SubscriptionID: f.ID, Payload: f.Payload, ReceivedAt: msg.ReceivedAt}) {
			m.logger.Warn("update buffer full, dropping", "sub_id", f.ID)
		}

	case protocol.TypeError:
		details, _ := f.ErrorDetails()
		v := violationFrom(f.ID, details)
		if f.ID == "" {
			m.logger.Warn("server reported error", "code", v.Code, "message", v.Message)
			return
		}
		if sub := m.lookup(f.ID); sub != nil {
			sub.fail(v)
			m.removeSub(sub, v)
		}

	case protocol.TypeComplete:
		if sub := m.lookup(f.ID); sub != nil {
			m.removeSub(sub, ErrCompleted)
		}

	case protocol.TypePing:
		if err := m.send(sess.client, protocol.PongFrame()); err != nil {
			m.logger.Debug("pong failed", "error", err)
		}

	case protocol.TypePong, protocol.TypeKeepAlive, protocol.TypeConnectionAck:

	default:
		m.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (m *Manager) lookup(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

// removeSub ends a subscription the server has dropped. It is not reissued.
func (m *Manager) removeSub(sub *Subscription, reason error) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	m.mu.Unlock()

	sub.end(reason)

	m.logger.Info("subscription ended by server", "sub_id", sub.id, "reason", reason)
}

// connectionLost handles a transport failure of a live connection.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("connection error", "error", err)

	old := m.dropSessionLocked()
	m.transitionLocked(StatusReconnecting, fmt.Errorf("%w: %w", ErrConnectionLost, err))
	m.scheduleRetryLocked(err)
	m.mu.Unlock()

	old.close()
	m.notify()
}

// attemptFailed handles a failed dial or handshake.
func (m *Manager) attemptFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || (m.status != StatusConnecting && m.status != StatusReconnecting) {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("connection attempt failed",
		"attempt", m.attempts,
		"error", err,
	)

	if m.status == StatusConnecting {
		m.transitionLocked(StatusReconnecting, err)
	}
	m.scheduleRetryLocked(err)
	m.mu.Unlock()

	m.notify()
}

// scheduleRetryLocked arms the retry timer or gives up.
func (m *Manager) scheduleRetryLocked(cause error) {
	m.cancelAttemptLocked()

	if m.cfg.MaxReconnectAttempts > 0 && m.attempts >= m.cfg.MaxReconnectAttempts {
		m.gen++
		m.lastErr = fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, m.attempts, cause)
		m.transitionLocked(StatusErrored, m.lastErr)
		m.logger.Error("giving up reconnection",
			"attempts", m.attempts,
			"error", cause,
		)
		return
	}

	delay := m.backoff.Next()
	m.attempts++
	m.gen++
	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })

	m.logger.Info("attempting reconnection",
		"attempt", m.attempts,
		"delay", delay,
	)
	if m.observer != nil {
		m.observer.ObserveReconnect(m.attempts, delay)
	}
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusReconnecting {
		return
	}
	m.retryTimer = nil
	m.startAttemptLocked()
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.hbTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.checkHeartbeat(gen) })
}

// checkHeartbeat forces a reconnect when nothing arrived within StaleAfter,
// otherwise pings the server and re-arms.
func (m *Manager) checkHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}

	age := m.clock.Now().Sub(m.lastHeartbeat)
	if age > m.cfg.StaleAfter {
		m.logger.Warn("no frames received, connection stale",
			"age", age,
			"stale_after", m.cfg.StaleAfter,
		)
		old := m.dropSessionLocked()
		m.transitionLocked(StatusReconnecting, ErrStaleConnection)
		m.scheduleRetryLocked(ErrStaleConnection)
		m.mu.Unlock()

		old.close()
		m.notify()
		return
	}

	m.scheduleHeartbeatLocked(gen)
	c := m.sess.client
	m.mu.Unlock()

	if err := m.send(c, protocol.PingFrame()); err != nil {
		m.logger.Debug("failed to send ping", "error", err)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.hbTimer != nil {
		m.hbTimer.Stop()
		m.hbTimer = nil
	}
}

func (m *Manager) cancelAttemptLocked() {
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
}

// dropSessionLocked detaches the live session. The caller closes it after
// releasing the lock.
func (m *Manager) dropSessionLocked() *session {
	if m.hbTimer != nil {
		m.hbTimer.Stop()
		m.hbTimer = nil
	}
	old := m.sess
	m.sess = nil
	return old
}

func (m *Manager) orderedSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// transitionLocked changes status and queues listener notifications.
func (m *Manager) transitionLocked(to Status, cause error) bool {
	from := m.status
	if !CanTransition(from, to) {
		m.logger.Error("invalid status transition", "from", from, "to", to)
		return false
	}
	m.status = to
	m.notes = append(m.notes, StatusChange{
		From:    from,
		To:      to,
		Attempt: m.attempts,
		Err:     cause,
		At:      m.clock.Now(),
	})
	if m.observer != nil {
		m.observer.ObserveStatus(from, to)
	}
	m.logger.Debug("status changed", "from", from, "to", to)
	return true
}

// notify delivers queued status changes in order. A call made while another
// goroutine (or an outer listener) is delivering leaves the work to it.
func (m *Manager) notify() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.notes) > 0 {
		change := m.notes[0]
		m.notes = m.notes[1:]
		listeners := make([]listener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()

		for _, l := range listeners {
			l.fn(change)
		}

		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}

func (m *Manager) send(c Client, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// violationFrom converts an error frame into a *protocol.Violation.
func violationFrom(id string, details []protocol.ErrorDetail) *protocol.Violation {
	v := &protocol.Violation{ID: id, Code: protocol.CodeInternal, Message: "server error"}
	if len(details) > 0 {
		v.Code = details[0].Code
		v.Message = details[0].Message
	}
	return v
}
