package connection

import (
	"strconv"
	"sync"
)

// Subscription is a client-side subscription. It survives reconnects: the
// Manager reissues it on every new connection until it is unsubscribed,
// completed by the server, or the Manager is disposed.
type Subscription struct {
	id      string
	seq     uint64
	query   Query
	manager *Manager

	mu      sync.Mutex
	updates chan Update
	errs    chan error
	ended   bool
	err     error
	dropped int64
}

func newSubscription(seq uint64, q Query, m *Manager, buffer int) *Subscription {
	return &Subscription{
		id:      strconv.FormatUint(seq, 10),
		seq:     seq,
		query:   q,
		manager: m,
		updates: make(chan Update, buffer),
		errs:    make(chan error, 4),
	}
}

// ID returns the subscription id used on the wire.
func (s *Subscription) ID() string { return s.id }

// Query returns what was subscribed to.
func (s *Subscription) Query() Query { return s.query }

// Updates delivers payloads in server order. Closed when the subscription ends.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// Errors delivers server-reported errors for this subscription, as
// *protocol.Violation. Closed when the subscription ends.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Err returns why the subscription ended, or nil while active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of updates discarded because the consumer
// fell behind.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Unsubscribe stops the subscription locally and on the server.
func (s *Subscription) Unsubscribe() {
	s.manager.unsubscribe(s)
}

func (s *Subscription) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// deliver queues an update without blocking. Returns false if it was dropped.
func (s *Subscription) deliver(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.updates <- u:
		return true
	default:
		s.dropped++
		return false
	}
}

// fail reports a server error without blocking.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// end closes the channels. Only the first call has an effect.
func (s *Subscription) end(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = reason
	close(s.updates)
	close(s.errs)
}
