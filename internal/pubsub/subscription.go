package pubsub

import "context"

// Subscription is a subscriber handle with its own delivery queue.
type Subscription struct {
	id     string
	topic  string
	filter Filter
	queue  *Queue[Publication]
	router *Router

	registered bool // guarded by the topic mutex
}

// ID returns the router-assigned subscription ID.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic family.
func (s *Subscription) Topic() string { return s.topic }

// Filter returns the subscription filter.
func (s *Subscription) Filter() Filter { return s.filter }

// Next blocks until the next publication arrives. After the subscription
// ends, buffered publications are still returned, then the reason
// (ErrUnsubscribed, ErrSlowSubscriber or ErrRouterClosed).
func (s *Subscription) Next(ctx context.Context) (Publication, error) {
	return s.queue.Receive(ctx)
}

// TryNext returns a buffered publication without blocking.
func (s *Subscription) TryNext() (Publication, bool) {
	return s.queue.TryReceive()
}

// Ready is signalled when a publication is queued or the subscription ends.
func (s *Subscription) Ready() <-chan struct{} {
	return s.queue.Ready()
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.queue.Done()
}

// Err returns why the subscription ended, or nil while active.
func (s *Subscription) Err() error {
	return s.queue.Err()
}

// Pending returns the number of queued publications.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

// Unsubscribe removes the subscription from its router.
func (s *Subscription) Unsubscribe() {
	s.router.Unsubscribe(s)
}
