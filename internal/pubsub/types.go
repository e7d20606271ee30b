package pubsub

import (
	"errors"
	"time"
)

// Errors
var (
	ErrRouterClosed   = errors.New("router closed")
	ErrUnsubscribed   = errors.New("unsubscribed")
	ErrSlowSubscriber = errors.New("subscriber queue overflow")
	ErrQueueClosed    = errors.New("queue closed")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrNoLoader       = errors.New("lookup filter requires a loader factory")
)

// Publication is one change notification. It is never persisted.
type Publication struct {
	Topic     string    // Topic family, e.g. "event.updated"
	Key       string    // Instance identity, e.g. the event ID
	Payload   any       // Opaque to the router
	Timestamp time.Time // When Publish was called
	Seq       uint64    // Per-topic publish sequence (starts at 1)
}

// OverflowPolicy selects what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	OverflowDisconnect OverflowPolicy = "disconnect"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Config holds configuration for the Router.
type Config struct {
	QueueSize int            // Per-subscriber queue capacity (default: 256)
	Overflow  OverflowPolicy // Default: disconnect
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
		Overflow:  OverflowDisconnect,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Published         int64
	Delivered         int64
	FilteredOut       int64
	LookupErrors      int64
	DroppedSubscriber int64
	DroppedMessages   int64
	ActiveSubscribers int
	Topics            int
}

// Observer receives router events (metrics).
type Observer interface {
	ObservePublish(topic string, matched int, elapsed time.Duration)
	ObserveOverflow(topic string, policy OverflowPolicy)
	ObserveSubscribers(topic string, count int)
}
