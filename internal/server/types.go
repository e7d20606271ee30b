package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/auth"
	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/pubsub"
	"github.com/rickgao/eventfeed/internal/service"
	"github.com/rickgao/eventfeed/internal/store"
)

// Errors
var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrClosed           = errors.New("session closed")
)

// Config holds configuration for the Server.
type Config struct {
	HandshakeTimeout time.Duration // connection_init deadline (default: 10s)
	KeepAlive        time.Duration // "ka" interval (default: 15s, 0 disables)
	WriteTimeout     time.Duration // Per-frame write deadline (default: 5s)
	RateLimit        float64       // Inbound frames per second (default: 20)
	RateBurst        int           // Inbound burst (default: 40)
	MaxSubscriptions int           // Per connection (default: 100)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        15 * time.Second,
		WriteTimeout:     5 * time.Second,
		RateLimit:        20,
		RateBurst:        40,
		MaxSubscriptions: 100,
	}
}

// Verifier authenticates bearer tokens.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Service is the mutation and resolution layer behind the HTTP API.
type Service interface {
	ResolveEvents(ctx context.Context, viewer uuid.UUID, ids []string) ([]service.EventView, error)
	UpdateEvent(ctx context.Context, actor, id uuid.UUID, patch store.EventPatch) (model.Event, error)
	SetAttendance(ctx context.Context, actor, eventID uuid.UUID, status string) (model.Attendance, error)
}

// Router is the publication router subscriptions attach to.
type Router interface {
	Subscribe(topic string, f pubsub.Filter) (*pubsub.Subscription, error)
	Unsubscribe(sub *pubsub.Subscription)
}

// ScopeFactory creates per-request loader scopes.
type ScopeFactory interface {
	NewScope(ctx context.Context) *loader.Scope
}

// Observer receives endpoint events (metrics).
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameReceived(frameType string)
	Violation(code string)
}

// HealthCheck reports the status of one dependency. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// Topics clients may subscribe to.
var knownTopics = map[string]bool{
	model.TopicEventUpdated:    true,
	model.TopicAttendeeChanged: true,
}
