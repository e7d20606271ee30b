package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/eventfeed/internal/protocol"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound frames)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyStarted  = errors.New("manager already started")
	ErrNotStarted      = errors.New("manager not started")
	ErrDisposed        = errors.New("manager disposed")
	ErrMaxAttempts     = errors.New("reconnection attempts exhausted")
	ErrHandshake       = errors.New("handshake failed")
	ErrConnectionLost  = errors.New("connection lost")
	ErrUnsubscribed    = errors.New("unsubscribed")
	ErrCompleted       = errors.New("subscription completed by server")
	ErrInvalidQuery    = errors.New("invalid query")
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusErrored      Status = "errored"
)

// transitions lists the allowed state changes.
var transitions = map[Status][]Status{
	StatusIdle:         {StatusConnecting, StatusDisconnected},
	StatusConnecting:   {StatusConnected, StatusReconnecting, StatusDisconnected},
	StatusConnected:    {StatusReconnecting, StatusDisconnected},
	StatusReconnecting: {StatusConnected, StatusErrored, StatusDisconnected},
	StatusErrored:      {StatusReconnecting, StatusDisconnected},
	StatusDisconnected: nil,
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is passed to status listeners.
type StatusChange struct {
	From    Status
	To      Status
	Attempt int       // Reconnect attempts at the time of the change
	Err     error     // Cause, if the change was triggered by a failure
	At      time.Time // Manager clock
}

// StatusSnapshot is a point-in-time view of a Manager.
type StatusSnapshot struct {
	Status               Status `json:"status"`
	ReconnectAttempts    int    `json:"reconnect_attempts"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	LastHeartbeatAgeMs   int64  `json:"last_heartbeat_age_ms"` // -1 if no frame was ever received
}

// Query describes one subscription request.
type Query struct {
	Topic  string
	Filter protocol.FilterSpec
}

// Update is one delivery for a subscription.
type Update struct {
	SubscriptionID string
	Payload        json.RawMessage
	ReceivedAt     time.Time
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Observer receives connection lifecycle events (metrics).
type Observer interface {
	ObserveStatus(from, to Status)
	ObserveReconnect(attempt int, delay time.Duration)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., ws://localhost:8080/subscriptions)
	DialTimeout  time.Duration // WebSocket handshake timeout
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
	ReadLimit    int64         // Max inbound message size (0 = unlimited)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1024,
		ReadLimit:    1 << 20,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Token                string        // Credential sent in connection_init
	ReconnectBaseWait    time.Duration // Delay before the first retry
	ReconnectMaxWait     time.Duration // Cap on the exponential delay (before jitter)
	JitterFactor         float64       // Max jitter as a fraction of the delay (0 = none)
	MaxReconnectAttempts int           // Retries before giving up (0 = unlimited)
	HandshakeTimeout     time.Duration // Max wait for connection_ack
	HeartbeatInterval    time.Duration // Liveness check period (0 = disabled)
	StaleAfter           time.Duration // Max silence before forcing a reconnect
	UpdateBufferSize     int           // Per-subscription update buffer
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait:    500 * time.Millisecond,
		ReconnectMaxWait:     30 * time.Second,
		JitterFactor:         0.25,
		MaxReconnectAttempts: 10,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		StaleAfter:           45 * time.Second,
		UpdateBufferSize:     256,
	}
}
