package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeConnectionInit = "connection_init"
	TypeConnectionAck  = "connection_ack"
	TypeSubscribe      = "subscribe"
	TypeNext           = "next"
	TypeComplete       = "complete"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeKeepAlive      = "ka"
)

// Filter kinds on the wire.
const (
	FilterID        = "id"
	FilterAll       = "all"
	FilterAttending = "attending"
)

// Violation codes.
const (
	CodeBadFrame        = "bad_frame"
	CodeUnknownType     = "unknown_type"
	CodeInvalidFilter   = "invalid_filter"
	CodeUnknownTopic    = "unknown_topic"
	CodeDuplicateID     = "duplicate_id"
	CodeNotAcknowledged = "not_acknowledged"
	CodeUnauthorized    = "unauthorized"
	CodeRateLimited     = "rate_limited"
	CodeTooMany         = "too_many_subscriptions"
	CodeSlowConsumer    = "slow_consumer"
	CodeInternal        = "internal"
)

// ErrFrameTooLarge is returned when an encoded frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 * 1024

// Frame is one protocol message. Payload is used by connection_init and next;
// subscribe carries Topic and Filter, error carries Errors.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Filter  *FilterSpec     `json:"filter,omitempty"`
	Errors  []ErrorDetail   `json:"errors,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is carried by connection_init.
type InitPayload struct {
	Token        string `json:"token"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"` // ms since epoch
}

// FilterSpec is the wire form of a subscription filter.
type FilterSpec struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Validate checks the filter names a known kind with the fields it needs.
func (f FilterSpec) Validate() error {
	switch f.Kind {
	case FilterID:
		if f.ID == "" {
			return Violationf(CodeInvalidFilter, "filter kind %q requires an id", f.Kind)
		}
	case FilterAll, FilterAttending:
		if f.ID != "" {
			return Violationf(CodeInvalidFilter, "filter kind %q takes no id", f.Kind)
		}
	default:
		return Violationf(CodeInvalidFilter, "unknown filter kind %q", f.Kind)
	}
	return nil
}

func (f FilterSpec) String() string {
	if f.Kind == FilterID {
		return f.Kind + ":" + f.ID
	}
	return f.Kind
}

// SubscribePayload is the request carried by a subscribe frame.
type SubscribePayload struct {
	Topic  string     `json:"topic"`
	Filter FilterSpec `json:"filter"`
}

// Delivery is the payload of a next frame.
type Delivery struct {
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Data      json.RawMessage `json:"data"`
}

// ErrorDetail is one entry of an error frame.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Violation is a malformed or disallowed client request. It is reported to
// the peer as an error frame; the connection stays open.
type Violation struct {
	ID      string // Subscription the violation refers to, if any
	Code    string
	Message string
}

// Violationf builds a Violation with a formatted message.
func Violationf(code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (v *Violation) Error() string {
	if v.ID != "" {
		return fmt.Sprintf("protocol violation (%s) on %s: %s", v.Code, v.ID, v.Message)
	}
	return fmt.Sprintf("protocol violation (%s): %s", v.Code, v.Message)
}

// WithID returns a copy of v bound to subscription id.
func (v *Violation) WithID(id string) *Violation {
	c := *v
	c.ID = id
	return &c
}

// Frame renders the violation as an error frame.
func (v *Violation) Frame() Frame {
	return ErrorFrame(v.ID, ErrorDetail{Code: v.Code, Message: v.Message})
}
