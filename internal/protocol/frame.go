package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Encode marshals a frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses one inbound frame. Malformed input and unknown types are
// reported as *Violation.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, Violationf(CodeBadFrame, "%v: %d bytes", ErrFrameTooLarge, len(data))
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, Violationf(CodeBadFrame, "invalid JSON: %v", err)
	}

	switch f.Type {
	case TypeConnectionInit, TypeConnectionAck, TypePing, TypePong, TypeKeepAlive, TypeError:
	case TypeSubscribe, TypeNext, TypeComplete:
		if f.ID == "" {
			return f, Violationf(CodeBadFrame, "%s frame requires an id", f.Type)
		}
	case "":
		return f, Violationf(CodeBadFrame, "missing frame type")
	default:
		return f, Violationf(CodeUnknownType, "unknown frame type %q", f.Type)
	}
	return f, nil
}

// InitFrame builds connection_init.
func InitFrame(p InitPayload) Frame {
	return withPayload(Frame{Type: TypeConnectionInit}, p)
}

// AckFrame builds connection_ack.
func AckFrame() Frame {
	return Frame{Type: TypeConnectionAck}
}

// SubscribeFrame builds subscribe.
func SubscribeFrame(id, topic string, filter FilterSpec) Frame {
	return Frame{Type: TypeSubscribe, ID: id, Topic: topic, Filter: &filter}
}

// NextFrame builds next around an already-encoded payload.
func NextFrame(id string, payload json.RawMessage) Frame {
	return Frame{Type: TypeNext, ID: id, Payload: payload}
}

// DeliveryFrame builds next carrying d. It fails when d.Data is not valid
// JSON.
func DeliveryFrame(id string, d Delivery) (Frame, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return Frame{}, fmt.Errorf("encode delivery: %w", err)
	}
	return NextFrame(id, data), nil
}

// CompleteFrame builds complete.
func CompleteFrame(id string) Frame {
	return Frame{Type: TypeComplete, ID: id}
}

// ErrorFrame builds error. An empty id reports a connection-level error.
func ErrorFrame(id string, details ...ErrorDetail) Frame {
	return Frame{Type: TypeError, ID: id, Errors: details}
}

// PingFrame builds ping.
func PingFrame() Frame { return Frame{Type: TypePing} }

// PongFrame builds pong.
func PongFrame() Frame { return Frame{Type: TypePong} }

// KeepAliveFrame builds ka.
func KeepAliveFrame() Frame { return Frame{Type: TypeKeepAlive} }

// Init decodes a connection_init payload.
func (f Frame) Init() (InitPayload, error) {
	var p InitPayload
	if err := f.decodePayload(TypeConnectionInit, &p); err != nil {
		return p, err
	}
	if p.Token == "" {
		return p, Violationf(CodeUnauthorized, "connection_init without token")
	}
	return p, nil
}

// Subscribe validates a subscribe frame and returns its request.
func (f Frame) Subscribe() (SubscribePayload, error) {
	var p SubscribePayload
	if f.Type != TypeSubscribe {
		return p, Violationf(CodeBadFrame, "expected %s frame, got %q", TypeSubscribe, f.Type).WithID(f.ID)
	}
	if f.Filter == nil {
		return p, Violationf(CodeInvalidFilter, "subscribe without filter").WithID(f.ID)
	}
	p = SubscribePayload{Topic: f.Topic, Filter: *f.Filter}
	if p.Topic == "" {
		return p, Violationf(CodeBadFrame, "subscribe without topic").WithID(f.ID)
	}
	if err := p.Filter.Validate(); err != nil {
		var v *Violation
		if errors.As(err, &v) {
			return p, v.WithID(f.ID)
		}
		return p, err
	}
	return p, nil
}

// ErrorDetails returns the entries of an error frame.
func (f Frame) ErrorDetails() ([]ErrorDetail, error) {
	if f.Type != TypeError {
		return nil, Violationf(CodeBadFrame, "expected %s frame, got %q", TypeError, f.Type).WithID(f.ID)
	}
	if len(f.Errors) == 0 {
		return nil, Violationf(CodeBadFrame, "error frame without errors").WithID(f.ID)
	}
	return f.Errors, nil
}

// Delivery decodes the payload of a next frame.
func (f Frame) Delivery() (Delivery, error) {
	var d Delivery
	err := f.decodePayload(TypeNext, &d)
	return d, err
}

func (f Frame) decodePayload(want string, v any) error {
	if f.Type != want {
		return Violationf(CodeBadFrame, "expected %s frame, got %q", want, f.Type).WithID(f.ID)
	}
	if len(f.Payload) == 0 {
		return Violationf(CodeBadFrame, "%s frame without payload", want).WithID(f.ID)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return Violationf(CodeBadFrame, "invalid %s payload: %v", want, err).WithID(f.ID)
	}
	return nil
}

// withPayload marshals p into f. Payload types in this package always
// marshal.
func withPayload(f Frame, p any) Frame {
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", f.Type, err))
	}
	f.Payload = data
	return f
}
