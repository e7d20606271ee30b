package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/eventfeed/internal/auth"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/protocol"
	"github.com/rickgao/eventfeed/internal/pubsub"
	"github.com/rickgao/eventfeed/internal/store"
)

// Close codes sent when the handshake fails.
const (
	closeBadHandshake = 4400
	closeUnauthorized = 4401
	closeTimeout      = 4408
)

// session is one subscription connection.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	identity auth.Identity

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*pubsub.Subscription
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	limit := rate.Inf
	if srv.cfg.RateLimit > 0 {
		limit = rate.Limit(srv.cfg.RateLimit)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	return &session{
		srv:     srv,
		conn:    conn,
		logger:  srv.logger.With("remote", conn.RemoteAddr().String()),
		limiter: rate.NewLimiter(limit, srv.cfg.RateBurst),
		done:    make(chan struct{}),
		subs:    make(map[string]*pubsub.Subscription),
	}
}

// run serves the connection until it fails or the session is shut down.
func (s *session) run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)
	defer s.teardown()

	if err := s.handshake(); err != nil {
		s.logger.Info("handshake failed", "error", err)
		return
	}

	s.wg.Add(1)
	go s.keepAliveLoop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		s.handle(data)
	}
}

// handshake waits for connection_init and verifies its token.
func (s *session) handshake() error {
	deadline := s.srv.clock.Now().Add(s.srv.cfg.HandshakeTimeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.reject(closeTimeout, protocol.Violationf(protocol.CodeNotAcknowledged, "no connection_init within %v", s.srv.cfg.HandshakeTimeout))
			return ErrHandshakeTimeout
		}
		return err
	}

	f, err := protocol.Decode(data)
	if err != nil {
		s.reject(closeBadHandshake, violationOf(err))
		return err
	}
	s.srv.observer.FrameReceived(f.Type)
	if f.Type != protocol.TypeConnectionInit {
		v := protocol.Violationf(protocol.CodeNotAcknowledged, "first frame must be %s, got %s", protocol.TypeConnectionInit, f.Type)
		s.reject(closeBadHandshake, v)
		return v
	}

	hello, err := f.Init()
	if err != nil {
		s.reject(closeUnauthorized, violationOf(err))
		return err
	}
	id, err := s.srv.deps.Verifier.Verify(hello.Token)
	if err != nil {
		s.reject(closeUnauthorized, protocol.Violationf(protocol.CodeUnauthorized, "invalid token"))
		return err
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	s.identity = id
	s.logger = s.logger.With("user_id", id.UserID.String(), "conn_id", hello.ConnectionID)
	s.logger.Info("connection acknowledged")

	return s.write(protocol.AckFrame())
}

// handle processes one inbound frame after the handshake.
func (s *session) handle(data []byte) {
	if !s.limiter.Allow() {
		s.violation(protocol.Violationf(protocol.CodeRateLimited, "too many frames"))
		return
	}

	f, err := protocol.Decode(data)
	if err != nil {
		s.violation(violationOf(err))
		return
	}
	s.srv.observer.FrameReceived(f.Type)

	switch f.Type {
	case protocol.TypeSubscribe:
		s.subscribe(f)
	case protocol.TypeComplete:
		s.unsubscribe(f.ID)
	case protocol.TypePing:
		_ = s.write(protocol.PongFrame())
	case protocol.TypePong:
	case protocol.TypeConnectionInit:
		s.violation(protocol.Violationf(protocol.CodeBadFrame, "connection already acknowledged"))
	default:
		s.violation(protocol.Violationf(protocol.CodeBadFrame, "unexpected %s frame from client", f.Type).WithID(f.ID))
	}
}

func (s *session) subscribe(f protocol.Frame) {
	p, err := f.Subscribe()
	if err != nil {
		s.violation(violationOf(err))
		return
	}
	if !knownTopics[p.Topic] {
		s.violation(protocol.Violationf(protocol.CodeUnknownTopic, "unknown topic %q", p.Topic).WithID(f.ID))
		return
	}
	filter := s.filterFor(p.Filter)

	s.mu.Lock()
	if _, ok := s.subs[f.ID]; ok {
		s.mu.Unlock()
		s.violation(protocol.Violationf(protocol.CodeDuplicateID, "subscription %s already exists", f.ID).WithID(f.ID))
		return
	}
	if len(s.subs) >= s.srv.cfg.MaxSubscriptions {
		s.mu.Unlock()
		s.violation(protocol.Violationf(protocol.CodeTooMany, "at most %d subscriptions", s.srv.cfg.MaxSubscriptions).WithID(f.ID))
		return
	}
	sub, err := s.srv.deps.Router.Subscribe(p.Topic, filter)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("router subscribe failed", "topic", p.Topic, "error", err)
		s.violation(protocol.Violationf(protocol.CodeInternal, "subscribe failed").WithID(f.ID))
		return
	}
	s.subs[f.ID] = sub
	s.mu.Unlock()

	s.logger.Debug("subscribed", "sub_id", f.ID, "topic", p.Topic, "filter", p.Filter.String())

	s.wg.Add(1)
	go s.forward(f.ID, sub)
}

func (s *session) unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		s.srv.deps.Router.Unsubscribe(sub)
		s.logger.Debug("unsubscribed", "sub_id", id)
	}
}

// filterFor maps a wire filter onto a router filter. The attending filter
// resolves the viewer's attendance through the router's lookup scope.
func (s *session) filterFor(spec protocol.FilterSpec) pubsub.Filter {
	switch spec.Kind {
	case protocol.FilterID:
		return pubsub.Scoped(spec.ID)
	case protocol.FilterAttending:
		viewer := s.identity.UserID
		return pubsub.Lookup(store.KindAttendance,
			func(p pubsub.Publication) string {
				eventID, err := uuid.Parse(p.Key)
				if err != nil {
					return p.Key
				}
				return model.AttendanceKey(viewer, eventID)
			},
			func(v any) bool {
				a, ok := v.(model.Attendance)
				return ok && store.IsAttending(a)
			},
		)
	default:
		return pubsub.Broadcast()
	}
}

// forward copies publications of sub to the connection as next frames.
func (s *session) forward(id string, sub *pubsub.Subscription) {
	defer s.wg.Done()

	for {
		pub, err := sub.Next(s.ctx)
		if err != nil {
			s.ended(id, sub, err)
			return
		}

		data, err := json.Marshal(pub.Payload)
		if err != nil {
			s.logger.Error("encode publication failed", "sub_id", id, "error", err)
			continue
		}
		frame, err := protocol.DeliveryFrame(id, protocol.Delivery{
			Topic:     pub.Topic,
			Key:       pub.Key,
			Seq:       pub.Seq,
			Timestamp: pub.Timestamp.UnixMilli(),
			Data:      data,
		})
		if err != nil {
			s.logger.Error("encode delivery failed", "sub_id", id, "error", err)
			continue
		}
		if err := s.write(frame); err != nil {
			return
		}
	}
}

// ended reports a subscription the router closed.
func (s *session) ended(id string, sub *pubsub.Subscription, err error) {
	s.mu.Lock()
	if s.subs[id] == sub {
		delete(s.subs, id)
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, pubsub.ErrSlowSubscriber):
		s.logger.Warn("subscription dropped", "sub_id", id, "reason", err)
		s.violation(protocol.Violationf(protocol.CodeSlowConsumer, "subscriber could not keep up").WithID(id))
	case errors.Is(err, pubsub.ErrRouterClosed):
		_ = s.write(protocol.CompleteFrame(id))
	}
}

func (s *session) keepAliveLoop() {
	defer s.wg.Done()

	interval := s.srv.cfg.KeepAlive
	if interval <= 0 {
		return
	}
	t := s.srv.clock.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.Chan():
			if err := s.write(protocol.KeepAliveFrame()); err != nil {
				s.logger.Debug("keep-alive failed", "error", err)
				s.conn.Close()
				return
			}
			t.Reset(interval)
		}
	}
}

func (s *session) violation(v *protocol.Violation) {
	s.srv.observer.Violation(v.Code)
	s.logger.Debug("protocol violation", "code", v.Code, "sub_id", v.ID, "message", v.Message)
	_ = s.write(v.Frame())
}

// reject reports a failed handshake and closes the connection.
func (s *session) reject(code int, v *protocol.Violation) {
	s.violation(v)
	s.closeWith(code, v.Message)
}

func (s *session) write(f protocol.Frame) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(s.srv.clock.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) closeWith(code int, text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, s.srv.clock.Now().Add(s.srv.cfg.WriteTimeout))
}

// shutdown sends a close frame and drops the connection, ending run.
func (s *session) shutdown(code int, text string) {
	s.closeWith(code, text)
	s.conn.Close()
}

// teardown releases every subscription and waits for the forwarders.
func (s *session) teardown() {
	s.once.Do(func() {
		s.cancel()

		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]*pubsub.Subscription)
		s.mu.Unlock()

		for _, sub := range subs {
			s.srv.deps.Router.Unsubscribe(sub)
		}
		s.conn.Close()
		s.wg.Wait()

		s.logger.Debug("session closed", "subscriptions", len(subs))
	})
}

// violationOf extracts the protocol violation from err.
func violationOf(err error) *protocol.Violation {
	var v *protocol.Violation
	if errors.As(err, &v) {
		return v
	}
	return protocol.Violationf(protocol.CodeBadFrame, "%v", err)
}
