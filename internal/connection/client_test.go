package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/eventfeed/internal/protocol"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// readUntilClosed keeps a server connection open until the client goes away.
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClientConfig(server *httptest.Server) ClientConfig {
	return ClientConfig{
		URL:          wsURL(server),
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

func TestWebSocketTransport_Dial(t *testing.T) {
	upgrader := websocket.Upgrader{}
	headers := make(chan http.Header, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readUntilClosed(conn)
	}))
	defer server.Close()

	tr := NewWebSocketTransport(testClientConfig(server), nil)
	c, err := tr.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	h := <-headers
	if auth := h.Get("Authorization"); auth != "" {
		t.Errorf("Authorization header = %q, credentials must not travel in the upgrade request", auth)
	}
	if strings.Contains(wsURL(server), "token") {
		t.Error("URL must not carry a token")
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if err := c.Send([]byte("late")); err != ErrNotConnected {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestWebSocketTransport_DialFails(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	tr := NewWebSocketTransport(ClientConfig{URL: url}, nil)
	if _, err := tr.Dial(context.Background()); err == nil {
		t.Error("expected Dial to fail against a closed server")
	}
}

func TestClient_Send(t *testing.T) {
	var received []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	c, err := NewWebSocketTransport(testClientConfig(server), nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	testMsg := []byte(`{"type":"ping"}`)
	if err := c.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	// Wait for message to be received
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"type":"next","id":"1","payload":{"n":1}}`,
		`{"type":"next","id":"1","payload":{"n":2}}`,
		`{"type":"ka"}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		readUntilClosed(conn)
	})
	defer server.Close()

	c, err := NewWebSocketTransport(testClientConfig(server), nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	var received []string
	timeout := time.After(time.Second)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-c.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_ServerCloseReportsError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Return immediately; the deferred Close drops the connection.
	})
	defer server.Close()

	c, err := NewWebSocketTransport(testClientConfig(server), nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	select {
	case err := <-c.Errors():
		if err == nil {
			t.Error("expected a non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection error")
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	c, err := NewWebSocketTransport(testClientConfig(server), nil).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	// First close should succeed
	if err := c.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	// Second close should be no-op
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func readFrame(conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(data)
}

func writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func TestManager_OverWebSocket(t *testing.T) {
	var conns atomic.Int32
	subscribed := make(chan string, 4)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)

		hello, err := readFrame(conn)
		if err != nil {
			return
		}
		p, err := hello.Init()
		if err != nil || p.Token != "tok" {
			_ = writeFrame(conn, protocol.ErrorFrame("", protocol.ErrorDetail{Code: protocol.CodeUnauthorized, Message: "bad token"}))
			return
		}
		if err := writeFrame(conn, protocol.AckFrame()); err != nil {
			return
		}

		sub, err := readFrame(conn)
		if err != nil || sub.Type != protocol.TypeSubscribe {
			return
		}
		subscribed <- sub.ID

		payload := json.RawMessage(fmt.Sprintf(`{"conn":%d}`, n))
		if err := writeFrame(conn, protocol.NextFrame(sub.ID, payload)); err != nil {
			return
		}

		if n == 1 {
			// Drop the first connection right after the update.
			return
		}
		readUntilClosed(conn)
	})
	defer server.Close()

	tr := NewWebSocketTransport(testClientConfig(server), nil)
	m := NewManager(ManagerConfig{
		Token:             "tok",
		ReconnectBaseWait: 10 * time.Millisecond,
		ReconnectMaxWait:  50 * time.Millisecond,
	}, tr, nil)
	defer m.Dispose()

	sub, err := m.Subscribe(Query{
		Topic:  "event.updated",
		Filter: protocol.FilterSpec{Kind: protocol.FilterID, ID: "E1"},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		select {
		case u := <-sub.Updates():
			if string(u.Payload) != fmt.Sprintf(`{"conn":%d}`, want) {
				t.Errorf("update %d payload = %s", want, u.Payload)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for update %d (status %s)", want, m.Status().Status)
		}
	}

	for i := 0; i < 2; i++ {
		if id := <-subscribed; id != sub.ID() {
			t.Errorf("subscribe id = %q, want %q", id, sub.ID())
		}
	}

	if got := m.Status().Status; got != StatusConnected {
		t.Errorf("Status = %s, want connected", got)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", clientCfg.WriteTimeout)
	}
	if clientCfg.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want 1024", clientCfg.BufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.ReconnectBaseWait != 500*time.Millisecond {
		t.Errorf("ReconnectBaseWait = %v, want 500ms", mgrCfg.ReconnectBaseWait)
	}
	if mgrCfg.StaleAfter <= mgrCfg.HeartbeatInterval {
		t.Errorf("StaleAfter = %v must exceed HeartbeatInterval = %v", mgrCfg.StaleAfter, mgrCfg.HeartbeatInterval)
	}
	if mgrCfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", mgrCfg.MaxReconnectAttempts)
	}
}
