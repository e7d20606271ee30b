package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/api"
	"github.com/rickgao/eventfeed/internal/config"
	"github.com/rickgao/eventfeed/internal/connection"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/protocol"
	"github.com/rickgao/eventfeed/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	url := flag.String("url", "", "subscription endpoint (overrides config)")
	token := flag.String("token", "", "bearer token (overrides config and EVENTFEED_TOKEN)")
	eventID := flag.String("event", "", "watch one event")
	all := flag.Bool("all", false, "watch every event")
	attending := flag.Bool("attending", false, "watch events the token's user attends")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	filter, err := filterFromFlags(*eventID, *all, *attending)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadWatch(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if env := os.Getenv("EVENTFEED_TOKEN"); env != "" && cfg.Client.Token == "" {
		cfg.Client.Token = env
	}
	if *token != "" {
		cfg.Client.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("starting eventfeed watch",
		"version", version.Version,
		"url", cfg.Client.URL,
		"filter", filter.String(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if filter.Kind == protocol.FilterID {
		describeEvent(ctx, cfg.Client, uuid.MustParse(filter.ID), logger)
	}

	m := newManager(cfg.Client, logger)
	defer m.Dispose()

	m.OnStatusChange(func(c connection.StatusChange) {
		attrs := []any{"from", c.From, "to", c.To, "attempt", c.Attempt}
		if c.Err != nil {
			attrs = append(attrs, "error", c.Err)
		}
		logger.Info("connection status", attrs...)
		if c.To == connection.StatusErrored {
			logger.Error("giving up after repeated failures; press ctrl-c to exit")
		}
	})

	var subs []*connection.Subscription
	for _, topic := range []string{model.TopicEventUpdated, model.TopicAttendeeChanged} {
		sub, err := m.Subscribe(connection.Query{Topic: topic, Filter: filter})
		if err != nil {
			logger.Error("subscribe failed", "topic", topic, "error", err)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	if err := m.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}

	out := &printer{enc: json.NewEncoder(os.Stdout)}
	for _, sub := range subs {
		go printUpdates(ctx, sub, out, logger)
	}

	<-ctx.Done()
	logger.Info("stopping", "status", m.Status().Status)
}

func filterFromFlags(eventID string, all, attending bool) (protocol.FilterSpec, error) {
	set := 0
	for _, b := range []bool{eventID != "", all, attending} {
		if b {
			set++
		}
	}
	if set != 1 {
		return protocol.FilterSpec{}, fmt.Errorf("exactly one of -event, -all or -attending is required")
	}

	switch {
	case eventID != "":
		if _, err := uuid.Parse(eventID); err != nil {
			return protocol.FilterSpec{}, fmt.Errorf("invalid -event: %w", err)
		}
		return protocol.FilterSpec{Kind: protocol.FilterID, ID: eventID}, nil
	case attending:
		return protocol.FilterSpec{Kind: protocol.FilterAttending}, nil
	default:
		return protocol.FilterSpec{Kind: protocol.FilterAll}, nil
	}
}

func newManager(cfg config.ClientConfig, logger *slog.Logger) *connection.Manager {
	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.URL
	clientCfg.DialTimeout = cfg.HandshakeTimeout

	attempts := cfg.MaxReconnectAttempts
	if attempts < 0 {
		attempts = 0
	}
	mgrCfg := connection.DefaultManagerConfig()
	mgrCfg.Token = cfg.Token
	mgrCfg.ReconnectBaseWait = cfg.ReconnectBaseWait
	mgrCfg.ReconnectMaxWait = cfg.ReconnectMaxWait
	mgrCfg.JitterFactor = cfg.JitterFactor
	mgrCfg.MaxReconnectAttempts = attempts
	mgrCfg.HandshakeTimeout = cfg.HandshakeTimeout
	mgrCfg.HeartbeatInterval = cfg.HeartbeatInterval
	mgrCfg.StaleAfter = cfg.StaleAfter

	return connection.NewManager(mgrCfg, connection.NewWebSocketTransport(clientCfg, logger), logger)
}

// apiBaseURL maps the subscription endpoint onto the HTTP API root.
func apiBaseURL(subscriptions string) (string, error) {
	u, err := url.Parse(subscriptions)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/subscriptions")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// describeEvent logs the watched event's current state. Failures are not fatal.
func describeEvent(ctx context.Context, cfg config.ClientConfig, id uuid.UUID, logger *slog.Logger) {
	base, err := apiBaseURL(cfg.URL)
	if err != nil {
		logger.Warn("cannot derive api url", "error", err)
		return
	}
	client := api.NewClient(base, cfg.Token,
		api.WithLogger(logger),
		api.WithTimeout(10*time.Second),
		api.WithRetries(2, 500*time.Millisecond),
	)
	views, err := client.GetEvents(ctx, id)
	if err != nil {
		logger.Warn("event lookup failed", "event_id", id, "error", err)
		return
	}
	for _, v := range views {
		if v.Event == nil {
			logger.Warn("event not found", "event_id", v.ID, "error", v.Error)
			continue
		}
		attrs := []any{"event_id", v.ID, "title", v.Event.Title, "status", v.Event.Status}
		if v.Organizer != nil {
			attrs = append(attrs, "organizer", v.Organizer.DisplayName)
		}
		if v.Attendance != nil {
			attrs = append(attrs, "attendance", v.Attendance.Status)
		}
		logger.Info("watching event", attrs...)
	}
}

// line is one printed delivery.
type line struct {
	Subscription string          `json:"subscription"`
	Topic        string          `json:"topic"`
	Key          string          `json:"key"`
	Seq          uint64          `json:"seq"`
	Timestamp    int64           `json:"ts"`
	Data         json.RawMessage `json:"data"`
}

// printer serializes lines from several subscriptions.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) print(l line) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(l)
}

func printUpdates(ctx context.Context, sub *connection.Subscription, out *printer, logger *slog.Logger) {
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("subscription error", "sub_id", sub.ID(), "error", err)
		case u, ok := <-sub.Updates():
			if !ok {
				logger.Info("subscription ended", "sub_id", sub.ID(), "reason", sub.Err())
				return
			}
			var d protocol.Delivery
			if err := json.Unmarshal(u.Payload, &d); err != nil {
				logger.Warn("undecodable update", "sub_id", sub.ID(), "error", err)
				continue
			}
			if err := out.print(line{
				Subscription: u.SubscriptionID,
				Topic:        d.Topic,
				Key:          d.Key,
				Seq:          d.Seq,
				Timestamp:    d.Timestamp,
				Data:         d.Data,
			}); err != nil {
				logger.Error("write failed", "error", err)
				return
			}
		}
	}
}
