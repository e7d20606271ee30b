package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/eventfeed/internal/auth"
	"github.com/rickgao/eventfeed/internal/config"
	"github.com/rickgao/eventfeed/internal/database"
	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/metrics"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/pubsub"
	"github.com/rickgao/eventfeed/internal/server"
	"github.com/rickgao/eventfeed/internal/service"
	"github.com/rickgao/eventfeed/internal/store"
	"github.com/rickgao/eventfeed/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/eventfeed.local.yaml", "path to config file")
	memory := flag.Bool("memory", false, "serve from an in-memory store seeded with demo data")
	issueFor := flag.String("issue-token", "", "print a token for this user id and exit")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *memory {
		cfg.Database.Driver = "memory"
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	creds, err := auth.LoadCredentials(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPath)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	authCfg := auth.Config{Issuer: cfg.Auth.Issuer, TTL: cfg.Auth.TTL, Skew: cfg.Auth.Skew}
	issuer, err := auth.NewIssuer(creds, authCfg, clock.WallClock)
	if err != nil {
		logger.Error("failed to create issuer", "error", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		if err := printToken(issuer, *issueFor); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	verifier, err := auth.NewVerifier(&creds.PrivateKey.PublicKey, authCfg, clock.WallClock)
	if err != nil {
		logger.Error("failed to create verifier", "error", err)
		os.Exit(1)
	}

	logger.Info("starting eventfeed server",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"driver", cfg.Database.Driver,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	st, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loaders := loader.NewFactory(loader.Config{
		Wait:             cfg.Loader.Wait,
		MaxBatch:         cfg.Loader.MaxBatch,
		FlushConcurrency: cfg.Loader.FlushConcurrency,
	}, st.Fetchers(), logger, loader.WithObserver(collector))

	router := pubsub.NewRouter(pubsub.Config{
		QueueSize: cfg.Router.QueueSize,
		Overflow:  pubsub.OverflowPolicy(cfg.Router.Overflow),
	}, logger, pubsub.WithLoaders(loaders), pubsub.WithObserver(collector))

	svc := service.New(st, router, loaders, logger)

	srv := server.New(server.Config{
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		KeepAlive:        cfg.Server.KeepAlive,
		WriteTimeout:     cfg.Server.WriteTimeout,
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
		MaxSubscriptions: cfg.Server.MaxSubscriptions,
	}, server.Deps{
		Router:   router,
		Verifier: verifier,
		Service:  svc,
		Loaders:  loaders,
		Metrics:  metrics.Handler(registry),
		Health:   health,
	}, logger, server.WithObserver(collector))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, metrics.Handler(registry))
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", cfg.Server.Addr)
		return listen(httpServer)
	})
	g.Go(func() error {
		logger.Info("serving metrics", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		return listen(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Hijacked websocket connections are not covered by Shutdown.
		srv.Close()
		err := errors.Join(
			httpServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
		router.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("eventfeed server stopped")
}

// listen serves until Shutdown is called.
func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openStore returns the store selected by database.driver along with its
// health checks and a release function.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.Store, map[string]server.HealthCheck, func(), error) {
	if cfg.Database.Driver == "memory" {
		mem := store.NewMemory()
		if err := seedDemo(ctx, mem, logger); err != nil {
			return nil, nil, nil, err
		}
		return mem, map[string]server.HealthCheck{}, func() {}, nil
	}

	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	logger.Info("database connected")

	health := map[string]server.HealthCheck{
		"postgres": pool.Ping,
	}
	return store.NewPostgres(pool, logger), health, pool.Close, nil
}

// Demo identities for -memory mode.
var (
	demoOrganizer = uuid.MustParse("6f1c2a52-0d3e-4c8e-9f57-1b0e8d1f0a01")
	demoGuest     = uuid.MustParse("6f1c2a52-0d3e-4c8e-9f57-1b0e8d1f0a02")
	demoEvents    = []uuid.UUID{
		uuid.MustParse("8a3d4b61-7c2e-4f19-a0b3-2c4d5e6f7a01"),
		uuid.MustParse("8a3d4b61-7c2e-4f19-a0b3-2c4d5e6f7a02"),
	}
)

func seedDemo(ctx context.Context, mem *store.Memory, logger *slog.Logger) error {
	users := []model.User{
		{ID: demoOrganizer, DisplayName: "Organizer", Email: "organizer@example.com"},
		{ID: demoGuest, DisplayName: "Guest", Email: "guest@example.com"},
	}
	for _, u := range users {
		if err := mem.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
	}

	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour).UnixMicro()
	for i, id := range demoEvents {
		e := model.Event{
			ID:          id,
			OrganizerID: demoOrganizer,
			Title:       fmt.Sprintf("Demo event %d", i+1),
			Status:      store.EventScheduled,
			StartsAt:    start + int64(i)*time.Hour.Microseconds(),
		}
		if err := mem.CreateEvent(ctx, e); err != nil {
			return fmt.Errorf("seed event: %w", err)
		}
	}
	if _, err := mem.SetAttendance(ctx, model.Attendance{
		EventID: demoEvents[0],
		UserID:  demoGuest,
		Status:  store.AttendGoing,
	}); err != nil {
		return fmt.Errorf("seed attendance: %w", err)
	}

	logger.Info("seeded demo data",
		"organizer", demoOrganizer,
		"guest", demoGuest,
		"events", len(demoEvents),
	)
	return nil
}

func printToken(issuer *auth.Issuer, user string) error {
	id, err := uuid.Parse(user)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	tok, err := issuer.Issue(id)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
