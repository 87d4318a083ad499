package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tasklane/tasklane/internal/access"
	"github.com/tasklane/tasklane/internal/platform/changefeed"
	"github.com/tasklane/tasklane/internal/platform/env"
	"github.com/tasklane/tasklane/internal/platform/httpserver"
	"github.com/tasklane/tasklane/internal/platform/otel"
	"github.com/tasklane/tasklane/internal/platform/postgres"
	"github.com/tasklane/tasklane/internal/repo"
	repopg "github.com/tasklane/tasklane/internal/repo/postgres"
	"github.com/tasklane/tasklane/internal/service/board"
)

const serviceName = "tasklaned"

type config struct {
	HTTP       httpserver.Config
	DB         postgres.Config
	PolicyFile string     `env:"TASKLANE_POLICY_FILE"`
	Migrate    bool       `env:"TASKLANE_MIGRATE" envDefault:"false"`
	LogLevel   slog.Level `env:"TASKLANE_LOG_LEVEL" envDefault:"INFO"`
}

func (c *config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("TASKLANE_HTTP_ADDR is required")
	}
	return c.DB.Validate()
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("invalid env", "error", err)
		os.Exit(2)
	}
	cfg.HTTP.Service = serviceName
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, serviceName)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(2)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	policies, err := loadPolicies(cfg.PolicyFile)
	if err != nil {
		logger.Error("invalid policy file", "path", cfg.PolicyFile, "error", err)
		os.Exit(2)
	}

	db, err := postgres.Open(ctx, cfg.DB)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if cfg.Migrate {
		if err := repopg.Migrate(ctx, db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("schema applied")
	}

	// The mutation API layer that calls the engine is not part of this
	// daemon; it serves probes and the change feed. The engine is still built
	// here so a bad policy table fails before serving.
	_, hub, err := newEngine(repopg.NewStore(db, cfg.DB), policies, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}
	logger.Info("mutation engine ready", "actions", len(policies.Actions()))

	mux := httpserver.NewProbeMux(serviceName, httpserver.ReadinessCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	})
	mux.Handle("GET /changes", hub)

	if err := httpserver.Run(ctx, logger, cfg.HTTP, httpserver.Wrap(logger, mux)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// loadPolicies returns the default action table with the operator file,
// if any, applied on top.
func loadPolicies(path string) (access.PolicyTable, error) {
	table := access.DefaultPolicies()
	path = strings.TrimSpace(path)
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := access.ParsePolicyOverrides(raw)
	if err != nil {
		return nil, err
	}
	return table.Apply(doc)
}

func newEngine(store repo.Store, policies access.PolicyTable, logger *slog.Logger) (*board.Service, *changefeed.Hub, error) {
	if store == nil {
		return nil, nil, fmt.Errorf("store is required")
	}
	gateway, err := access.NewGateway(policies, store)
	if err != nil {
		return nil, nil, err
	}
	feedLogger := logger.With("component", "changefeed")
	hub, err := changefeed.NewHub(store, feedLogger)
	if err != nil {
		return nil, nil, err
	}
	notifier := changefeed.Fanout{changefeed.LogNotifier{Logger: feedLogger}, hub}
	svc, err := board.New(gateway, store, notifier,
		board.WithLogger(logger.With("component", "board")),
		board.WithTracer(otel.Tracer("github.com/tasklane/tasklane/internal/service/board")),
	)
	if err != nil {
		return nil, nil, err
	}
	return svc, hub, nil
}
