// Package main is the entry point for the pgbus daemon.
//
// pgbusd registers the configured PostgreSQL database, installs change
// triggers for the watched tables, and streams their LISTEN/NOTIFY change
// events to the log. It keeps the registration alive across connection
// settings changes and serves a small ops endpoint (/healthz, /status) on
// the configured port.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"pgbus/internal/config"
	"pgbus/internal/notify"
	"pgbus/internal/registry"
	"pgbus/internal/session"
	"pgbus/internal/types"
	"pgbus/internal/updater"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	var tables tableFlags
	flag.Var(&tables, "table", "table to watch for changes, `name[:col1,col2]`; repeatable")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("pgbusd starting",
		"backend_id", cfg.BackendID,
		"database", cfg.ConnInfo().Redacted(),
		"tables", tables.names(),
		"port", cfg.Port,
	)

	reg := registry.New(registry.Options{
		PoolSize:    cfg.Pool.Size,
		MaxOverflow: cfg.Pool.MaxOverflow,
		ConnRecycle: cfg.Pool.ConnRecycle,
	}.WithPrePing(cfg.Pool.PrePing), logger)
	defer reg.DisposeAll()

	sessions := session.NewManager(reg, session.Config{
		Tolerant:           cfg.TolerantSessions,
		DefaultTenantTag:   cfg.BackendID,
		AddBackendToTables: cfg.AddBackendToTables,
	}, logger)

	dispatcher := notify.NewDispatcher(cfg.Listener.PollInterval, logger)
	defer dispatcher.StopAll()

	upd := updater.New(reg, sessions, dispatcher, updater.Config{
		Initial:        cfg.ConnInfo(),
		Tables:         tables.columns,
		OnNotification: logNotification(logger),
	}, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		if err := upd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("updater: %w", err)
		}
		return nil
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           opsRouter(cfg, reg, dispatcher, upd),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("ops endpoint listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("pgbusd stopped cleanly")
	return nil
}

// opsRouter builds the operational HTTP surface.
func opsRouter(cfg *config.Config, reg *registry.Registry, dispatcher *notify.Dispatcher, upd *updater.Updater) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		current := upd.Current()
		status := statusResponse{
			BackendID: cfg.BackendID,
			Database:  current.Redacted(),
			Listeners: map[string]string{},
		}
		for _, name := range reg.Names() {
			status.Registered = append(status.Registered, name)
			if l, ok := dispatcher.Listener(name); ok {
				status.Listeners[name] = l.State().String()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	return r
}

type statusResponse struct {
	BackendID  string            `json:"backend_id"`
	Database   string            `json:"database"`
	Registered []string          `json:"registered"`
	Listeners  map[string]string `json:"listeners"`
}

// logNotification is the default change consumer: it logs each decoded
// notification with its identifying fields.
func logNotification(logger *slog.Logger) notify.Callback {
	return func(n types.Notification) {
		logger.Info("change notification",
			"id", n.ID,
			"table", n.Table,
			"action", n.Action,
			"columns", len(n.Payload),
		)
	}
}

// tableFlags collects repeated -table flags. Each value is a table name,
// optionally followed by a colon and a comma-separated column subset to
// carry in the notification payload.
type tableFlags struct {
	columns map[string][]string
	order   []string
}

func (f *tableFlags) String() string {
	return strings.Join(f.order, ",")
}

func (f *tableFlags) Set(value string) error {
	if f.columns == nil {
		f.columns = make(map[string][]string)
	}
	name, cols, _ := strings.Cut(value, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty table name in %q", value)
	}
	var subset []string
	for _, c := range strings.Split(cols, ",") {
		if c = strings.TrimSpace(c); c != "" {
			subset = append(subset, c)
		}
	}
	f.columns[name] = subset
	f.order = append(f.order, name)
	return nil
}

func (f *tableFlags) names() []string {
	return append([]string(nil), f.order...)
}

// newLogger creates a structured JSON logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
