package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator/logentry"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator/script"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/api"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/config"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/delivery"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/engine"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides api.addr)")
	cfgPath := flag.String("config", "configs/bridge.yaml", "Path to bridge YAML config (empty for defaults)")
	dbPath := flag.String("db", "", "Path to the event database (overrides store.path)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	// ── Event store ──────────────────────────────────────────────────────────
	st, err := store.Open(cfg.Store.Path, store.WithMaxErrors(cfg.Store.MaxErrors), store.WithLogger(logger))
	if err != nil {
		slog.Error("failed to open event store", "path", cfg.Store.Path, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── Actuator registry ────────────────────────────────────────────────────
	reg := actuator.NewRegistry()
	if err := reg.Register(logentry.Name, logentry.New(logger)); err != nil {
		slog.Error("failed to register log actuator", "err", err)
		os.Exit(1)
	}
	if cfg.Delivery.ScriptPath != "" {
		sa, err := script.Load(cfg.Delivery.ScriptPath, logger)
		if err != nil {
			slog.Error("failed to load script actuator", "err", err)
			os.Exit(1)
		}
		if err := reg.Register(script.Name, sa); err != nil {
			slog.Error("failed to register script actuator", "err", err)
			os.Exit(1)
		}
	}
	act, err := reg.Get(cfg.Delivery.Actuator)
	if err != nil {
		slog.Error("failed to select actuator", "err", err)
		os.Exit(1)
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng := engine.New(ctx, st, act, cfg, engine.WithLogger(logger))
	eng.OnDelivered(func(d delivery.Delivered) {
		slog.Info("delivery outcome", "event_id", d.EventID, "patient", d.Patient, "success", d.Success)
	})
	if err := eng.Start(); err != nil {
		slog.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		// Flag overrides outlive reloads.
		if *dbPath != "" {
			newCfg.Store.Path = *dbPath
		}
		if *addr != "" {
			newCfg.API.Addr = *addr
		}
		eng.Apply(newCfg)
		slog.Info("config applied", "version", newCfg.Version)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      api.New(eng, loader, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			cancel()
		}
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	lifecycle.Wait()
	eng.Shutdown() // waits for in-flight ticks, then drains notifications
	slog.Info("goodbye")
}
