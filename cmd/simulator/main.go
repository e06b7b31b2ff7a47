// Command simulator runs the stand-in partner against an event database:
// every sent inbound event is answered with a synthetic assessment result
// once the response delay has passed.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/engine"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/simulator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

func main() {
	dbPath := flag.String("db", "data/events.sqlite", "Path to the event database")
	delay := flag.Int("delay", 30, "Response delay in seconds")
	interval := flag.Int("interval", 5, "Check interval in seconds")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	st, err := store.Open(*dbPath, store.WithLogger(logger))
	if err != nil {
		slog.Error("failed to open event store", "path", *dbPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := simulator.New(st, time.Duration(*delay)*time.Second, simulator.WithLogger(logger))
	loop := engine.NewLoop(engine.SimulatorWorker, time.Duration(*interval)*time.Second, sim.Tick, logger)
	loop.Start(ctx)
	slog.Info("simulator running; press Ctrl+C to stop", "db", *dbPath, "delay", sim.Delay())

	<-ctx.Done()
	loop.Stop()
	slog.Info("goodbye")
}
