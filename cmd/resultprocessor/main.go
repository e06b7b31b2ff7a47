// Command resultprocessor commits partner results from an event database
// and prints a summary of each one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/engine"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/processor"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

func main() {
	dbPath := flag.String("db", "data/events.sqlite", "Path to the event database")
	interval := flag.Int("interval", 10, "Poll interval in seconds")
	maxErrors := flag.Int("max-errors", store.DefaultMaxErrors, "Failures before a result is abandoned")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	st, err := store.Open(*dbPath, store.WithLogger(logger), store.WithMaxErrors(*maxErrors))
	if err != nil {
		slog.Error("failed to open event store", "path", *dbPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proc := processor.New(st, processor.WithLogger(logger), processor.WithNotifier(printSummary))
	if n, err := proc.Recover(ctx); err != nil {
		slog.Error("failed to recover interrupted results", "err", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("requeued interrupted results", "count", n)
	}

	loop := engine.NewLoop(engine.ProcessorWorker, time.Duration(*interval)*time.Second, proc.Tick, logger)
	loop.Start(ctx)
	slog.Info("result processor running; press Ctrl+C to stop", "db", *dbPath)

	<-ctx.Done()
	loop.Stop()
	slog.Info("goodbye")
}

func printSummary(s assessment.Summary) {
	fmt.Printf("\n=== RESULT PROCESSED ===\nPatient: %s\n", s.PatientName)
	for _, a := range s.Assessments {
		fmt.Printf("  %s: %s (%s)\n", a.Name, a.Total.String(), a.Severity)
	}
	fmt.Println()
}
