package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
)

// TickFunc is one unit of periodic work.
type TickFunc func(ctx context.Context) error

// Loop runs a TickFunc immediately on start and then once per interval until
// stopped. A failing tick is retried with exponential backoff, never waiting
// longer than the interval.
type Loop struct {
	name     string
	tick     TickFunc
	log      *slog.Logger
	interval atomic.Int64
	reset    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     conc.WaitGroup
}

// NewLoop creates a stopped loop.
func NewLoop(name string, interval time.Duration, tick TickFunc, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		name:  name,
		tick:  tick,
		log:   log.With("worker", name),
		reset: make(chan struct{}, 1),
	}
	l.interval.Store(int64(normalizeInterval(interval)))
	return l
}

// Name returns the worker label used in logs and metrics.
func (l *Loop) Name() string {
	return l.name
}

// Interval returns the current polling interval.
func (l *Loop) Interval() time.Duration {
	return time.Duration(l.interval.Load())
}

// SetInterval changes the polling interval. A running loop ticks immediately
// and continues on the new schedule.
func (l *Loop) SetInterval(d time.Duration) {
	d = normalizeInterval(d)
	if time.Duration(l.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case l.reset <- struct{}{}:
	default:
	}
}

// Start launches the loop; it returns false if it was already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil && !isClosed(l.done) {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.wg.Go(func() { l.run(ctx, done) })
	l.log.Info("worker started", "interval", l.Interval())
	return true
}

// Stop cancels the loop and waits for an in-progress tick to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
	l.cancel = nil
	l.log.Info("worker stopped")
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil && !isClosed(l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	bo := backoff.NewExponentialBackOff()
	for ctx.Err() == nil {
		wait := l.Interval()
		if err := l.runTick(ctx); err != nil {
			bo.MaxInterval = wait
			if d := bo.NextBackOff(); d != backoff.Stop && d < wait {
				wait = d
			}
			l.log.Warn("poll failed", "err", err, "retry_in", wait)
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.reset:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runTick times one tick and turns a panic into an error so the loop survives.
func (l *Loop) runTick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s tick panic: %v", l.name, r)
		}
		metrics.PollDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil {
			metrics.PollErrors.WithLabelValues(l.name).Inc()
		}
	}()
	return l.tick(ctx)
}

func normalizeInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
