// Package delivery hands committed results to an actuator for on-screen
// entry, one event at a time. Failed deliveries are never retried here; an
// operator re-drives them through the store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

// DefaultMinGap is the minimum spacing between two on-screen entries.
const DefaultMinGap = 2 * time.Second

// ErrBusy is returned by TryProcessPending while another drain is running.
var ErrBusy = errors.New("delivery already in progress")

// Store is the subset of the event store the worker uses.
type Store interface {
	Query(ctx context.Context, f store.Filter) ([]event.Event, error)
	Advance(ctx context.Context, id int64, u store.Update) (bool, error)
	Fail(ctx context.Context, id int64, message string) (bool, error)
}

// Delivered reports the outcome of one delivery.
type Delivered struct {
	EventID int64  `json:"event_id"`
	Patient string `json:"patient"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Worker delivers committed results through an actuator.
type Worker struct {
	store    Store
	act      actuator.Actuator
	log      *slog.Logger
	limiter  *rate.Limiter
	onResult func(Delivered)

	mu         sync.Mutex
	processing atomic.Bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithMinGap sets the minimum spacing between entries; zero disables it.
func WithMinGap(d time.Duration) Option {
	return func(w *Worker) { w.SetMinGap(d) }
}

// WithOnDelivered sets the function called after every delivery attempt.
func WithOnDelivered(fn func(Delivered)) Option {
	return func(w *Worker) { w.onResult = fn }
}

// New creates a Worker entering results through act.
func New(st Store, act actuator.Actuator, opts ...Option) *Worker {
	w := &Worker{
		store:   st,
		act:     act,
		log:     slog.Default(),
		limiter: rate.NewLimiter(rate.Every(DefaultMinGap), 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "delivery")
	return w
}

// SetMinGap changes the spacing between entries; it is safe to call while
// deliveries are running.
func (w *Worker) SetMinGap(d time.Duration) {
	if d <= 0 {
		w.limiter.SetLimit(rate.Inf)
		return
	}
	w.limiter.SetLimit(rate.Every(d))
}

// Processing reports whether an on-screen entry is in flight. UI surfaces
// check it before starting on-screen actions of their own.
func (w *Worker) Processing() bool {
	return w.processing.Load()
}

// Tick runs one poll; it is the loop entry point.
func (w *Worker) Tick(ctx context.Context) error {
	_, err := w.ProcessPending(ctx)
	return err
}

// ProcessPending delivers every committed result in FIFO order and returns
// how many were entered successfully. Calls are serialised.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drain(ctx)
}

// TryProcessPending is ProcessPending that returns ErrBusy instead of
// waiting for a running drain.
func (w *Worker) TryProcessPending(ctx context.Context) (int, error) {
	if !w.mu.TryLock() {
		return 0, ErrBusy
	}
	defer w.mu.Unlock()
	return w.drain(ctx)
}

func (w *Worker) drain(ctx context.Context) (int, error) {
	healthy := false
	pending, err := w.store.Query(ctx, store.Filter{
		Direction: event.Outbound,
		Stage:     event.StageCommitted,
		Failed:    &healthy,
	})
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range pending {
		// The gap is waited before claiming so a stop never leaves an
		// event in delivering.
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		if w.deliver(context.WithoutCancel(ctx), ev) {
			delivered++
		}
	}
	return delivered, nil
}

// deliver claims ev, runs the actuator and records the outcome.
func (w *Worker) deliver(ctx context.Context, ev event.Event) bool {
	claimed, err := w.store.Advance(ctx, ev.ID, store.Update{From: event.StageCommitted, To: event.StageDelivering})
	if err != nil {
		w.log.Error("claim delivery", "event_id", ev.ID, "err", err)
		return false
	}
	if !claimed {
		w.log.Debug("delivery already claimed", "event_id", ev.ID)
		return false
	}

	w.processing.Store(true)
	metrics.DeliveryInFlight.Set(1)
	defer func() {
		w.processing.Store(false)
		metrics.DeliveryInFlight.Set(0)
	}()

	summary, err := assessment.FromPayload(ev.Converted)
	if err != nil {
		w.finish(ctx, ev.ID, "", false, err)
		return false
	}
	patient, list := actuator.FromSummary(summary)
	w.log.Info("delivering results", "event_id", ev.ID, "patient", patient, "assessments", len(list))

	start := time.Now()
	ok, err := w.enter(ctx, patient, list)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err == nil && !ok {
		err = errors.New("actuator reported failure")
	}
	return w.finish(ctx, ev.ID, patient, err == nil, err)
}

// enter calls the actuator, turning a panic into an error.
func (w *Worker) enter(ctx context.Context, patient string, list []actuator.Assessment) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Deliveries.WithLabelValues("panic").Inc()
			ok, err = false, fmt.Errorf("actuator panic: %v", r)
		}
	}()
	return w.act.EnterResults(ctx, patient, list)
}

func (w *Worker) finish(ctx context.Context, id int64, patient string, success bool, cause error) bool {
	if success {
		done, err := w.store.Advance(ctx, id, store.Update{From: event.StageDelivering, To: event.StageDone})
		if err == nil && !done {
			err = errors.New("event left delivering before completion")
		}
		if err != nil {
			// The entry happened on screen; only the bookkeeping failed. The
			// marker keeps the event from being re-driven into a second entry.
			w.log.Error("mark delivery done", "event_id", id, "err", err)
			metrics.Deliveries.WithLabelValues("unrecorded").Inc()
			cause, success = fmt.Errorf("%s: %w", store.EnteredUnrecorded, err), false
		}
	}
	if !success {
		if _, err := w.store.Fail(ctx, id, cause.Error()); err != nil {
			w.log.Error("record delivery failure", "event_id", id, "cause", cause, "err", err)
		}
		metrics.Deliveries.WithLabelValues("failed").Inc()
		w.log.Warn("delivery failed", "event_id", id, "patient", patient, "err", cause)
	} else {
		metrics.Deliveries.WithLabelValues("done").Inc()
		w.log.Info("delivery done", "event_id", id, "patient", patient)
	}

	if w.onResult != nil {
		d := Delivered{EventID: id, Patient: patient, Success: success}
		if cause != nil {
			d.Error = cause.Error()
		}
		w.onResult(d)
	}
	return success
}

// Recover fails deliveries left in flight by an interrupted run. A partly
// performed on-screen entry cannot be resumed safely, so they wait for an
// operator re-drive.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	healthy := false
	stuck, err := w.store.Query(ctx, store.Filter{
		Direction: event.Outbound,
		Stage:     event.StageDelivering,
		Failed:    &healthy,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range stuck {
		ok, err := w.store.Fail(ctx, ev.ID, "delivery interrupted")
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		w.log.Warn("failed interrupted deliveries", "count", n)
	}
	return n, nil
}
