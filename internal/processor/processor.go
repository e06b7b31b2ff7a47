// Package processor commits partner results: it claims received outbound
// events, normalizes their documents and advances them to committed, retrying
// failed events on later polls until the store escalates them.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

// Store is the subset of the event store the processor uses.
type Store interface {
	Query(ctx context.Context, f store.Filter) ([]event.Event, error)
	Advance(ctx context.Context, id int64, u store.Update) (bool, error)
	RecordFailure(ctx context.Context, id int64, message string) (bool, error)
	Requeue(ctx context.Context, id int64) (bool, error)
}

// Processor normalizes outbound partner results.
type Processor struct {
	store     Store
	log       *slog.Logger
	now       func() time.Time
	notify    func(assessment.Summary)
	threshold atomic.Int64
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the time source used for processed_at stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithNotifier sets the function called with every committed summary. It runs
// on the polling goroutine, so it must hand slow work off.
func WithNotifier(fn func(assessment.Summary)) Option {
	return func(p *Processor) { p.notify = fn }
}

// WithFlagThreshold sets the total at which assessments are flagged abnormal.
func WithFlagThreshold(n int) Option {
	return func(p *Processor) { p.SetFlagThreshold(n) }
}

// New creates a Processor reading from st.
func New(st Store, opts ...Option) *Processor {
	p := &Processor{
		store: st,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	p.threshold.Store(assessment.DefaultFlagThreshold)
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "processor")
	return p
}

// SetFlagThreshold changes the abnormal flag threshold; it is safe to call
// while polls are running.
func (p *Processor) SetFlagThreshold(n int) {
	if n <= 0 {
		n = assessment.DefaultFlagThreshold
	}
	p.threshold.Store(int64(n))
}

// Tick runs one poll; it is the loop entry point.
func (p *Processor) Tick(ctx context.Context) error {
	_, err := p.Poll(ctx)
	return err
}

// ProcessNow drains every pending result synchronously and returns how many
// were committed.
func (p *Processor) ProcessNow(ctx context.Context) (int, error) {
	n, err := p.Poll(ctx)
	if err != nil {
		return n, err
	}
	p.log.Info("on-demand processing finished", "committed", n)
	return n, nil
}

// Poll processes received outbound events in FIFO order. Cancellation is
// honoured between events; an event already claimed is always finished.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	healthy := false
	pending, err := p.store.Query(ctx, store.Filter{
		Direction: event.Outbound,
		Stage:     event.StageReceived,
		Failed:    &healthy,
	})
	if err != nil {
		return 0, err
	}

	committed := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			break
		}
		if p.ProcessOne(context.WithoutCancel(ctx), ev) {
			committed++
		}
	}
	return committed, nil
}

// ProcessOne claims ev and commits its normalized summary. It reports whether
// the event was committed; failures are recorded on the event, never returned.
func (p *Processor) ProcessOne(ctx context.Context, ev event.Event) bool {
	claimed, err := p.store.Advance(ctx, ev.ID, store.Update{From: event.StageReceived, To: event.StageProcessing})
	if err != nil {
		// Unclaimed events carry no failure; the next poll tries again.
		metrics.ResultsProcessed.WithLabelValues("skipped").Inc()
		p.log.Warn("claim result", "event_id", ev.ID, "err", err)
		return false
	}
	if !claimed {
		p.log.Debug("result already claimed", "event_id", ev.ID)
		metrics.ResultsProcessed.WithLabelValues("skipped").Inc()
		return false
	}

	now := p.now()
	summary, err := assessment.Normalize(ev.ID, ev.Raw, now, int(p.threshold.Load()))
	if err != nil {
		p.fail(ctx, ev.ID, err)
		return false
	}
	converted, err := summary.Payload()
	if err != nil {
		p.fail(ctx, ev.ID, err)
		return false
	}
	ack := event.Payload{
		"processed":    true,
		"processed_at": now.Format(time.RFC3339Nano),
		"status":       "success",
		"summary":      converted,
	}

	ok, err := p.store.Advance(ctx, ev.ID, store.Update{
		From:      event.StageProcessing,
		To:        event.StageCommitted,
		Converted: converted,
		Response:  ack,
	})
	if err == nil && !ok {
		err = errors.New("event left processing before commit")
	}
	if err != nil {
		p.fail(ctx, ev.ID, err)
		return false
	}

	metrics.ResultsProcessed.WithLabelValues("committed").Inc()
	p.log.Info("result committed",
		"event_id", ev.ID,
		"patient", summary.PatientName,
		"assessments", len(summary.Assessments),
	)
	if p.notify != nil {
		p.notify(summary)
	}
	return true
}

// fail records cause on a claimed event and, unless it escalated, returns it
// to the queue for the next poll.
func (p *Processor) fail(ctx context.Context, id int64, cause error) {
	escalated, err := p.store.RecordFailure(ctx, id, cause.Error())
	switch {
	case err != nil:
		metrics.ResultsProcessed.WithLabelValues("failed").Inc()
		p.log.Error("record failure", "event_id", id, "cause", cause, "err", err)
	case escalated:
		metrics.ResultsProcessed.WithLabelValues("escalated").Inc()
		p.log.Error("result abandoned", "event_id", id, "err", cause)
		return
	default:
		metrics.ResultsProcessed.WithLabelValues("failed").Inc()
		p.log.Warn("result processing failed", "event_id", id, "err", cause)
	}
	if _, err := p.store.Requeue(ctx, id); err != nil {
		p.log.Error("requeue result", "event_id", id, "err", err)
	}
}

// Recover returns results left in processing by an interrupted run to the
// queue. It is meant to be called once before polling starts.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	healthy := false
	stuck, err := p.store.Query(ctx, store.Filter{
		Direction: event.Outbound,
		Stage:     event.StageProcessing,
		Failed:    &healthy,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range stuck {
		ok, err := p.store.Requeue(ctx, ev.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		p.log.Warn("requeued interrupted results", "count", n)
	}
	return n, nil
}
