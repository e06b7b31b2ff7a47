package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/config"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/delivery"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/processor"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/simulator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

// Worker names used for loops, logs and metrics.
const (
	SimulatorWorker = "simulator"
	ProcessorWorker = "processor"
	DeliveryWorker  = "delivery"
)

// WorkerStatus describes one background loop.
type WorkerStatus struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Running  bool   `json:"running"`
	Interval string `json:"interval"`
}

// notification is one fan-out job for subscribers.
type notification struct {
	result    *assessment.Summary
	delivered *delivery.Delivered
}

// Engine wires the simulator, processor and delivery workers to one store
// and runs each on its own loop.
type Engine struct {
	ctx   context.Context
	store *store.Store
	log   *slog.Logger

	sim   *simulator.Simulator
	proc  *processor.Processor
	deliv *delivery.Worker

	loops        map[string]*Loop
	notify       *workerPool[notification]
	notifyCancel context.CancelFunc
	conf         atomic.Pointer[config.Config]

	mu            sync.Mutex
	started       bool
	resultSubs    []func(assessment.Summary)
	deliveredSubs []func(delivery.Delivered)
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	log     *slog.Logger
	simOpts []simulator.Option
}

// WithLogger sets the logger shared by all workers.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithSimulatorOptions passes extra options to the simulator.
func WithSimulatorOptions(opts ...simulator.Option) Option {
	return func(o *engineOptions) { o.simOpts = append(o.simOpts, opts...) }
}

// New creates an Engine using conf. Workers stay idle until Start; ctx bounds
// every loop. The notification pool outlives ctx until Shutdown drains it.
func New(ctx context.Context, st *store.Store, act actuator.Actuator, conf *config.Config, opts ...Option) *Engine {
	o := engineOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{ctx: ctx, store: st, log: o.log.With("component", "engine")}
	e.conf.Store(conf)

	notifyCtx, notifyCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.notifyCancel = notifyCancel
	e.notify = newWorkerPool(notifyCtx, conf.Notify.Workers, conf.Notify.QueueDepth, e.dispatch, e.log)

	e.sim = simulator.New(st, conf.Simulator.ResponseDelay, append([]simulator.Option{simulator.WithLogger(o.log)}, o.simOpts...)...)
	e.proc = processor.New(st,
		processor.WithLogger(o.log),
		processor.WithFlagThreshold(conf.Processor.FlagThreshold),
		processor.WithNotifier(e.publishResult),
	)
	e.deliv = delivery.New(st, act,
		delivery.WithLogger(o.log),
		delivery.WithMinGap(conf.Delivery.MinGap),
		delivery.WithOnDelivered(e.publishDelivered),
	)

	e.loops = map[string]*Loop{
		SimulatorWorker: NewLoop(SimulatorWorker, conf.Simulator.CheckInterval, e.sim.Tick, o.log),
		ProcessorWorker: NewLoop(ProcessorWorker, conf.Processor.PollInterval, e.proc.Tick, o.log),
		DeliveryWorker:  NewLoop(DeliveryWorker, conf.Delivery.PollInterval, e.deliv.Tick, o.log),
	}
	return e
}

// Start recovers events stranded by an interrupted run and launches every
// enabled worker.
func (e *Engine) Start() error {
	requeued, err := e.proc.Recover(e.ctx)
	if err != nil {
		return fmt.Errorf("recover processing: %w", err)
	}
	failed, err := e.deliv.Recover(e.ctx)
	if err != nil {
		return fmt.Errorf("recover deliveries: %w", err)
	}
	e.log.Info("startup recovery finished", "requeued", requeued, "failed_deliveries", failed)

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	e.Apply(e.Config())
	return nil
}

// Apply pushes a (reloaded) config to the running workers: intervals, the
// response delay, the flag threshold, the delivery gap and enablement. The
// store location, error cap, actuator and pool size take effect on restart.
func (e *Engine) Apply(conf *config.Config) {
	e.conf.Store(conf)
	e.sim.SetDelay(conf.Simulator.ResponseDelay)
	e.proc.SetFlagThreshold(conf.Processor.FlagThreshold)
	e.deliv.SetMinGap(conf.Delivery.MinGap)

	e.loops[SimulatorWorker].SetInterval(conf.Simulator.CheckInterval)
	e.loops[ProcessorWorker].SetInterval(conf.Processor.PollInterval)
	e.loops[DeliveryWorker].SetInterval(conf.Delivery.PollInterval)

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	for name, enabled := range enabledWorkers(conf) {
		l := e.loops[name]
		if enabled {
			l.Start(e.ctx)
		} else if l.Running() {
			l.Stop()
		}
	}
}

func enabledWorkers(conf *config.Config) map[string]bool {
	return map[string]bool{
		SimulatorWorker: conf.Simulator.Enabled,
		ProcessorWorker: conf.Processor.Enabled,
		DeliveryWorker:  conf.Delivery.Enabled,
	}
}

// Config returns the config last applied.
func (e *Engine) Config() *config.Config {
	return e.conf.Load()
}

// Store exposes the event store to the API.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Workers reports the state of every loop, sorted by name.
func (e *Engine) Workers() []WorkerStatus {
	enabled := enabledWorkers(e.Config())
	out := make([]WorkerStatus, 0, len(e.loops))
	for _, name := range []string{DeliveryWorker, ProcessorWorker, SimulatorWorker} {
		l := e.loops[name]
		out = append(out, WorkerStatus{
			Name:     name,
			Enabled:  enabled[name],
			Running:  l.Running(),
			Interval: l.Interval().String(),
		})
	}
	return out
}

// OnResult registers fn to receive every committed summary. Subscribers run
// on the notification pool, never on a polling goroutine.
func (e *Engine) OnResult(fn func(assessment.Summary)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resultSubs = append(e.resultSubs, fn)
}

// OnDelivered registers fn to receive every delivery outcome.
func (e *Engine) OnDelivered(fn func(delivery.Delivered)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveredSubs = append(e.deliveredSubs, fn)
}

// ProcessResults runs the processor synchronously.
func (e *Engine) ProcessResults(ctx context.Context) (int, error) {
	return e.proc.ProcessNow(ctx)
}

// CheckResponses runs the simulator synchronously.
func (e *Engine) CheckResponses(ctx context.Context) (int, error) {
	return e.sim.CheckAndRespond(ctx)
}

// DeliverPending drains committed results now; it returns delivery.ErrBusy
// while another drain is running.
func (e *Engine) DeliverPending(ctx context.Context) (int, error) {
	return e.deliv.TryProcessPending(ctx)
}

// DeliveryBusy reports whether an on-screen entry is in flight.
func (e *Engine) DeliveryBusy() bool {
	return e.deliv.Processing()
}

// Redrive moves a failed delivery back to committed so the next drain
// retries it.
func (e *Engine) Redrive(ctx context.Context, id int64) (bool, error) {
	ok, err := e.store.Redrive(ctx, id)
	if err == nil && ok {
		e.log.Info("delivery re-driven", "event_id", id)
	}
	return ok, err
}

// QueueUtilization returns notification queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.notify.QueueCap() == 0 {
		return 0
	}
	return float64(e.notify.QueueLen()) / float64(e.notify.QueueCap())
}

func (e *Engine) publishResult(s assessment.Summary) {
	e.submit(notification{result: &s})
}

func (e *Engine) publishDelivered(d delivery.Delivered) {
	e.submit(notification{delivered: &d})
}

func (e *Engine) submit(n notification) {
	if !e.notify.Submit(n) {
		metrics.NotificationsDropped.Inc()
		e.log.Warn("notification queue full, dropping notification", "capacity", e.notify.QueueCap())
	}
}

func (e *Engine) dispatch(_ context.Context, n notification) {
	e.mu.Lock()
	results := append([]func(assessment.Summary){}, e.resultSubs...)
	delivered := append([]func(delivery.Delivered){}, e.deliveredSubs...)
	e.mu.Unlock()

	if n.result != nil {
		for _, fn := range results {
			fn(*n.result)
		}
	}
	if n.delivered != nil {
		for _, fn := range delivered {
			fn(*n.delivered)
		}
	}
}

// Shutdown stops every loop, waiting for in-progress ticks, then delivers
// every queued notification before returning. It is safe to call after the
// engine's context was cancelled.
func (e *Engine) Shutdown() {
	for _, name := range []string{SimulatorWorker, ProcessorWorker, DeliveryWorker} {
		e.loops[name].Stop()
	}
	e.notify.Drain()
	e.notifyCancel()
}
