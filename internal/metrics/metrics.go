package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_events_created_total",
		Help: "Total number of events inserted, labelled by direction and kind.",
	}, []string{"direction", "kind"})

	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_stage_transitions_total",
		Help: "Total number of stage changes, labelled by direction and target stage.",
	}, []string{"direction", "stage"})

	FailuresRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_failures_recorded_total",
		Help: "Total number of error records written, labelled by direction and stage.",
	}, []string{"direction", "stage"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_escalations_total",
		Help: "Total number of events marked permanently failed after reaching the error cap.",
	}, []string{"direction", "stage"})

	ResultsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_results_processed_total",
		Help: "Total number of partner results handled by the processor, labelled by outcome.",
	}, []string{"outcome"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_deliveries_total",
		Help: "Total number of actuator deliveries, labelled by outcome.",
	}, []string{"outcome"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "partnerbridge_delivery_duration_seconds",
		Help:    "Time spent inside the actuator per delivery.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})

	DeliveryInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "partnerbridge_delivery_in_flight",
		Help: "1 while an on-screen delivery is running, 0 otherwise.",
	})

	SimulatedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partnerbridge_simulated_responses_total",
		Help: "Total number of partner responses synthesized by the simulator.",
	})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "partnerbridge_poll_duration_seconds",
		Help:    "Duration of one worker poll, labelled by worker.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"worker"})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "partnerbridge_poll_errors_total",
		Help: "Total number of worker polls that returned an error, labelled by worker.",
	}, []string{"worker"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "partnerbridge_notifications_dropped_total",
		Help: "Total number of result notifications rejected due to a full queue.",
	})

	EventsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "partnerbridge_events",
		Help: "Current number of events per direction, stage and failure flag.",
	}, []string{"direction", "stage", "failed"})
)
