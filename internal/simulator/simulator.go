// Package simulator stands in for the partner service: it answers inbound
// events that reached the converted stage with a synthesized PHQ-9 result
// once a configurable delay has passed since they were received.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

// ResultKind is the kind given to synthesized outbound events.
const ResultKind = "assessment_result"

// Store is the subset of the event store the simulator uses.
type Store interface {
	Query(ctx context.Context, f store.Filter) ([]event.Event, error)
	CreateResponse(ctx context.Context, inboundID int64, n store.NewEvent) (int64, bool, error)
}

// Simulator synthesizes partner responses.
type Simulator struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
	delay atomic.Int64

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for the delay check.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand sets the random source used for scores.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) {
		if r != nil {
			s.rnd = r
		}
	}
}

// New creates a Simulator answering after delay.
func New(st Store, delay time.Duration, opts ...Option) *Simulator {
	s := &Simulator{
		store: st,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	s.SetDelay(delay)
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "simulator")
	return s
}

// SetDelay changes the response delay; negative values are treated as zero.
func (s *Simulator) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.delay.Store(int64(d))
}

// Delay returns the response delay in effect.
func (s *Simulator) Delay() time.Duration {
	return time.Duration(s.delay.Load())
}

// Tick runs one check; it is the loop entry point.
func (s *Simulator) Tick(ctx context.Context) error {
	_, err := s.CheckAndRespond(ctx)
	return err
}

// CheckAndRespond answers every due, unanswered inbound event and returns the
// number of responses created. A failure on one event does not stop the rest;
// all such failures are returned joined.
func (s *Simulator) CheckAndRespond(ctx context.Context) (int, error) {
	healthy := false
	candidates, err := s.store.Query(ctx, store.Filter{
		Direction:  event.Inbound,
		AtLeast:    event.StageConverted,
		Failed:     &healthy,
		Unanswered: true,
	})
	if err != nil {
		return 0, err
	}

	var (
		created int
		errs    []error
		delay   = s.Delay()
		now     = s.now()
	)
	for _, ev := range candidates {
		if ctx.Err() != nil {
			break
		}
		if now.Sub(ev.ReceivedAt) < delay {
			continue
		}
		source := ev.Converted
		if source == nil {
			source = ev.Raw
		}
		doc := s.Generate(ev.ID, source)
		id, ok, err := s.store.CreateResponse(context.WithoutCancel(ctx), ev.ID, store.NewEvent{
			Direction: event.Outbound,
			Kind:      ResultKind,
			Raw:       doc,
		})
		if err != nil {
			s.log.Error("create response", "event_id", ev.ID, "err", err)
			errs = append(errs, fmt.Errorf("respond to event %d: %w", ev.ID, err))
			continue
		}
		if !ok {
			continue
		}
		created++
		metrics.SimulatedResponses.Inc()
		s.log.Info("partner response generated",
			"event_id", ev.ID,
			"response_id", id,
			"patient", patientOf(source)["patient_id"],
		)
	}
	return created, errors.Join(errs...)
}

var (
	phq9Questions = []string{
		"Little interest or pleasure in doing things",
		"Feeling down, depressed, or hopeless",
		"Trouble falling/staying asleep or sleeping too much",
		"Feeling tired or having little energy",
		"Poor appetite or overeating",
		"Feeling bad about yourself",
		"Trouble concentrating on things",
		"Moving or speaking slowly/being fidgety",
		"Thoughts of self-harm",
	}
	legends = []string{"Not at all", "Several days", "More than half", "Nearly every day"}
)

// Generate builds a partner result document for the patient found in source.
func (s *Simulator) Generate(sourceID int64, source event.Payload) event.Payload {
	now := s.now()
	patient := patientOf(source)
	patientID := stringOr(patient["patient_id"], "unknown")
	first := stringOr(patient["patient_first_name"], "")
	last := stringOr(patient["patient_last_name"], "")

	s.mu.Lock()
	scores := make([]int, len(phq9Questions))
	for i := range scores {
		scores[i] = s.rnd.IntN(4)
	}
	assessmentID := 1000000 + s.rnd.IntN(9000000)
	s.mu.Unlock()

	total := 0
	items := make([]interface{}, 0, len(scores))
	for i, score := range scores {
		total += score
		items = append(items, map[string]interface{}{
			"assessment_item_id":           41 + i,
			"assessment_item_name":         fmt.Sprintf("PHQ-9 Q%d", i+1),
			"assessment_item_description":  phq9Questions[i],
			"assessment_item_score":        fmt.Sprintf("%d.0", score),
			"assessment_item_score_range":  "0.00 - 3.00",
			"assessment_item_legend_value": legends[score],
			"assessment_item_asset":        fmt.Sprintf("PHQ9_%d", i+1),
			"assessment_item_type":         "Functional Impairment",
		})
	}
	severity := assessment.Severity(total)
	name := assessment.PatientName(first, last)
	notes := fmt.Sprintf("Patient %s completed PHQ-9 screening. Total score: %d (%s).", name, total, severity)
	clinicID := source["clinic_id"]
	if clinicID == nil {
		clinicID = 110
	}

	return event.Payload{
		"data": map[string]interface{}{
			"Status": "Success",
			"clinic": map[string]interface{}{
				"protocol":  "API",
				"clinic_id": clinicID,
			},
			"patient": map[string]interface{}{
				"patient_id":         patientID,
				"patient_first_name": first,
				"patient_last_name":  last,
				"patient_mobile":     stringOr(patient["patient_mobile"], ""),
				"patient_email":      stringOr(patient["patient_email"], ""),
			},
			"assessment_response_url":       fmt.Sprintf("https://reports.partner.invalid/reports/%s_%s.pdf", patientID, uuid.NewString()),
			"assessment_preferred_language": "EN",
			"assessment_completed_at":       now.Format(time.RFC3339),
			"assessment": []interface{}{
				map[string]interface{}{
					"assessment_id":                   assessmentID,
					"assessment_name":                 "PHQ-9",
					"assessment_type":                 "Depression Screening",
					"assessment_items":                items,
					"total_score_legend":              severity,
					"total_score_value":               fmt.Sprint(total),
					"assessment_overall_legend_score": fmt.Sprintf("%d.0", total),
					"patient_score_legend_value":      severity,
					"assessment_clinical_notes":       notes,
					"flagged_abnormal":                total >= assessment.DefaultFlagThreshold,
				},
			},
			"encounter_id": fmt.Sprintf("ENC_%s_%s", patientID, now.Format("20060102")),
			"current_time": now.Format(time.RFC3339),
		},
		"_metadata": map[string]interface{}{
			"simulated":              true,
			"simulated_at":           now.Format(time.RFC3339),
			"source_event_id":        sourceID,
			"source_event_patient":   name,
			"response_delay_seconds": s.Delay().Seconds(),
		},
	}
}

// patientOf returns the patient object of an inbound payload, accepting
// either a nested "patient" object or flat patient fields.
func patientOf(p event.Payload) map[string]interface{} {
	if m, ok := p["patient"].(map[string]interface{}); ok {
		return m
	}
	return p
}

func stringOr(v interface{}, def string) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case nil:
	default:
		return fmt.Sprint(t)
	}
	return def
}
