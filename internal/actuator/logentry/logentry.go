package logentry

import (
	"context"
	"log/slog"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
)

// Name is the registry key of the dry-run actuator.
const Name = "log"

// Actuator logs every entry it is asked to perform and reports success.
// It stands in for on-screen entry in staging.
type Actuator struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Actuator {
	if log == nil {
		log = slog.Default()
	}
	return &Actuator{log: log.With("component", "actuator", "actuator", Name)}
}

func (a *Actuator) EnterResults(ctx context.Context, patient string, assessments []actuator.Assessment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, as := range assessments {
		a.log.Info("entering results",
			"patient", patient,
			"assessment", as.Name,
			"total", as.Total,
			"severity", as.Severity,
			"scores", as.Scores,
		)
	}
	if len(assessments) == 0 {
		a.log.Warn("no assessments to enter", "patient", patient)
	}
	return true, nil
}
