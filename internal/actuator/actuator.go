package actuator

import (
	"context"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
)

// Assessment is one questionnaire as handed to an actuator for entry.
type Assessment struct {
	Name     string `json:"name"`
	Scores   []int  `json:"scores"`
	Total    int    `json:"total"`
	Severity string `json:"severity"`
}

// Actuator is the interface every results-entry implementation must satisfy.
type Actuator interface {
	// EnterResults performs the entry and reports whether it succeeded.
	EnterResults(ctx context.Context, patient string, assessments []Assessment) (bool, error)
}

// Func adapts a plain function to Actuator.
type Func func(ctx context.Context, patient string, assessments []Assessment) (bool, error)

func (f Func) EnterResults(ctx context.Context, patient string, assessments []Assessment) (bool, error) {
	return f(ctx, patient, assessments)
}

// FromSummary builds the actuator arguments of a committed result.
func FromSummary(s assessment.Summary) (string, []Assessment) {
	out := make([]Assessment, 0, len(s.Assessments))
	for _, a := range s.Assessments {
		out = append(out, Assessment{
			Name:     a.Name,
			Scores:   a.IntScores(),
			Total:    a.IntTotal(),
			Severity: a.Severity,
		})
	}
	return s.PatientName, out
}
