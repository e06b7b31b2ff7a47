package actuator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/actuator/logentry"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
)

func TestRegistry(t *testing.T) {
	reg := actuator.NewRegistry()
	if err := reg.Register(logentry.Name, logentry.New(nil)); err != nil {
		t.Fatalf("register log: %v", err)
	}
	if err := reg.Register("Refuse", actuator.Func(func(context.Context, string, []actuator.Assessment) (bool, error) {
		return false, nil
	})); err != nil {
		t.Fatalf("register refuse: %v", err)
	}

	if names := reg.Names(); len(names) != 2 || names[0] != "log" || names[1] != "refuse" {
		t.Fatalf("names = %v", names)
	}
	a, err := reg.Get(" REFUSE ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok, _ := a.EnterResults(context.Background(), "Doe, Jane", nil); ok {
		t.Error("refuse actuator reported success")
	}
}

func TestRegistryUnknownListsAvailable(t *testing.T) {
	reg := actuator.NewRegistry()
	_, err := reg.Get("ui")
	if !errors.Is(err, actuator.ErrUnknownActuator) || !strings.Contains(err.Error(), "available: none") {
		t.Fatalf("empty registry err = %v", err)
	}

	_ = reg.Register(logentry.Name, logentry.New(nil))
	_ = reg.Register("script", logentry.New(nil))
	_, err = reg.Get("ui")
	if !errors.Is(err, actuator.ErrUnknownActuator) {
		t.Fatalf("err = %v, want ErrUnknownActuator", err)
	}
	if !strings.Contains(err.Error(), `"ui"`) || !strings.Contains(err.Error(), "available: log, script") {
		t.Errorf("err = %q, want the name and the available actuators", err)
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	reg := actuator.NewRegistry()
	if err := reg.Register(logentry.Name, logentry.New(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	cases := []struct {
		name    string
		regName string
		act     actuator.Actuator
		wantErr error
	}{
		{"duplicate", "log", logentry.New(nil), actuator.ErrActuatorExists},
		{"duplicate other case", "LOG", logentry.New(nil), actuator.ErrActuatorExists},
		{"empty name", "  ", logentry.New(nil), nil},
		{"nil actuator", "ui", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(tc.regName, tc.act)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
	if names := reg.Names(); len(names) != 1 {
		t.Errorf("names = %v, want only log", names)
	}
}

func TestLogActuator(t *testing.T) {
	a := logentry.New(nil)
	ok, err := a.EnterResults(context.Background(), "Doe, Jane", []actuator.Assessment{{Name: "PHQ-9", Total: 6}})
	if err != nil || !ok {
		t.Fatalf("ok %v err %v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok, err := a.EnterResults(ctx, "Doe, Jane", nil); ok || err == nil {
		t.Fatalf("cancelled entry: ok %v err %v", ok, err)
	}
}

func TestFromSummary(t *testing.T) {
	s := assessment.Summary{
		PatientName: "Doe, Jane",
		Assessments: []assessment.Assessment{{
			Name:     "PHQ-9",
			Scores:   []decimal.Decimal{decimal.RequireFromString("2.0"), decimal.RequireFromString("1.0")},
			Total:    decimal.NewFromInt(3),
			Severity: "Minimal",
		}},
	}
	patient, list := actuator.FromSummary(s)
	if patient != "Doe, Jane" || len(list) != 1 {
		t.Fatalf("patient %q list %+v", patient, list)
	}
	got := list[0]
	if got.Name != "PHQ-9" || got.Total != 3 || got.Severity != "Minimal" {
		t.Errorf("assessment = %+v", got)
	}
	if len(got.Scores) != 2 || got.Scores[0] != 2 || got.Scores[1] != 1 {
		t.Errorf("scores = %v", got.Scores)
	}
}
