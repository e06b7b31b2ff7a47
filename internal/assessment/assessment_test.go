package assessment_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/assessment"
)

var fixedNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func partnerDoc() map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{
			"Status": "Success",
			"patient": map[string]interface{}{
				"patient_id":         "123",
				"patient_first_name": "Jane",
				"patient_last_name":  "Doe",
			},
			"assessment_response_url": "https://reports.example.test/123.pdf",
			"encounter_id":            "ENC_123_20260304",
			"assessment": []interface{}{
				map[string]interface{}{
					"assessment_id":   float64(4242),
					"assessment_name": "PHQ-9",
					"assessment_type": "Depression Screening",
					"assessment_items": []interface{}{
						map[string]interface{}{"assessment_item_score": "2.0"},
						map[string]interface{}{"assessment_item_score": "3.0"},
						map[string]interface{}{"assessment_item_score": "1.0"},
					},
					"total_score_legend": "Mild",
					"total_score_value":  "6",
					"flagged_abnormal":   false,
				},
			},
		},
		"_metadata": map[string]interface{}{
			"simulated":       true,
			"source_event_id": float64(7),
		},
	}
}

func TestSeverity(t *testing.T) {
	cases := []struct {
		total int
		want  string
	}{
		{0, "Minimal"},
		{4, "Minimal"},
		{5, "Mild"},
		{9, "Mild"},
		{10, "Moderate"},
		{14, "Moderate"},
		{15, "Moderately Severe"},
		{19, "Moderately Severe"},
		{20, "Severe"},
		{27, "Severe"},
	}
	for _, tc := range cases {
		if got := assessment.Severity(tc.total); got != tc.want {
			t.Errorf("Severity(%d) = %q, want %q", tc.total, got, tc.want)
		}
	}
}

func TestPatientName(t *testing.T) {
	cases := []struct {
		first, last, want string
	}{
		{"Jane", "Doe", "Doe, Jane"},
		{"", "Doe", "Doe"},
		{"Jane", " ", "Jane"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := assessment.PatientName(tc.first, tc.last); got != tc.want {
			t.Errorf("PatientName(%q, %q) = %q, want %q", tc.first, tc.last, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	s, err := assessment.Normalize(11, partnerDoc(), fixedNow, 0)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.EventID != 11 || s.PatientID != "123" || s.PatientName != "Doe, Jane" {
		t.Errorf("summary identity = %+v", s)
	}
	if s.ReportURL == "" || s.EncounterID != "ENC_123_20260304" || s.SourceEventID != 7 {
		t.Errorf("summary refs = %+v", s)
	}
	if len(s.Assessments) != 1 {
		t.Fatalf("assessments = %d, want 1", len(s.Assessments))
	}
	a := s.Assessments[0]
	if a.ID != "4242" || a.Name != "PHQ-9" || a.ItemCount != 3 {
		t.Errorf("assessment = %+v", a)
	}
	if a.IntTotal() != 6 || a.Severity != "Mild" || a.FlaggedAbnormal {
		t.Errorf("score = total %s severity %q flagged %v", a.Total, a.Severity, a.FlaggedAbnormal)
	}
	scores := a.IntScores()
	if len(scores) != 3 || scores[0] != 2 || scores[1] != 3 || scores[2] != 1 {
		t.Errorf("scores = %v", scores)
	}
}

func TestNormalizeFallbacks(t *testing.T) {
	doc := map[string]interface{}{
		"patient": map[string]interface{}{"patient_id": float64(99), "patient_last_name": "Roe"},
		"assessment": []interface{}{
			map[string]interface{}{
				"assessment_type": "GAD-7",
				"assessment_items": []interface{}{
					map[string]interface{}{"assessment_item_score": float64(3)},
					map[string]interface{}{"assessment_item_score": "3.0"},
					map[string]interface{}{"assessment_item_score": "3.0"},
					map[string]interface{}{"assessment_item_score": "2.0"},
				},
			},
		},
	}
	s, err := assessment.Normalize(1, doc, fixedNow, 0)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.PatientID != "99" || s.PatientName != "Roe" {
		t.Errorf("patient = %q %q", s.PatientID, s.PatientName)
	}
	a := s.Assessments[0]
	if a.Name != "GAD-7" {
		t.Errorf("name = %q, want type as fallback", a.Name)
	}
	if a.IntTotal() != 11 {
		t.Errorf("total = %s, want sum of items", a.Total)
	}
	if a.Severity != "Moderate" {
		t.Errorf("severity = %q, want band of total", a.Severity)
	}
	if !a.FlaggedAbnormal {
		t.Error("total 11 not flagged at default threshold")
	}

	s, err = assessment.Normalize(1, doc, fixedNow, 12)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.Assessments[0].FlaggedAbnormal {
		t.Error("total 11 flagged at threshold 12")
	}
}

func TestNormalizeMalformed(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]interface{}
	}{
		{"nil", nil},
		{"data not object", map[string]interface{}{"data": "x"}},
		{"no patient", map[string]interface{}{"assessment": []interface{}{map[string]interface{}{}}}},
		{"no patient id", map[string]interface{}{
			"patient":    map[string]interface{}{"patient_first_name": "A"},
			"assessment": []interface{}{map[string]interface{}{}},
		}},
		{"no assessments", map[string]interface{}{
			"patient": map[string]interface{}{"patient_id": "1"},
		}},
		{"bad item score", map[string]interface{}{
			"patient": map[string]interface{}{"patient_id": "1"},
			"assessment": []interface{}{map[string]interface{}{
				"assessment_items": []interface{}{map[string]interface{}{"assessment_item_score": "lots"}},
			}},
		}},
		{"bad total", map[string]interface{}{
			"patient": map[string]interface{}{"patient_id": "1"},
			"assessment": []interface{}{map[string]interface{}{
				"total_score_value": "n/a",
			}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := assessment.Normalize(1, tc.doc, fixedNow, 0)
			if !errors.Is(err, assessment.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestSummaryPayloadRoundTrip(t *testing.T) {
	s, err := assessment.Normalize(3, partnerDoc(), fixedNow, 0)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	p, err := s.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p["patient_name"] != "Doe, Jane" {
		t.Errorf("payload patient_name = %v", p["patient_name"])
	}
	back, err := assessment.FromPayload(p)
	if err != nil {
		t.Fatalf("from payload: %v", err)
	}
	if back.PatientName != s.PatientName || !back.ProcessedAt.Equal(s.ProcessedAt) || len(back.Assessments) != 1 {
		t.Fatalf("round trip = %+v", back)
	}
	if !back.Assessments[0].Total.Equal(s.Assessments[0].Total) {
		t.Errorf("total = %s, want %s", back.Assessments[0].Total, s.Assessments[0].Total)
	}

	if _, err := assessment.FromPayload(nil); !errors.Is(err, assessment.ErrMalformed) {
		t.Errorf("nil payload err = %v", err)
	}
}
