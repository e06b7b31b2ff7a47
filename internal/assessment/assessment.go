// Package assessment turns the partner's result document into the normalized
// summary the rest of the bridge works with.
package assessment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
)

// DefaultFlagThreshold is the total at or above which an assessment is
// flagged abnormal when the partner does not say so itself.
const DefaultFlagThreshold = 10

// ErrMalformed is returned when a partner document cannot be normalized.
var ErrMalformed = errors.New("malformed partner document")

// Assessment is one scored questionnaire inside a result.
type Assessment struct {
	ID              string            `json:"assessment_id,omitempty"`
	Name            string            `json:"assessment_name"`
	Type            string            `json:"assessment_type,omitempty"`
	Scores          []decimal.Decimal `json:"scores"`
	Total           decimal.Decimal   `json:"total_score"`
	Severity        string            `json:"severity"`
	FlaggedAbnormal bool              `json:"flagged_abnormal"`
	ClinicalNotes   string            `json:"clinical_notes,omitempty"`
	ItemCount       int               `json:"item_count"`
}

// Summary is the normalized result committed on an outbound event.
type Summary struct {
	EventID       int64        `json:"event_id"`
	ProcessedAt   time.Time    `json:"processed_at"`
	PatientID     string       `json:"patient_id"`
	PatientName   string       `json:"patient_name"`
	Assessments   []Assessment `json:"assessments"`
	ReportURL     string       `json:"report_url,omitempty"`
	EncounterID   string       `json:"encounter_id,omitempty"`
	SourceEventID int64        `json:"source_event_id,omitempty"`
}

// Severity returns the PHQ-9 band for total.
func Severity(total int) string {
	switch {
	case total <= 4:
		return "Minimal"
	case total <= 9:
		return "Mild"
	case total <= 14:
		return "Moderate"
	case total <= 19:
		return "Moderately Severe"
	default:
		return "Severe"
	}
}

// PatientName formats a display name as "Last, First", or whichever part is present.
func PatientName(first, last string) string {
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	switch {
	case first != "" && last != "":
		return last + ", " + first
	case last != "":
		return last
	default:
		return first
	}
}

// Normalize extracts a Summary from a partner document. The document may be
// wrapped in a "data" object or be the data object itself. A flagThreshold
// of zero or less uses DefaultFlagThreshold.
func Normalize(eventID int64, doc map[string]interface{}, now time.Time, flagThreshold int) (Summary, error) {
	if doc == nil {
		return Summary{}, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if flagThreshold <= 0 {
		flagThreshold = DefaultFlagThreshold
	}
	data := doc
	if inner, ok := doc["data"]; ok {
		m, ok := inner.(map[string]interface{})
		if !ok {
			return Summary{}, fmt.Errorf("%w: data is %T, want object", ErrMalformed, inner)
		}
		data = m
	}

	patient, _ := data["patient"].(map[string]interface{})
	if patient == nil {
		return Summary{}, fmt.Errorf("%w: patient is missing", ErrMalformed)
	}
	patientID := text(patient["patient_id"])
	if patientID == "" {
		return Summary{}, fmt.Errorf("%w: patient_id is missing", ErrMalformed)
	}

	list, ok := data["assessment"].([]interface{})
	if !ok || len(list) == 0 {
		return Summary{}, fmt.Errorf("%w: no assessments", ErrMalformed)
	}

	s := Summary{
		EventID:     eventID,
		ProcessedAt: now.UTC(),
		PatientID:   patientID,
		PatientName: PatientName(text(patient["patient_first_name"]), text(patient["patient_last_name"])),
		ReportURL:   text(data["assessment_response_url"]),
		EncounterID: text(data["encounter_id"]),
		Assessments: make([]Assessment, 0, len(list)),
	}
	if meta, ok := doc["_metadata"].(map[string]interface{}); ok {
		if id, err := strconv.ParseInt(text(meta["source_event_id"]), 10, 64); err == nil {
			s.SourceEventID = id
		}
	}

	for i, raw := range list {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return Summary{}, fmt.Errorf("%w: assessment %d is %T, want object", ErrMalformed, i, raw)
		}
		a, err := normalizeOne(obj, flagThreshold)
		if err != nil {
			return Summary{}, fmt.Errorf("assessment %d: %w", i, err)
		}
		s.Assessments = append(s.Assessments, a)
	}
	return s, nil
}

func normalizeOne(obj map[string]interface{}, flagThreshold int) (Assessment, error) {
	a := Assessment{
		ID:            text(obj["assessment_id"]),
		Name:          text(obj["assessment_name"]),
		Type:          text(obj["assessment_type"]),
		ClinicalNotes: text(obj["assessment_clinical_notes"]),
	}
	if a.Name == "" {
		a.Name = a.Type
	}

	items, _ := obj["assessment_items"].([]interface{})
	a.ItemCount = len(items)
	sum := decimal.Zero
	for j, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return Assessment{}, fmt.Errorf("%w: item %d is %T, want object", ErrMalformed, j, raw)
		}
		score, err := number(item["assessment_item_score"])
		if err != nil {
			return Assessment{}, fmt.Errorf("%w: item %d score: %v", ErrMalformed, j, err)
		}
		a.Scores = append(a.Scores, score)
		sum = sum.Add(score)
	}

	a.Total = sum
	if v, ok := obj["total_score_value"]; ok && text(v) != "" {
		total, err := number(v)
		if err != nil {
			return Assessment{}, fmt.Errorf("%w: total score: %v", ErrMalformed, err)
		}
		a.Total = total
	}

	totalInt := int(a.Total.Round(0).IntPart())
	a.Severity = firstNonEmpty(text(obj["total_score_legend"]), text(obj["patient_score_legend_value"]), Severity(totalInt))
	if flagged, ok := obj["flagged_abnormal"].(bool); ok {
		a.FlaggedAbnormal = flagged
	} else {
		a.FlaggedAbnormal = totalInt >= flagThreshold
	}
	return a, nil
}

// IntScores returns the item scores rounded to whole numbers.
func (a Assessment) IntScores() []int {
	out := make([]int, len(a.Scores))
	for i, s := range a.Scores {
		out[i] = int(s.Round(0).IntPart())
	}
	return out
}

// IntTotal returns the total rounded to a whole number.
func (a Assessment) IntTotal() int {
	return int(a.Total.Round(0).IntPart())
}

// Payload encodes the summary as an event payload.
func (s Summary) Payload() (event.Payload, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	var p event.Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return p, nil
}

// FromPayload decodes a summary previously produced by Payload.
func FromPayload(p event.Payload) (Summary, error) {
	if p == nil {
		return Summary{}, fmt.Errorf("%w: no summary", ErrMalformed)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// text renders scalar document values as trimmed strings.
func text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func number(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case json.Number:
		return decimal.NewFromString(t.String())
	case nil:
		return decimal.Decimal{}, errors.New("missing")
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported value %T", v)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
