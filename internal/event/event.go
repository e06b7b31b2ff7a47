package event

import "time"

// Direction tells which side produced an event.
type Direction string

const (
	// Inbound events are produced locally and destined for the partner.
	Inbound Direction = "I"
	// Outbound events are produced by (or on behalf of) the partner.
	Outbound Direction = "O"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	}
	return string(d)
}

// Payload is an opaque structured document (arbitrary nested key/value data).
type Payload map[string]interface{}

// Event is one row of the persisted event queue.
type Event struct {
	ID            int64     `json:"id"`
	Direction     Direction `json:"direction"`
	Kind          string    `json:"kind"`
	Stage         Stage     `json:"stage"`
	Failed        bool      `json:"failed"`
	FailedStage   Stage     `json:"failed_stage,omitempty"`
	Raw           Payload   `json:"raw_payload,omitempty"`
	Converted     Payload   `json:"converted_payload,omitempty"`
	Response      Payload   `json:"response_payload,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	ConvertedAt   time.Time `json:"converted_at"`
	SentAt        time.Time `json:"sent_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ErrorCount    int       `json:"error_count"`
	SourceEventID int64     `json:"source_event_id,omitempty"`
	RespondedAt   time.Time `json:"responded_at"`
}

// Status returns the legacy signed status code: the stage code while the
// event is healthy, its negation once the event failed.
func (e Event) Status() int {
	if e.Failed {
		stage := e.FailedStage
		if stage == "" {
			stage = e.Stage
		}
		return -stage.Code()
	}
	return e.Stage.Code()
}

// ErrorRecord is one append-only failure audit entry.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	Message   string    `json:"error_message"`
	CreatedAt time.Time `json:"created_at"`
}
