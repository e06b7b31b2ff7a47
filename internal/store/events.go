package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
)

// NewEvent describes an event to insert.
type NewEvent struct {
	Direction event.Direction
	Kind      string
	Raw       event.Payload
	// Stage overrides the lane's initial stage; it must belong to the lane.
	Stage event.Stage
	// ReceivedAt defaults to the store clock.
	ReceivedAt time.Time
}

// Update is a forward stage change plus optional payloads.
type Update struct {
	To event.Stage
	// From, when set, makes the update conditional on the current stage.
	From      event.Stage
	Converted event.Payload
	Response  event.Payload
}

// Filter selects events for Query. Zero fields do not filter.
type Filter struct {
	Direction event.Direction
	Stage     event.Stage
	// AtLeast keeps events whose stage rank is at or beyond this stage.
	AtLeast event.Stage
	Failed  *bool
	// Unanswered keeps inbound events without a generated response.
	Unanswered bool
	Limit      int
	Descending bool
}

const eventColumns = `id, received_at, direction, raw_payload, converted_at, converted_payload,
	sent_at, response_payload, stage, failed, failed_stage, kind, updated_at,
	error_count, source_event_id, responded_at`

func (n NewEvent) validate() (event.Stage, error) {
	if !n.Direction.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidEvent, n.Direction)
	}
	if strings.TrimSpace(n.Kind) == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	stage := n.Stage
	if stage == "" {
		stage = event.Initial(n.Direction)
	}
	if !event.Belongs(n.Direction, stage) {
		return "", fmt.Errorf("%w: stage %q is not part of the %s lane", ErrInvalidEvent, stage, n.Direction)
	}
	return stage, nil
}

// Create inserts a new event and returns its id.
func (s *Store) Create(ctx context.Context, n NewEvent) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx, n, 0)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.EventsCreated.WithLabelValues(n.Direction.String(), n.Kind).Inc()
	return id, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, n NewEvent, sourceID int64) (int64, error) {
	stage, err := n.validate()
	if err != nil {
		return 0, err
	}
	raw, err := encodePayload(n.Raw)
	if err != nil {
		return 0, fmt.Errorf("encode raw payload: %w", err)
	}
	now := s.stamp()
	received := now
	if !n.ReceivedAt.IsZero() {
		received = n.ReceivedAt.UTC().UnixMilli()
	}
	var source sql.NullInt64
	if sourceID > 0 {
		source = sql.NullInt64{Int64: sourceID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO common_event (
	received_at, direction, raw_payload, status, stage, kind, updated_at, error_count, source_event_id
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
`,
		received,
		string(n.Direction),
		raw,
		stage.Code(),
		string(stage),
		strings.TrimSpace(n.Kind),
		now,
		source,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event id: %w", err)
	}
	return id, nil
}

// Get returns the event with the given id.
func (s *Store) Get(ctx context.Context, id int64) (event.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM common_event WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("get event %d: %w", id, err)
	}
	return ev, true, nil
}

// Advance moves an event forward within its lane and writes any payloads
// given. It returns false without error when the id does not exist or when
// From is set and does not match the current stage.
func (s *Store) Advance(ctx context.Context, id int64, u Update) (bool, error) {
	var (
		applied bool
		dir     event.Direction
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			d, stage string
			failed   bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT direction, stage, failed FROM common_event WHERE id = ?`, id,
		).Scan(&d, &stage, &failed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load event %d: %w", id, err)
		}
		dir = event.Direction(d)
		cur := event.Stage(stage)

		if u.From != "" && cur != u.From {
			return nil
		}
		if failed {
			return fmt.Errorf("%w: event %d failed at %s", ErrInvalidTransition, id, cur)
		}
		if !event.CanAdvance(dir, cur, u.To) {
			return fmt.Errorf("%w: event %d %s → %s", ErrInvalidTransition, id, cur, u.To)
		}
		if u.Converted != nil && event.Rank(dir, u.To) < event.Rank(dir, event.ConvertedStage(dir)) {
			return fmt.Errorf("%w: converted payload before %s", ErrInvalidTransition, event.ConvertedStage(dir))
		}

		sets := []string{"stage = ?", "status = ?", "updated_at = ?"}
		now := s.stamp()
		args := []interface{}{string(u.To), u.To.Code(), now}

		if u.Converted != nil {
			enc, err := encodePayload(u.Converted)
			if err != nil {
				return fmt.Errorf("encode converted payload: %w", err)
			}
			sets = append(sets, "converted_payload = ?")
			args = append(args, enc)
		}
		if u.Converted != nil || (dir == event.Inbound && event.Rank(dir, u.To) >= event.Rank(dir, event.StageConverted)) {
			sets = append(sets, "converted_at = COALESCE(converted_at, ?)")
			args = append(args, now)
		}
		if u.Response != nil {
			enc, err := encodePayload(u.Response)
			if err != nil {
				return fmt.Errorf("encode response payload: %w", err)
			}
			sets = append(sets, "response_payload = ?")
			args = append(args, enc)
		}
		if u.Response != nil || (dir == event.Inbound && event.Rank(dir, u.To) >= event.Rank(dir, event.StageSent)) {
			sets = append(sets, "sent_at = COALESCE(sent_at, ?)")
			args = append(args, now)
		}
		args = append(args, id, stage)

		res, err := tx.ExecContext(ctx,
			`UPDATE common_event SET `+strings.Join(sets, ", ")+` WHERE id = ? AND stage = ? AND failed = 0`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("advance event %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance event %d: %w", id, err)
		}
		applied = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		s.log.Debug("advance skipped", "event_id", id, "to", u.To, "from", u.From)
		return false, nil
	}
	metrics.StageTransitions.WithLabelValues(dir.String(), string(u.To)).Inc()
	return true, nil
}

// Requeue returns an outbound event claimed for processing to the received
// stage so the next poll retries it.
func (s *Store) Requeue(ctx context.Context, id int64) (bool, error) {
	return s.rewind(ctx, id, event.StageProcessing, event.StageReceived, false, nil)
}

// Redrive returns an outbound event whose delivery failed to committed so the
// delivery worker picks it up again. Its error count is kept. A delivery that
// was entered on screen without being recorded as done is refused with
// ErrAlreadyEntered, since entering it again would duplicate the results.
func (s *Store) Redrive(ctx context.Context, id int64) (bool, error) {
	return s.rewind(ctx, id, event.StageDelivering, event.StageCommitted, true, func(tx *sql.Tx) error {
		var entered bool
		err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM common_eventerror WHERE event_id = ? AND error_message LIKE ? || '%')
`, id, EnteredUnrecorded).Scan(&entered)
		if err != nil {
			return fmt.Errorf("check entry of event %d: %w", id, err)
		}
		if entered {
			return fmt.Errorf("%w: event %d: %s", ErrAlreadyEntered, id, EnteredUnrecorded)
		}
		return nil
	})
}

func (s *Store) rewind(ctx context.Context, id int64, from, to event.Stage, failed bool, guard func(*sql.Tx) error) (bool, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if guard != nil {
			if err := guard(tx); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
UPDATE common_event
SET stage = ?, status = ?, failed = 0, failed_stage = NULL, updated_at = ?
WHERE id = ? AND direction = ? AND stage = ? AND failed = ?
`,
			string(to), to.Code(), s.stamp(), id, string(event.Outbound), string(from), failed,
		)
		if err != nil {
			return fmt.Errorf("rewind event %d: %w", id, err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("rewind event %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.log.Debug("rewind skipped", "event_id", id, "from", from, "to", to)
		return false, nil
	}
	metrics.StageTransitions.WithLabelValues(event.Outbound.String(), string(to)).Inc()
	return true, nil
}

// CreateResponse marks the inbound event as answered and inserts the
// outbound event answering it, atomically. created is false when the inbound
// event does not exist or was already answered.
func (s *Store) CreateResponse(ctx context.Context, inboundID int64, n NewEvent) (id int64, created bool, err error) {
	if n.Direction != event.Outbound {
		return 0, false, fmt.Errorf("%w: a response must be outbound", ErrInvalidEvent)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		res, err := tx.ExecContext(ctx, `
UPDATE common_event SET responded_at = ?, updated_at = ?
WHERE id = ? AND direction = ? AND responded_at IS NULL
`, now, now, inboundID, string(event.Inbound))
		if err != nil {
			return fmt.Errorf("mark inbound %d answered: %w", inboundID, err)
		}
		marked, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark inbound %d answered: %w", inboundID, err)
		}
		if marked == 0 {
			return nil
		}
		id, err = s.insert(ctx, tx, n, inboundID)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if created {
		metrics.EventsCreated.WithLabelValues(n.Direction.String(), n.Kind).Inc()
	}
	return id, created, nil
}

// Query returns matching events ordered by receipt time, ties broken by id.
func (s *Store) Query(ctx context.Context, f Filter) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []interface{}
	)
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(f.Stage))
	}
	if f.AtLeast != "" {
		later := laterStages(f.Direction, f.AtLeast)
		if len(later) == 0 {
			return nil, nil
		}
		where = append(where, "stage IN ("+placeholders(len(later))+")")
		for _, st := range later {
			args = append(args, string(st))
		}
	}
	if f.Failed != nil {
		where = append(where, "failed = ?")
		args = append(args, *f.Failed)
	}
	if f.Unanswered {
		where = append(where, "responded_at IS NULL")
	}

	q := `SELECT ` + eventColumns + ` FROM common_event`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Descending {
		q += ` ORDER BY received_at DESC, id DESC`
	} else {
		q += ` ORDER BY received_at ASC, id ASC`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// laterStages lists st and every stage after it. Without a direction both
// lanes are searched.
func laterStages(d event.Direction, st event.Stage) []event.Stage {
	dirs := []event.Direction{d}
	if d == "" {
		dirs = []event.Direction{event.Inbound, event.Outbound}
	}
	var out []event.Stage
	for _, dir := range dirs {
		r := event.Rank(dir, st)
		if r < 0 {
			continue
		}
		out = append(out, event.Lane(dir)[r:]...)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(r rowScanner) (event.Event, error) {
	var (
		ev                               event.Event
		dir, stage, kind                 string
		failedStage                      sql.NullString
		raw, converted, response         sql.NullString
		received, updated                int64
		convertedAt, sentAt, respondedAt sql.NullInt64
		source                           sql.NullInt64
	)
	if err := r.Scan(
		&ev.ID,
		&received,
		&dir,
		&raw,
		&convertedAt,
		&converted,
		&sentAt,
		&response,
		&stage,
		&ev.Failed,
		&failedStage,
		&kind,
		&updated,
		&ev.ErrorCount,
		&source,
		&respondedAt,
	); err != nil {
		return event.Event{}, err
	}
	ev.Direction = event.Direction(dir)
	ev.Stage = event.Stage(stage)
	ev.FailedStage = event.Stage(failedStage.String)
	ev.Kind = kind
	ev.ReceivedAt = time.UnixMilli(received).UTC()
	ev.UpdatedAt = time.UnixMilli(updated).UTC()
	ev.ConvertedAt = fromMillis(convertedAt)
	ev.SentAt = fromMillis(sentAt)
	ev.RespondedAt = fromMillis(respondedAt)
	ev.SourceEventID = source.Int64

	var err error
	if ev.Raw, err = decodePayload(raw); err != nil {
		return event.Event{}, fmt.Errorf("decode raw payload of event %d: %w", ev.ID, err)
	}
	if ev.Converted, err = decodePayload(converted); err != nil {
		return event.Event{}, fmt.Errorf("decode converted payload of event %d: %w", ev.ID, err)
	}
	if ev.Response, err = decodePayload(response); err != nil {
		return event.Event{}, fmt.Errorf("decode response payload of event %d: %w", ev.ID, err)
	}
	return ev, nil
}

func encodePayload(p event.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodePayload(v sql.NullString) (event.Payload, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var p event.Payload
	if err := json.Unmarshal([]byte(v.String), &p); err != nil {
		return nil, err
	}
	return p, nil
}
