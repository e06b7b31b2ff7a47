package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
)

// tickClock returns a clock that advances one millisecond per call.
func tickClock(start time.Time) func() time.Time {
	var (
		mu  sync.Mutex
		cur = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func openTempStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	opts = append([]Option{WithClock(tickClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return s
}

func mustCreate(t *testing.T, s *Store, n NewEvent) int64 {
	t.Helper()
	id, err := s.Create(context.Background(), n)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func mustGet(t *testing.T, s *Store, id int64) event.Event {
	t.Helper()
	ev, ok, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	if !ok {
		t.Fatalf("get %d: not found", id)
	}
	return ev
}

func outbound(raw event.Payload) NewEvent {
	return NewEvent{Direction: event.Outbound, Kind: "results", Raw: raw}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.sqlite")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("ping #%d: %v", i+1, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close #%d: %v", i+1, err)
		}
	}
}

func TestCreateDefaults(t *testing.T) {
	s := openTempStore(t)

	id := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", Raw: event.Payload{"patient": "p-1"}})
	ev := mustGet(t, s, id)

	if ev.Stage != event.StageCreated {
		t.Errorf("stage = %s, want created", ev.Stage)
	}
	if ev.Status() != 0 {
		t.Errorf("status = %d, want 0", ev.Status())
	}
	if ev.ErrorCount != 0 || ev.Failed {
		t.Errorf("fresh event has error_count=%d failed=%v", ev.ErrorCount, ev.Failed)
	}
	if ev.Raw["patient"] != "p-1" {
		t.Errorf("raw payload = %v", ev.Raw)
	}
	if ev.Converted != nil || !ev.ConvertedAt.IsZero() || !ev.SentAt.IsZero() {
		t.Errorf("fresh event has conversion data: %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("received_at not set")
	}
}

func TestCreateValidation(t *testing.T) {
	s := openTempStore(t)
	cases := []struct {
		name string
		n    NewEvent
	}{
		{"unknown direction", NewEvent{Direction: "X", Kind: "k"}},
		{"missing kind", NewEvent{Direction: event.Outbound, Kind: " "}},
		{"stage of other lane", NewEvent{Direction: event.Outbound, Kind: "k", Stage: event.StageConverted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tc.n)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	s := openTempStore(t)
	_, ok, err := s.Get(context.Background(), 999)
	if err != nil || ok {
		t.Fatalf("Get(999) = ok %v err %v, want not found", ok, err)
	}
}

func TestAdvanceWritesConvertedPayload(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, outbound(event.Payload{"data": "raw"}))

	if ok, err := s.Advance(ctx, id, Update{To: event.StageProcessing}); err != nil || !ok {
		t.Fatalf("claim: ok %v err %v", ok, err)
	}
	summary := event.Payload{
		"patient": "Doe, Jane",
		"assessments": []interface{}{
			map[string]interface{}{"name": "PHQ-9", "total": float64(12)},
		},
	}
	if ok, err := s.Advance(ctx, id, Update{To: event.StageCommitted, Converted: summary}); err != nil || !ok {
		t.Fatalf("commit: ok %v err %v", ok, err)
	}

	ev := mustGet(t, s, id)
	if ev.Status() != 100 {
		t.Errorf("status = %d, want 100", ev.Status())
	}
	if ev.Converted["patient"] != "Doe, Jane" {
		t.Errorf("converted payload = %v", ev.Converted)
	}
	items, _ := ev.Converted["assessments"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("assessments = %v", ev.Converted["assessments"])
	}
	if ev.ConvertedAt.IsZero() {
		t.Error("converted_at not set")
	}
}

func TestAdvanceInboundStampsTimes(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request"})

	if _, err := s.Advance(ctx, id, Update{To: event.StageConverted}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	first := mustGet(t, s, id).ConvertedAt
	if first.IsZero() {
		t.Fatal("converted_at not set on converted")
	}
	if _, err := s.Advance(ctx, id, Update{To: event.StageSent}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ev := mustGet(t, s, id)
	if !ev.ConvertedAt.Equal(first) {
		t.Errorf("converted_at moved from %v to %v", first, ev.ConvertedAt)
	}
	if ev.SentAt.IsZero() {
		t.Error("sent_at not set on sent")
	}
	if ev.Status() != 40 {
		t.Errorf("status = %d, want 40", ev.Status())
	}
}

func TestAdvanceRejectsInvalidTransitions(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	committed := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", Stage: event.StageCommitted})
	received := mustCreate(t, s, outbound(nil))

	cases := []struct {
		name string
		id   int64
		u    Update
	}{
		{"backwards", committed, Update{To: event.StageReceived}},
		{"same stage", committed, Update{To: event.StageCommitted}},
		{"other lane", received, Update{To: event.StageComplete}},
		{"converted too early", received, Update{To: event.StageProcessing, Converted: event.Payload{"x": 1}}},
		{"outbound skips to done", received, Update{To: event.StageDone}},
		{"outbound skips processing", received, Update{To: event.StageCommitted, Converted: event.Payload{"x": 1}}},
		{"outbound skips delivering", committed, Update{To: event.StageDone}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Advance(ctx, tc.id, tc.u)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
	if ev := mustGet(t, s, received); ev.Stage != event.StageReceived || ev.Converted != nil {
		t.Errorf("rejected advances changed the event: %+v", ev)
	}
}

func TestAdvanceCompareAndSwap(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, outbound(nil))

	ok, err := s.Advance(ctx, id, Update{From: event.StageReceived, To: event.StageProcessing})
	if err != nil || !ok {
		t.Fatalf("first claim: ok %v err %v", ok, err)
	}
	ok, err = s.Advance(ctx, id, Update{From: event.StageReceived, To: event.StageProcessing})
	if err != nil || ok {
		t.Fatalf("second claim: ok %v err %v, want no-op", ok, err)
	}
	ok, err = s.Advance(ctx, 4242, Update{To: event.StageProcessing})
	if err != nil || ok {
		t.Fatalf("missing id: ok %v err %v, want no-op", ok, err)
	}
}

func TestRecordFailureEscalatesAtCap(t *testing.T) {
	cases := []struct {
		name       string
		failures   int
		wantFailed bool
		wantStatus int
	}{
		{"below cap", 3, false, 10},
		{"at cap", 4, true, -10},
		{"beyond cap", 6, true, -10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openTempStore(t)
			ctx := context.Background()
			id := mustCreate(t, s, outbound(nil))

			var escalated bool
			for i := 0; i < tc.failures; i++ {
				var err error
				escalated, err = s.RecordFailure(ctx, id, "boom")
				if err != nil {
					t.Fatalf("record failure: %v", err)
				}
			}
			if escalated != tc.wantFailed {
				t.Errorf("escalated = %v, want %v", escalated, tc.wantFailed)
			}
			ev := mustGet(t, s, id)
			if ev.Failed != tc.wantFailed {
				t.Errorf("failed = %v, want %v", ev.Failed, tc.wantFailed)
			}
			if ev.Status() != tc.wantStatus {
				t.Errorf("status = %d, want %d", ev.Status(), tc.wantStatus)
			}
			if ev.ErrorCount != tc.failures {
				t.Errorf("error_count = %d, want %d", ev.ErrorCount, tc.failures)
			}
			recs, err := s.Errors(ctx, id)
			if err != nil {
				t.Fatalf("errors: %v", err)
			}
			if len(recs) != ev.ErrorCount {
				t.Errorf("error records = %d, error_count = %d", len(recs), ev.ErrorCount)
			}
		})
	}
}

func TestRecordFailureCustomCap(t *testing.T) {
	s := openTempStore(t, WithMaxErrors(1))
	id := mustCreate(t, s, outbound(nil))
	escalated, err := s.RecordFailure(context.Background(), id, "")
	if err != nil || !escalated {
		t.Fatalf("escalated %v err %v, want escalation on first failure", escalated, err)
	}
	recs, _ := s.Errors(context.Background(), id)
	if len(recs) != 1 || recs[0].Message != "unknown error" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRecordFailureUnknownEvent(t *testing.T) {
	s := openTempStore(t)
	escalated, err := s.RecordFailure(context.Background(), 77, "boom")
	if err != nil || escalated {
		t.Fatalf("escalated %v err %v, want silent no-op", escalated, err)
	}
}

func TestFailedEventCannotAdvance(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", Stage: event.StageDelivering})

	if ok, err := s.Fail(ctx, id, "actuator refused"); err != nil || !ok {
		t.Fatalf("fail: ok %v err %v", ok, err)
	}
	ev := mustGet(t, s, id)
	if ev.Status() != -150 || ev.FailedStage != event.StageDelivering {
		t.Fatalf("status = %d failed_stage = %s", ev.Status(), ev.FailedStage)
	}
	if _, err := s.Advance(ctx, id, Update{To: event.StageDone}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance failed event: %v", err)
	}
}

func TestRequeueAndRedrive(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	claimed := mustCreate(t, s, outbound(nil))
	if _, err := s.Advance(ctx, claimed, Update{To: event.StageProcessing}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := s.Requeue(ctx, claimed); err != nil || !ok {
		t.Fatalf("requeue: ok %v err %v", ok, err)
	}
	if st := mustGet(t, s, claimed).Stage; st != event.StageReceived {
		t.Errorf("requeued stage = %s", st)
	}
	if ok, _ := s.Requeue(ctx, claimed); ok {
		t.Error("requeue of received event applied")
	}

	delivering := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", Stage: event.StageDelivering})
	if ok, _ := s.Redrive(ctx, delivering); ok {
		t.Error("redrive of healthy event applied")
	}
	if _, err := s.Fail(ctx, delivering, "timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if ok, err := s.Redrive(ctx, delivering); err != nil || !ok {
		t.Fatalf("redrive: ok %v err %v", ok, err)
	}
	ev := mustGet(t, s, delivering)
	if ev.Failed || ev.Stage != event.StageCommitted || ev.Status() != 100 {
		t.Errorf("redriven event = stage %s failed %v status %d", ev.Stage, ev.Failed, ev.Status())
	}
	if ev.ErrorCount != 1 {
		t.Errorf("error_count = %d, want 1 after redrive", ev.ErrorCount)
	}
}

func TestCreateResponseOnce(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	in := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request"})

	id, created, err := s.CreateResponse(ctx, in, outbound(event.Payload{"ok": true}))
	if err != nil || !created {
		t.Fatalf("first response: created %v err %v", created, err)
	}
	_, created, err = s.CreateResponse(ctx, in, outbound(nil))
	if err != nil || created {
		t.Fatalf("second response: created %v err %v, want no-op", created, err)
	}
	if _, created, _ := s.CreateResponse(ctx, 999, outbound(nil)); created {
		t.Error("response to missing inbound created")
	}
	if _, _, err := s.CreateResponse(ctx, in, NewEvent{Direction: event.Inbound, Kind: "x"}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("inbound response err = %v", err)
	}

	resp := mustGet(t, s, id)
	if resp.SourceEventID != in || resp.Stage != event.StageReceived {
		t.Errorf("response = %+v", resp)
	}
	if mustGet(t, s, in).RespondedAt.IsZero() {
		t.Error("inbound responded_at not set")
	}
	unanswered, err := s.Query(ctx, Filter{Direction: event.Inbound, Unanswered: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(unanswered) != 0 {
		t.Errorf("unanswered = %d, want 0", len(unanswered))
	}
}

func TestQueryOrdering(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	late := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", ReceivedAt: base.Add(time.Minute)})
	tieA := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", ReceivedAt: base})
	tieB := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", ReceivedAt: base})
	mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", ReceivedAt: base})

	got, err := s.Query(ctx, Filter{Direction: event.Outbound, Stage: event.StageReceived})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []int64{tieA, tieB, late}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: id %d, want %d", i, got[i].ID, id)
		}
	}

	newest, err := s.Query(ctx, Filter{Direction: event.Outbound, Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(newest) != 1 || newest[0].ID != late {
		t.Errorf("newest = %+v", newest)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request"})
	converted := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", Stage: event.StageConverted})
	sent := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", Stage: event.StageSent})
	broken := mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", Stage: event.StageReady})
	if _, err := s.Fail(ctx, broken, "bad"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	healthy := false
	got, err := s.Query(ctx, Filter{Direction: event.Inbound, AtLeast: event.StageConverted, Failed: &healthy})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != converted || got[1].ID != sent {
		t.Fatalf("AtLeast converted = %+v", got)
	}

	failed := true
	got, err = s.Query(ctx, Filter{Failed: &failed})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != broken {
		t.Fatalf("failed = %+v", got)
	}

	got, err = s.Query(ctx, Filter{Direction: event.Inbound, AtLeast: event.StageDone})
	if err != nil || len(got) != 0 {
		t.Fatalf("stage of other lane = %+v err %v", got, err)
	}
}

func TestStats(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()

	mustCreate(t, s, outbound(nil))
	mustCreate(t, s, outbound(nil))
	mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", Stage: event.StageCommitted})
	bad := mustCreate(t, s, outbound(nil))
	if _, err := s.Fail(ctx, bad, "bad"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request"})
	mustCreate(t, s, NewEvent{Direction: event.Inbound, Kind: "assessment_request", Stage: event.StageConverted})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.OutboundPending != 2 || st.OutboundComplete != 1 || st.OutboundFailed != 1 {
		t.Errorf("outbound counters = %+v", st)
	}
	if st.InboundTotal != 2 || st.InboundComplete != 1 {
		t.Errorf("inbound counters = %+v", st)
	}
	if st.Totals["outbound"] != 4 || st.Totals["inbound"] != 2 {
		t.Errorf("totals = %v", st.Totals)
	}
}

func TestRedriveRefusesEnteredDelivery(t *testing.T) {
	s := openTempStore(t)
	ctx := context.Background()
	id := mustCreate(t, s, NewEvent{Direction: event.Outbound, Kind: "results", Stage: event.StageDelivering})

	if _, err := s.Fail(ctx, id, EnteredUnrecorded+": disk I/O error"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	ok, err := s.Redrive(ctx, id)
	if ok || !errors.Is(err, ErrAlreadyEntered) {
		t.Fatalf("redrive: ok %v err %v, want ErrAlreadyEntered", ok, err)
	}
	if ev := mustGet(t, s, id); !ev.Failed || ev.Status() != -150 {
		t.Errorf("status = %d, want -150", ev.Status())
	}
}
