package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/config"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/delivery"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/engine"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/metrics"
	"github.com/gyaneshwarpardhi/partnerbridge/internal/store"
)

const (
	defaultKind  = "patient_extraction"
	maxListLimit = 500
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, loader *config.Loader, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{eng: eng, loader: loader, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.createEvent)
	h.mux.HandleFunc("GET /v1/events", h.listEvents)
	h.mux.HandleFunc("GET /v1/events/{id}", h.getEvent)
	h.mux.HandleFunc("POST /v1/events/{id}/advance", h.advanceEvent)
	h.mux.HandleFunc("POST /v1/results/process", h.processResults)
	h.mux.HandleFunc("POST /v1/deliveries/process", h.processDeliveries)
	h.mux.HandleFunc("POST /v1/deliveries/{id}/redrive", h.redrive)
	h.mux.HandleFunc("GET /v1/deliveries/busy", h.deliveryBusy)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(log.With("component", "api"), h.mux)
}

type createEventRequest struct {
	Kind       string        `json:"kind"`
	RawPayload event.Payload `json:"raw_payload"`
}

// POST /v1/events: store a new inbound event from the extraction feed.
func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Kind == "" {
		req.Kind = defaultKind
	}
	id, err := h.eng.Store().Create(r.Context(), store.NewEvent{
		Direction: event.Inbound,
		Kind:      req.Kind,
		Raw:       req.RawPayload,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// GET /v1/events: filtered listing, oldest first unless order=desc.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := h.eng.Store().Query(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(evs),
		"events": evs,
	})
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{Limit: 100, Descending: q.Get("order") == "desc"}

	if v := q.Get("direction"); v != "" {
		d, ok := parseDirection(v)
		if !ok {
			return f, fmt.Errorf("unknown direction %q", v)
		}
		f.Direction = d
	}
	if v := q.Get("stage"); v != "" {
		if f.Direction == "" {
			return f, errors.New("stage filter requires direction")
		}
		st, ok := event.ParseStage(f.Direction, v)
		if !ok {
			return f, fmt.Errorf("unknown %s stage %q", f.Direction, v)
		}
		f.Stage = st
	}
	if v := q.Get("failed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid failed flag %q", v)
		}
		f.Failed = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func parseDirection(v string) (event.Direction, bool) {
	switch strings.ToLower(v) {
	case "i", "inbound":
		return event.Inbound, true
	case "o", "outbound":
		return event.Outbound, true
	}
	return "", false
}

// GET /v1/events/{id}: one event with its error trail.
func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.lookup(w, r)
	if !ok {
		return
	}
	recs, err := h.eng.Store().Errors(r.Context(), ev.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []event.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":  ev,
		"status": ev.Status(),
		"errors": recs,
	})
}

type advanceRequest struct {
	Stage            string        `json:"stage"`
	From             string        `json:"from"`
	ConvertedPayload event.Payload `json:"converted_payload"`
	ResponsePayload  event.Payload `json:"response_payload"`
}

// POST /v1/events/{id}/advance: converter/transport hook moving an inbound
// event forward.
func (h *Handler) advanceEvent(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	ev, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if ev.Direction == event.Outbound {
		writeError(w, http.StatusConflict, "outbound events are advanced by the result processor and delivery worker only")
		return
	}
	to, valid := event.ParseStage(ev.Direction, req.Stage)
	if !valid {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown %s stage %q", ev.Direction, req.Stage))
		return
	}
	u := store.Update{To: to, Converted: req.ConvertedPayload, Response: req.ResponsePayload}
	if req.From != "" {
		from, valid := event.ParseStage(ev.Direction, req.From)
		if !valid {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown %s stage %q", ev.Direction, req.From))
			return
		}
		u.From = from
	}

	advanced, err := h.eng.Store().Advance(r.Context(), ev.ID, u)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !advanced {
		writeError(w, http.StatusConflict, "event is no longer at the expected stage")
		return
	}
	updated, _, err := h.eng.Store().Get(r.Context(), ev.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// POST /v1/results/process: process pending partner results now.
func (h *Handler) processResults(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.ProcessResults(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"committed": n})
}

// POST /v1/deliveries/process: drain committed results now; 409 while a
// delivery is already running.
func (h *Handler) processDeliveries(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.DeliverPending(r.Context())
	if errors.Is(err, delivery.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": n})
}

// POST /v1/deliveries/{id}/redrive: return a failed delivery to the queue.
func (h *Handler) redrive(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.lookup(w, r)
	if !ok {
		return
	}
	redriven, err := h.eng.Redrive(r.Context(), ev.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !redriven {
		writeError(w, http.StatusConflict, fmt.Sprintf("event %d is not a failed delivery", ev.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"redriven": true, "id": ev.ID})
}

// GET /v1/deliveries/busy: whether an on-screen entry is in flight.
func (h *Handler) deliveryBusy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"busy": h.eng.DeliveryBusy()})
}

// GET /v1/stats: event counts per state plus worker status.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.eng.Store().Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.EventsByState.Reset()
	for _, b := range st.Buckets {
		metrics.EventsByState.
			WithLabelValues(b.Direction.String(), string(b.Stage), strconv.FormatBool(b.Failed)).
			Set(float64(b.Count))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":        st,
		"workers":       h.eng.Workers(),
		"delivery_busy": h.eng.DeliveryBusy(),
	})
}

// POST /v1/config/reload: re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  cfg.Version,
		"workers":  h.eng.Workers(),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the store is unreachable or the notification queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := h.eng.Store().Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "store unavailable",
			"error":  err.Error(),
		})
		return
	}
	util := h.eng.QueueUtilization()
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

// lookup resolves the {id} path value, writing 400/404 itself.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (event.Event, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid event id %q", r.PathValue("id")))
		return event.Event{}, false
	}
	ev, found, err := h.eng.Store().Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return event.Event{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("event %d not found", id))
		return event.Event{}, false
	}
	return ev, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrAlreadyEntered):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
