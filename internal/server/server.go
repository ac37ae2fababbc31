// Package server exposes the HTTP surface: event ingest, WebSocket ingest,
// replay, health, and dead-letter administration.
package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/reflex/errs"
	"github.com/coachpo/reflex/internal/observability"
	"github.com/coachpo/reflex/internal/schema"
	"github.com/coachpo/reflex/internal/store"
)

const maxIngestBody = 1 << 20

// Server routes ingest and admin traffic to the event store.
type Server struct {
	store    store.Store
	registry *schema.Registry
	limiter  *ipRateLimiter
}

// Option customizes a Server.
type Option func(*Server)

// WithServerRegistry overrides the event type registry used for ingest.
func WithServerRegistry(registry *schema.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithRateLimit caps ingest requests per client address.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.limiter = newIPRateLimiter(perSecond, burst) }
}

// New constructs a Server over the given store.
func New(st store.Store, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errs.New("server", errs.CodeInvalid, errs.WithMessage("nil store"))
	}
	s := &Server{
		store:    st,
		registry: schema.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/events", s.handlePublish)
	r.Get("/events/replay", s.handleReplay)
	r.Get("/dlq", s.handleDLQList)
	r.Post("/dlq/retry-all", s.handleDLQRetryAll)
	r.Post("/dlq/{id}/retry", s.handleDLQRetry)
	r.Get("/ws", s.handleWebSocket)
	return r
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.Log().Warn("response encode failed", observability.F("error", err))
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeConflict:
		status = http.StatusConflict
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePublish ingests one event. Republishing an id that is already stored
// reports duplicate instead of failing, so producers can retry blindly.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	evt, err := s.registry.Parse(body)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.Publish(r.Context(), evt); err != nil {
		if errs.IsCode(err, errs.CodeConflict) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "id": evt.EventID()})
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": evt.EventID()})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "start must be RFC3339"})
		return
	}
	var end time.Time
	if raw := query.Get("end"); raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "end must be RFC3339"})
			return
		}
	}
	var kinds []string
	if raw := query.Get("types"); raw != "" {
		kinds = strings.Split(raw, ",")
	}

	var events []json.RawMessage
	err = s.store.Replay(r.Context(), start, end, kinds, func(evt schema.Event) error {
		data, err := schema.Encode(evt)
		if err != nil {
			return err
		}
		events = append(events, data)
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

type dlqEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	records, err := s.store.DLQList(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	entries := make([]dlqEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, dlqEntry{
			ID:        record.ID,
			Type:      record.Type,
			Source:    record.Source,
			Attempts:  record.Attempts,
			Error:     record.Error,
			CreatedAt: record.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(entries), "events": entries})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	moved, err := s.store.DLQRetry(r.Context(), eventID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !moved {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "event not in dead-letter queue"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": eventID})
}

func (s *Server) handleDLQRetryAll(w http.ResponseWriter, r *http.Request) {
	moved, err := s.store.DLQRetryAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "requeued", "moved": moved})
}
