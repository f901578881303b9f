package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/monitoring"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
	"github.com/salonworks/storyline/internal/trigger"
)

const maxWebhookBody = 1 << 20

// submitter starts webhook work in the background. *trigger.Supervisor
// implements it.
type submitter interface {
	Submit(reqs []model.GenerationRequest) bool
}

// readStore is the slice of the store the HTTP API reads.
type readStore interface {
	store.LogStore
	GetAttempt(ctx context.Context, id string) (*model.GenerationAttempt, error)
	GetContent(ctx context.Context, id string) (*model.ContentItem, error)
	Ping(ctx context.Context) error
}

// server holds the HTTP handlers of the serve command.
type server struct {
	gen       trigger.Generator
	webhooks  submitter
	store     readStore
	collector *monitoring.Collector
	types     []model.ContentType
	origins   []string
	// breaker guards the text-generation API; nil when not wired.
	breaker *resilience.CircuitBreaker
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/report-inserted", s.handleReportInserted)
	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/logs", s.handleLogs)
		r.Get("/attempts/{id}", s.handleAttempt)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	body := map[string]string{"status": "ok"}
	if s.breaker != nil {
		state := s.breaker.State()
		body["llm_circuit"] = state.String()
		if state == resilience.CircuitOpen {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body trigger.ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.Request()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	res, err := s.gen.Generate(r.Context(), req)
	if err != nil {
		zap.L().Error("manual generate failed",
			zap.String("content_type", string(req.ContentType)),
			zap.Strings("report_ids", req.ReportIDs),
			zap.Error(err),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleReportInserted(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	payload, err := trigger.ParseReportInserted(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqs := payload.Requests(s.types)
	if !s.webhooks.Submit(reqs) {
		zap.L().Warn("webhook rejected, generation queue is full", zap.String("report_id", payload.Record.ID))
		writeError(w, http.StatusServiceUnavailable, "generation queue is full, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"report_id":     payload.Record.ID,
		"report_date":   payload.Record.ReportDate,
		"content_types": s.types,
	})
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := monitoring.GetLogs(r.Context(), s.store, filter)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// attemptView is an attempt with its stage log and published content.
type attemptView struct {
	Attempt *model.GenerationAttempt `json:"attempt"`
	Logs    []model.StageLogEntry    `json:"logs"`
	Content *model.ContentItem       `json:"content,omitempty"`
}

func (s *server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	view, err := loadAttempt(r.Context(), s.store, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func loadAttempt(ctx context.Context, st readStore, id string) (*attemptView, error) {
	attempt, err := st.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := st.QueryStageLogs(ctx, store.LogFilter{AttemptID: id})
	if err != nil {
		return nil, err
	}
	view := &attemptView{Attempt: attempt, Logs: logs}
	if attempt.ContentID != "" {
		content, err := st.GetContent(ctx, attempt.ContentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		view.Content = content
	}
	return view, nil
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// logFilterFromQuery reads attempt_id, stage, status, since (RFC 3339 or a
// duration such as 24h) and limit.
func logFilterFromQuery(r *http.Request) (store.LogFilter, error) {
	q := r.URL.Query()
	filter := store.LogFilter{
		AttemptID: q.Get("attempt_id"),
		Stage:     model.Stage(q.Get("stage")),
		Status:    model.StageStatus(q.Get("status")),
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now().UTC())
		if err != nil {
			return filter, err
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, &resilience.InvalidInputError{Reason: "limit must be a non-negative integer"}
		}
		filter.Limit = n
	}
	return filter, nil
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &resilience.InvalidInputError{Reason: "since must be RFC 3339 or a duration"}
	}
	return t, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case resilience.Kind(err) == model.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case resilience.IsConfiguration(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
