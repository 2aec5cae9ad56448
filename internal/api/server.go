package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/federation"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// Querier answers federated queries.
type Querier interface {
	Query(ctx context.Context, req federation.Request) (federation.Response, error)
}

// HealthFunc reports component state for the health endpoint.
type HealthFunc func() map[string]any

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type healthz struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// SearchParams is the query string of GET /v1/search.
type SearchParams struct {
	Q           string   `json:"q"`
	TopK        *int     `json:"top_k,omitempty"`
	Consistency *string  `json:"consistency,omitempty"`
	DeadlineMs  *int     `json:"deadline_ms,omitempty"`
	HopLimit    *int     `json:"hop_limit,omitempty"`
	Source      []string `json:"source,omitempty"`
}

type Server struct {
	querier Querier
	health  HealthFunc
	logger  *zap.Logger
}

// NewServer routes the query endpoints and a health check.
func NewServer(querier Querier, health HealthFunc, logger *zap.Logger) http.Handler {
	s := &Server{querier: querier, health: health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", s.query)
		r.Get("/search", s.search)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check requested")
	resp := healthz{Status: "running", Timestamp: time.Now().Format(time.RFC3339)}
	if s.health != nil {
		resp.Components = s.health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req federation.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.fail(w, r, types.InvalidQuery("decode request", fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)))
		return
	}
	s.answer(w, r, req)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var p SearchParams
	q := r.URL.Query()
	bind := []struct {
		name     string
		required bool
		dest     any
	}{
		{"q", true, &p.Q},
		{"top_k", false, &p.TopK},
		{"consistency", false, &p.Consistency},
		{"deadline_ms", false, &p.DeadlineMs},
		{"hop_limit", false, &p.HopLimit},
		{"source", false, &p.Source},
	}
	for _, b := range bind {
		if err := runtime.BindQueryParameter("form", true, b.required, b.name, q, b.dest); err != nil {
			s.fail(w, r, types.InvalidQuery("bind "+b.name, fmt.Errorf("%w: %v", types.ErrInvalidQuery, err)))
			return
		}
	}

	req := federation.Request{QueryText: p.Q, HopLimit: p.HopLimit, Sources: p.Source}
	if p.TopK != nil {
		req.TopK = *p.TopK
	}
	if p.Consistency != nil {
		req.Consistency = *p.Consistency
	}
	if p.DeadlineMs != nil {
		req.DeadlineMs = *p.DeadlineMs
	}
	s.answer(w, r, req)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, req federation.Request) {
	resp, err := s.querier.Query(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	status := http.StatusBadRequest
	if kind != types.KindInvalidQuery {
		status = http.StatusServiceUnavailable
		s.logger.Error("Query failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
