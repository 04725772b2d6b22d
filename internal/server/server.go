// Package server exposes the HTTP surface: block requests, strategy
// polling, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/melodydashora/vecto-pilot/internal/circuitbreaker"
	"github.com/melodydashora/vecto-pilot/internal/idempotency"
	"github.com/melodydashora/vecto-pilot/internal/metrics"
	"github.com/melodydashora/vecto-pilot/internal/pipeline"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

// Server wires the orchestrator to its HTTP routes.
type Server struct {
	orch     *pipeline.Orchestrator
	store    store.Store
	guard    *idempotency.Guard
	breakers *circuitbreaker.Registry
	metrics  *metrics.Metrics
	log      *zap.Logger
	router   *httprouter.Router
}

func New(orch *pipeline.Orchestrator, st store.Store, guard *idempotency.Guard, breakers *circuitbreaker.Registry, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		orch:     orch,
		store:    st,
		guard:    guard,
		breakers: breakers,
		metrics:  m,
		log:      log,
		router:   httprouter.New(),
	}

	s.router.POST("/blocks", s.handleBlocks)
	s.router.GET("/blocks", s.handleBlocksGet)
	s.router.GET("/blocks/strategy/:snapshot_id", s.handleStrategy)
	s.router.GET("/healthz", s.handleHealth)
	if m != nil {
		s.router.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type blocksRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req blocksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SnapshotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": pipeline.CodeSnapshotRequired})
		return
	}

	key := r.Header.Get("x-idempotency-key")
	if key == "" {
		key = req.SnapshotID
	}

	outcome := s.guard.Check(r.Context(), key)
	switch outcome.Result {
	case idempotency.ResultCached, idempotency.ResultWaited:
		if s.metrics != nil {
			s.metrics.IdemHits.Inc()
		}
		idempotency.ReplayResponse(w, outcome.Response)
		return
	case idempotency.ResultAborted:
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": "request cancelled"})
		return
	}

	cw := idempotency.NewCapturingWriter(w)
	completed := s.runBlocks(cw, r.Context(), req.SnapshotID)
	if completed {
		s.guard.RecordResponse(outcome.Key, cw.ToStoredResponse())
	} else {
		s.guard.CancelInFlight(outcome.Key)
	}
}

// runBlocks writes the pipeline result. It reports false when the
// outcome should not complete the idempotency entry (client went away).
func (s *Server) runBlocks(w http.ResponseWriter, ctx context.Context, snapshotID string) bool {
	resp, err := s.orch.Run(ctx, snapshotID)
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return true
	}
	if errors.Is(err, pipeline.ErrPending) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	s.writePipelineError(w, snapshotID, err)
	return true
}

func (s *Server) handleBlocksGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshotID := r.URL.Query().Get("snapshotId")
	if snapshotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": pipeline.CodeSnapshotRequired})
		return
	}

	resp, err := s.orch.Replay(r.Context(), snapshotID)
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if errors.Is(err, pipeline.ErrPending) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	s.writePipelineError(w, snapshotID, err)
}

// handleStrategy serves polling clients. The ETag is the row's
// updated_at in nanoseconds, so any write invalidates it.
func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snapshotID := ps.ByName("snapshot_id")

	strategy, err := s.store.GetStrategy(r.Context(), snapshotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		s.log.Error("strategy read failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": pipeline.CodePersistFailed})
		return
	}

	etag := fmt.Sprintf("%q", strconv.FormatInt(strategy.UpdatedAt.UnixNano(), 10))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)

	switch strategy.Status {
	case store.StatusPending:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case store.StatusFailed:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":     "failed",
			"error_code": strategy.ErrorCode,
		})
	default:
		body := map[string]string{"status": "ok", "strategy": strategy.ConsolidatedStrategy}
		if strategy.ConsolidatedStrategy == "" {
			body["strategy"] = strategy.MinStrategy
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	if s.breakers != nil {
		body["providers"] = s.breakers.Snapshots()
	}
	if err := s.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writePipelineError(w http.ResponseWriter, snapshotID string, err error) {
	status := pipeline.HTTPStatus(err)
	code := "internal_error"
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		code = pe.Code
	}
	if status >= 500 {
		s.log.Error("pipeline failed",
			zap.String("snapshot_id", snapshotID),
			zap.String("code", code),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
