// Package api serves acquisition requests and run progress over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	chicors "github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/monitoring"
	"github.com/sells-group/parcel-cli/internal/pipeline"
	"github.com/sells-group/parcel-cli/internal/store"
)

const maxParcelsPerRequest = 500

// Runner executes one acquisition batch.
type Runner interface {
	Run(ctx context.Context, requests []model.AcquisitionRequest, opts pipeline.RunOptions) (*model.BatchReport, error)
}

// RunStore is the slice of the store the API reads and writes.
type RunStore interface {
	CreateRun(ctx context.Context, kind model.RunKind, requested int) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// MetricsCollector produces health snapshots for GET /status.
type MetricsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	// Metrics enables GET /status when set.
	Metrics MetricsCollector
	// RequestTimeout bounds synchronous handlers, not background runs.
	RequestTimeout time.Duration
}

// Server accepts acquisition requests and runs them in the background.
type Server struct {
	runner Runner
	runs   RunStore
	bind   *binder
	opts   Options
	log    *zap.Logger

	// base outlives individual requests; background runs derive from it.
	base context.Context

	mu   sync.Mutex
	live map[string]*pipeline.Tracker
	wg   sync.WaitGroup
}

// NewServer creates a Server. Background runs are cancelled when ctx is.
func NewServer(ctx context.Context, runner Runner, runs RunStore, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		runner: runner,
		runs:   runs,
		bind:   newBinder(),
		opts:   opts,
		log:    zap.L().With(zap.String("component", "api")),
		base:   ctx,
		live:   make(map[string]*pipeline.Tracker),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chicors.Handler(chicors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(chimw.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.health)
	r.Post("/acquisitions", s.createAcquisition)
	r.Get("/acquisitions/{id}", s.getAcquisition)
	r.Get("/runs", s.listRuns)
	if s.opts.Metrics != nil {
		r.Get("/status", s.status)
	}
	return r
}

// Wait blocks until every background run has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// acquireRequest is the POST /acquisitions body. Exactly one of ParcelIDs or
// Requests is expected; when both are set they are concatenated.
type acquireRequest struct {
	ParcelIDs []string                   `json:"parcel_ids" validate:"required_without=Requests,omitempty,min=1,max=500,dive,required"`
	Requests  []model.AcquisitionRequest `json:"requests" validate:"required_without=ParcelIDs,omitempty,min=1,max=500,dive"`
	Force     bool                       `json:"force"`
}

func (a acquireRequest) toRequests() []model.AcquisitionRequest {
	out := make([]model.AcquisitionRequest, 0, len(a.ParcelIDs)+len(a.Requests))
	for _, id := range a.ParcelIDs {
		out = append(out, model.AcquisitionRequest{Identifier: id})
	}
	return append(out, a.Requests...)
}

type acquireResponse struct {
	RunID     string           `json:"run_id"`
	State     model.BatchState `json:"state"`
	Requested int              `json:"requested"`
}

// progressResponse is returned while a run is still tracked in memory.
type progressResponse struct {
	RunID    string         `json:"run_id"`
	Progress model.Progress `json:"progress"`
	Run      *model.Run     `json:"run,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createAcquisition(w http.ResponseWriter, r *http.Request) {
	var body acquireRequest
	if err := s.bind.bindJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reqs := body.toRequests()
	if len(reqs) > maxParcelsPerRequest {
		writeError(w, http.StatusBadRequest, "at most 500 parcels per request")
		return
	}

	run, err := s.runs.CreateRun(r.Context(), model.RunAcquisition, len(reqs))
	if err != nil {
		s.log.Error("api: create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create run")
		return
	}

	tracker := &pipeline.Tracker{}
	s.mu.Lock()
	s.live[run.ID] = tracker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(run.ID)

		report, err := s.runner.Run(s.base, reqs, pipeline.RunOptions{
			Force:    body.Force,
			Progress: tracker.Update,
			RunID:    run.ID,
		})
		if err != nil {
			s.log.Error("api: acquisition failed", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		s.log.Info("api: acquisition complete",
			zap.String("run_id", run.ID),
			zap.Int("succeeded", len(report.Succeeded)),
			zap.Int("failed", len(report.Failed)),
			zap.Int("created", report.Counts.Created),
			zap.Int("updated", report.Counts.Updated),
		)
	}()

	writeJSON(w, http.StatusAccepted, acquireResponse{
		RunID:     run.ID,
		State:     model.StatePending,
		Requested: len(reqs),
	})
}

func (s *Server) getAcquisition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	tracker, ok := s.live[id]
	s.mu.Unlock()
	if ok {
		p, seen := tracker.Snapshot()
		if !seen {
			p = model.Progress{State: model.StatePending}
		}
		writeJSON(w, http.StatusOK, progressResponse{RunID: id, Progress: p})
		return
	}

	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.log.Error("api: get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{RunID: id, Progress: progressOf(run), Run: run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.RunFilter{
		State: model.BatchState(q.Get("state")),
		Kind:  model.RunKind(q.Get("kind")),
		Limit: 50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	snap, err := s.opts.Metrics.Collect(r.Context(), hours)
	if err != nil {
		s.log.Error("api: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// progressOf derives a final snapshot from a persisted run.
func progressOf(run *model.Run) model.Progress {
	p := model.Progress{State: run.State, Total: run.Requested}
	if run.Report == nil {
		return p
	}
	p.Completed = len(run.Report.Succeeded) + len(run.Report.Failed)
	p.Failed = len(run.Report.Failed)
	p.Skipped = run.Report.Counts.SkippedStale
	p.Created = run.Report.Counts.Created
	p.Updated = run.Report.Counts.Updated
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
