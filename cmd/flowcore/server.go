package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"flowcore"
	"flowcore/flows"
	"flowcore/monitors"
	"flowcore/nodes"
)

const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// server runs one flow on request. Runs started in the background use the
// server's context so shutdown cancels them.
type server struct {
	app  *app
	flow *flows.AsyncFlow
	ctx  context.Context
	wg   sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*runState
}

type runState struct {
	events *monitors.Recorder

	mu       sync.Mutex
	id       string
	status   string
	action   string
	err      string
	shared   map[string]any
	started  time.Time
	finished time.Time
}

type runJSON struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	Action   string         `json:"action,omitempty"`
	Error    string         `json:"error,omitempty"`
	Shared   map[string]any `json:"shared,omitempty"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
}

type eventJSON struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	FlowID    string    `json:"flow_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Depth     int       `json:"depth"`
	Step      int       `json:"step"`
	Node      string    `json:"node"`
	Action    string    `json:"action,omitempty"`
	Next      string    `json:"next,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Wait      string    `json:"wait,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newServer(ctx context.Context, a *app, flow *flows.AsyncFlow) *server {
	return &server{app: a, flow: flow, ctx: ctx, runs: make(map[string]*runState)}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", s.handleNodes)
		r.Get("/graph", s.handleGraph)
		r.Post("/run", s.handleRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleEvents)
	})
	if s.app.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.app.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.app.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// wait blocks until every background run has returned.
func (s *server) wait() { s.wg.Wait() }

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, nodes.RegisteredNodes())
}

func (s *server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"name":  s.flow.Name(),
		"start": flows.UnitName(s.flow.StartUnit()),
		"edges": graphEdges(s.flow.StartUnit()),
	})
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	shared := flowcore.Shared{}
	if err := json.NewDecoder(r.Body).Decode(&shared); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object: "+err.Error())
		return
	}
	if shared == nil {
		shared = flowcore.Shared{}
	}

	rs := &runState{
		events:  monitors.NewRecorder(),
		id:      uuid.NewString(),
		status:  statusRunning,
		started: time.Now(),
	}
	s.mu.Lock()
	s.runs[rs.id] = rs
	s.mu.Unlock()

	if r.URL.Query().Get("wait") == "true" {
		s.execute(r.Context(), rs, shared)
		writeJSONResponse(w, http.StatusOK, rs.snapshot())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, rs, shared)
	}()
	w.Header().Set("Location", "/api/runs/"+rs.id)
	writeJSONResponse(w, http.StatusAccepted, rs.snapshot())
}

func (s *server) execute(ctx context.Context, rs *runState, shared flowcore.Shared) {
	if t := s.app.cfg.Engine.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	opts := append(s.app.runOptions(rs.events), flows.WithRunID(rs.id))
	action, err := flows.RunAsync(ctx, s.flow, shared, opts...)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.finished = time.Now()
	rs.action = string(action)
	rs.shared = maps.Clone(shared)
	if err != nil {
		rs.status = statusFailed
		rs.err = err.Error()
		return
	}
	rs.status = statusCompleted
}

func (rs *runState) snapshot() runJSON {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := runJSON{
		RunID:   rs.id,
		Status:  rs.status,
		Action:  rs.action,
		Error:   rs.err,
		Shared:  rs.shared,
		Started: rs.started,
	}
	if !rs.finished.IsZero() {
		finished := rs.finished
		out.Finished = &finished
	}
	return out
}

func (s *server) lookup(r *http.Request) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[chi.URLParam(r, "id")]
	return rs, ok
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.app.checkpoints.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	writeJSONResponse(w, http.StatusOK, rs.snapshot())
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	events := rs.events.Events()
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		e := eventJSON{
			Type:      string(ev.Type),
			Timestamp: ev.Timestamp,
			FlowID:    ev.FlowID,
			ParentID:  ev.ParentID,
			StepID:    ev.StepID,
			Depth:     ev.Depth,
			Step:      ev.Step,
			Node:      ev.Node,
			Action:    string(ev.Action),
			Next:      ev.Next,
			Attempt:   ev.Attempt,
			Message:   ev.Message,
		}
		if ev.Wait > 0 {
			e.Wait = ev.Wait.String()
		}
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
		out = append(out, e)
	}
	writeJSONResponse(w, http.StatusOK, out)
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}
