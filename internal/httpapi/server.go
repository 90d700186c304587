// Package httpapi implements the kernel's inbound surface from spec.md §6:
// task submission, status/record retrieval, SSE and WebSocket event
// streaming, log pagination, artifact listing, and cancellation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/plan"
	"github.com/soulbrowser/kernel/internal/ratelimit"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

// TaskRunner starts a task's execution asynchronously; Server owns none of
// the execution machinery directly, keeping this package a thin adapter
// over internal/executor, internal/registry, and internal/eventbus.
type TaskRunner interface {
	// Submit starts a new task for req under tenantID/sessionID (sessionID
	// empty starts a new session under a generated id) and returns
	// its task id immediately; execution proceeds in the background on the
	// returned task's Bus.
	Submit(ctx context.Context, tenantID, sessionID string, req plan.Request) (taskID string, err error)
	// Cancel cancels taskID's in-flight run, if any.
	Cancel(taskID string) error
	// Record returns the full task record for GET /tasks/{id}.
	Record(taskID string) (TaskRecord, error)
}

// TaskRecord is the payload GET /tasks/{id} returns.
type TaskRecord struct {
	TaskID    string         `json:"task_id"`
	Status    string         `json:"status"`
	Plan      plan.Plan      `json:"plan"`
	Artifacts []ArtifactMeta `json:"artifacts"`
}

// ArtifactMeta describes one stored artifact for GET /tasks/{id}/artifacts.
type ArtifactMeta struct {
	Name      string    `json:"name"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Server wires the HTTP/WebSocket surface over a TaskRunner and the
// eventbus.Registry the runner publishes task events on.
type Server struct {
	runner  TaskRunner
	buses   *eventbus.Registry
	limiter *ratelimit.Limiter
	tel     telemetry.Bundle
	upgrade websocket.Upgrader
}

// New builds a Server. limiter may be nil to disable rate limiting.
func New(runner TaskRunner, buses *eventbus.Registry, limiter *ratelimit.Limiter, tel telemetry.Bundle) *Server {
	return &Server{
		runner:  runner,
		buses:   buses,
		limiter: limiter,
		tel:     tel,
		upgrade: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Routes registers every endpoint from spec.md §6 on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /tasks/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /tasks/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /tasks/{id}/artifacts", s.handleArtifacts)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
}

type chatRequest struct {
	Prompt          string         `json:"prompt"`
	CurrentURL      string         `json:"current_url"`
	Constraints     map[string]any `json:"constraints"`
	Execute         bool           `json:"execute"`
	Planner         string         `json:"planner"`
	CaptureContext  bool           `json:"capture_context"`
	SessionID       string         `json:"session_id"`
}

func (s *Server) tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), s.tenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, errors.New("rate limited"))
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := plan.Request{Intent: body.Prompt, CurrentURL: body.CurrentURL, TenantID: s.tenantID(r), Constraints: body.Constraints}
	taskID, err := s.runner.Submit(r.Context(), req.TenantID, body.SessionID, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rec, err := s.runner.Record(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    rec.Status != "failed",
		"plan":       rec.Plan,
		"artifacts":  rec.Artifacts,
		"session_id": body.SessionID,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := plan.Request{Intent: body.Prompt, CurrentURL: body.CurrentURL, TenantID: s.tenantID(r), Constraints: body.Constraints}
	taskID, err := s.runner.Submit(r.Context(), req.TenantID, body.SessionID, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":     taskID,
		"stream_path": fmt.Sprintf("/tasks/%s/events", taskID),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	rec, err := s.runner.Record(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.runner.Cancel(taskID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	bus := s.buses.BusFor(taskID)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	profile := eventbus.DefaultProfile()
	ctx := r.Context()
	var snap eventbus.Snapshot
	var tail []eventbus.TaskEvent
	var ch <-chan eventbus.TaskEvent
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if id, err := strconv.ParseUint(last, 10, 64); err == nil {
			snap, tail, ch = bus.Resume(ctx, id, profile)
		} else {
			snap, tail, ch = bus.Subscribe(ctx, profile)
		}
	} else {
		snap, tail, ch = bus.Subscribe(ctx, profile)
	}

	writeSSE(w, "snapshot", snap)
	flusher.Flush()
	for _, evt := range tail {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()
	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	bus := s.buses.BusFor(taskID)
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.tel.Log.Warn(r.Context(), "httpapi: websocket upgrade failed", "task_id", taskID)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	snap, tail, ch := bus.Subscribe(ctx, eventbus.DefaultProfile())
	if err := conn.WriteJSON(map[string]any{"event": "snapshot", "data": snap}); err != nil {
		return
	}
	for _, evt := range tail {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
	for evt := range ch {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	bus := s.buses.BusFor(taskID)
	_, tail, ch := bus.Subscribe(r.Context(), eventbus.StreamProfile{Log: true})
	go func() {
		// drain so the Bus's subscriber map doesn't leak for this
		// one-shot page read.
		for range ch {
		}
	}()

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	nextCursor := ""
	if len(tail) > 0 {
		nextCursor = strconv.FormatUint(tail[len(tail)-1].ID, 10)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": tail, "next_cursor": nextCursor})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	rec, err := s.runner.Record(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	var total int64
	for _, a := range rec.Artifacts {
		total += a.Bytes
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artifacts":   rec.Artifacts,
		"count":       len(rec.Artifacts),
		"total_bytes": total,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeSSEEvent(w http.ResponseWriter, evt eventbus.TaskEvent) {
	data, _ := json.Marshal(evt)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data)
}

// NewRouteHint builds a RouteHint from a tenant and optional session,
// shared by Server's callers that need to resolve a route before
// submitting a task's first step.
func NewRouteHint(tenantID, sessionID string) ident.RouteHint {
	return ident.RouteHint{TenantID: tenantID, SessionID: sessionID}
}

// NewTaskID is re-exported for callers assembling a TaskRunner without
// importing internal/ident directly.
func NewTaskID() string { return ident.NewTaskID() }
