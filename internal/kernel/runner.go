// Package kernel wires the Plan Executor, Registry, session Store, and
// Task Status & Event Bus into a single httpapi.TaskRunner: the glue
// cmd/soul-kerneld needs so its HTTP surface never touches executor.Run
// or registry.Registry directly.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/soulbrowser/kernel/internal/auditor"
	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/executor"
	"github.com/soulbrowser/kernel/internal/httpapi"
	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/plan"
	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/session"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

// Deps is everything Runner needs to take a submitted request to a routed,
// executing plan.Run.
type Deps struct {
	Registry    *registry.Registry
	Sessions    session.Store
	Buses       *eventbus.Registry
	Executor    executor.Deps
	RunConfig   executor.RunConfig
	PolicyRoute func(tenantID string) []string // allowed domains, from the current policy snapshot
	Tel         telemetry.Bundle
}

type runState struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	record  httpapi.TaskRecord
}

// Runner implements httpapi.TaskRunner.
type Runner struct {
	deps  Deps
	mu    sync.Mutex
	tasks map[string]*runState
}

// New builds a Runner over deps.
func New(deps Deps) *Runner {
	return &Runner{deps: deps, tasks: make(map[string]*runState)}
}

func (k *Runner) Submit(ctx context.Context, tenantID, sessionID string, req plan.Request) (string, error) {
	now := time.Now()
	if sessionID == "" {
		sessionID = ident.NewSessionID()
	}
	if _, err := k.deps.Sessions.CreateSession(ctx, sessionID, tenantID, now); err != nil {
		return "", err
	}
	k.deps.Registry.OpenSession(sessionID, tenantID, now)

	pageID := ident.NewCallID()
	if _, err := k.deps.Registry.OpenPage(ctx, sessionID, pageID, "main", req.CurrentURL, now); err != nil {
		return "", err
	}
	if err := k.deps.Registry.SetPageReady(ctx, pageID, now); err != nil {
		return "", err
	}
	route := ident.ExecRoute{TenantID: tenantID, SessionID: sessionID, PageID: pageID}

	taskID := ident.NewTaskID()
	if err := k.deps.Sessions.UpsertTask(ctx, session.TaskMeta{
		TaskID: taskID, SessionID: sessionID, TenantID: tenantID,
		Status: session.TaskStatusRunning, StartedAt: now, UpdatedAt: now,
	}); err != nil {
		return "", err
	}

	bus := k.deps.Buses.BusFor(taskID)
	state := &runState{record: httpapi.TaskRecord{TaskID: taskID, Status: "pending"}}
	k.mu.Lock()
	k.tasks[taskID] = state
	k.mu.Unlock()

	initial, err := k.deps.Executor.Planner.Plan(ctx, req)
	if err != nil {
		bus.Publish(eventbus.EventAlert, eventbus.Alert{Kind: "plan_failed", Severity: "error", Detail: err.Error()})
		state.mu.Lock()
		state.record.Status = "failed"
		state.mu.Unlock()
		return taskID, nil
	}
	initial.TaskID = taskID
	initial = auditor.Audit(initial, auditor.Options{
		Intent:         req.Intent,
		HasURL:         req.CurrentURL != "",
		RequiredSchema: req.RequiredSchema,
		AllowedDomains: k.deps.PolicyRoute(tenantID),
		Route:          route,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	state.mu.Lock()
	state.cancel = cancel
	state.record.Plan = initial
	state.record.Status = "running"
	state.mu.Unlock()

	deps := k.deps.Executor
	deps.Bus = bus
	run := executor.NewRun(deps, k.deps.RunConfig, route, initial, req)

	go func() {
		defer cancel()
		verdict, err := run.Execute(runCtx)
		state.mu.Lock()
		defer state.mu.Unlock()
		switch {
		case err != nil:
			state.record.Status = "failed"
		case verdict.Passed:
			state.record.Status = "completed"
		default:
			state.record.Status = "failed"
		}
		_ = k.deps.Sessions.UpsertTask(context.Background(), session.TaskMeta{
			TaskID: taskID, SessionID: sessionID, TenantID: tenantID,
			Status: taskStatusFor(state.record.Status), StartedAt: now, UpdatedAt: time.Now(),
		})
	}()

	return taskID, nil
}

func taskStatusFor(status string) session.TaskStatus {
	switch status {
	case "completed":
		return session.TaskStatusCompleted
	case "failed":
		return session.TaskStatusFailed
	default:
		return session.TaskStatusRunning
	}
}

func (k *Runner) Cancel(taskID string) error {
	k.mu.Lock()
	state, ok := k.tasks[taskID]
	k.mu.Unlock()
	if !ok {
		return kerrors.New(kerrors.Internal, "unknown task")
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.cancel != nil {
		state.cancel()
	}
	state.record.Status = "cancelled"
	return nil
}

func (k *Runner) Record(taskID string) (httpapi.TaskRecord, error) {
	k.mu.Lock()
	state, ok := k.tasks[taskID]
	k.mu.Unlock()
	if !ok {
		return httpapi.TaskRecord{}, kerrors.New(kerrors.Internal, "unknown task")
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.record, nil
}
