package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/executor"
	"github.com/soulbrowser/kernel/internal/httpapi"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/plan"
	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/session"
	"github.com/soulbrowser/kernel/internal/session/inmem"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

type erroringPlanner struct{ err error }

func (p erroringPlanner) Plan(context.Context, plan.Request) (plan.Plan, error) {
	return plan.Plan{}, p.err
}

func newTestRunner(t *testing.T, planErr error) *Runner {
	t.Helper()
	deps := Deps{
		Registry:    registry.New(),
		Sessions:    inmem.New(),
		Buses:       eventbus.NewRegistry(),
		Executor:    executor.Deps{Planner: erroringPlanner{err: planErr}, Tel: telemetry.Noop()},
		RunConfig:   executor.DefaultRunConfig(),
		PolicyRoute: func(string) []string { return nil },
		Tel:         telemetry.Noop(),
	}
	return New(deps)
}

func TestSubmitMarksTaskFailedWhenPlannerErrors(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, errors.New("planner unavailable"))

	taskID, err := r.Submit(context.Background(), "tenant-a", "", plan.Request{Intent: "book a flight"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	rec, err := r.Record(taskID)
	require.NoError(t, err)
	require.Equal(t, "failed", rec.Status)
}

func TestSubmitGeneratesTaskIDWhenSessionOmitted(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, errors.New("planner unavailable"))
	taskID, err := r.Submit(context.Background(), "tenant-a", "", plan.Request{Intent: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
}

func TestCancelReturnsInternalErrorForUnknownTask(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)
	err := r.Cancel("task_does_not_exist")
	require.True(t, kerrors.Has(err, kerrors.Internal))
}

func TestRecordReturnsInternalErrorForUnknownTask(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)
	_, err := r.Record("task_does_not_exist")
	require.True(t, kerrors.Has(err, kerrors.Internal))
}

func TestCancelInvokesStoredCancelFuncAndMarksCancelled(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, nil)
	called := false
	r.mu.Lock()
	r.tasks["task_x"] = &runState{
		record: httpapi.TaskRecord{TaskID: "task_x", Status: "pending"},
		cancel: func() { called = true },
	}
	r.mu.Unlock()

	require.NoError(t, r.Cancel("task_x"))
	require.True(t, called)

	rec, err := r.Record("task_x")
	require.NoError(t, err)
	require.Equal(t, "cancelled", rec.Status)
}

func TestTaskStatusForMapsTerminalStatuses(t *testing.T) {
	t.Parallel()
	require.Equal(t, session.TaskStatusCompleted, taskStatusFor("completed"))
	require.Equal(t, session.TaskStatusFailed, taskStatusFor("failed"))
	require.Equal(t, session.TaskStatusRunning, taskStatusFor("anything-else"))
}
