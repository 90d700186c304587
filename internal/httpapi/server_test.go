package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/eventbus"
	"github.com/soulbrowser/kernel/internal/plan"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

type fakeRunner struct {
	submitErr error
	taskID    string
	record    TaskRecord
	recordErr error
	cancelErr error
}

func (f *fakeRunner) Submit(context.Context, string, string, plan.Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.taskID, nil
}

func (f *fakeRunner) Cancel(string) error { return f.cancelErr }

func (f *fakeRunner) Record(string) (TaskRecord, error) {
	if f.recordErr != nil {
		return TaskRecord{}, f.recordErr
	}
	return f.record, nil
}

func newTestServer(runner TaskRunner) (*Server, *http.ServeMux) {
	srv := New(runner, eventbus.NewRegistry(), nil, telemetry.Noop())
	mux := http.NewServeMux()
	srv.Routes(mux)
	return srv, mux
}

func TestHandleCreateTaskReturnsAcceptedWithStreamPath(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{taskID: "task_1"})

	body := strings.NewReader(`{"prompt":"book a flight"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "task_1", payload["task_id"])
	require.Equal(t, "/tasks/task_1/events", payload["stream_path"])
}

func TestHandleCreateTaskRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{taskID: "task_1"})

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateTaskPropagatesSubmitError(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{submitErr: errors.New("boom")})

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"prompt":"x"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleGetTaskReturnsRecord(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{record: TaskRecord{TaskID: "task_1", Status: "completed"}})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task_1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got TaskRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "completed", got.Status)
}

func TestHandleGetTaskReturnsNotFoundForUnknownTask(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{recordErr: errors.New("unknown task")})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task_missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelReturnsNoContent(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/tasks/task_1/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleCancelReturnsNotFoundOnError(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{cancelErr: errors.New("unknown task")})

	req := httptest.NewRequest(http.MethodPost, "/tasks/task_1/cancel", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleArtifactsSumsBytes(t *testing.T) {
	t.Parallel()
	_, mux := newTestServer(&fakeRunner{record: TaskRecord{
		Artifacts: []ArtifactMeta{{Name: "a.png", Bytes: 100}, {Name: "b.json", Bytes: 50}},
	}})

	req := httptest.NewRequest(http.MethodGet, "/tasks/task_1/artifacts", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, float64(2), payload["count"])
	require.Equal(t, float64(150), payload["total_bytes"])
}

func TestHandleEventsStreamsSnapshotThenClosesOnContextCancel(t *testing.T) {
	t.Parallel()
	buses := eventbus.NewRegistry()
	srv := New(&fakeRunner{}, buses, nil, telemetry.Noop())
	mux := http.NewServeMux()
	srv.Routes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/tasks/task_1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	cancel()
	mux.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: snapshot")
}

func TestTenantIDDefaultsWhenHeaderMissing(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(&fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/tasks/task_1", nil)
	require.Equal(t, "default", srv.tenantID(req))
}

func TestTenantIDReadsHeaderWhenPresent(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(&fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/tasks/task_1", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	require.Equal(t, "acme", srv.tenantID(req))
}
