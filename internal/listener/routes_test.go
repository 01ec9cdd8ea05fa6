package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/engine"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/state"
	"github.com/oj-sh/oj/internal/wal"
)

type testServer struct {
	*Server
	eng *engine.Engine
	dir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	w, err := wal.Open(filepath.Join(dir, "wal"), log)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	cfg := &config.Config{}
	cfg.Daemon.StateDir = dir

	eng := engine.New(engine.Options{
		Config: cfg,
		WAL:    w,
		Books:  runbook.NewCache(log),
		Router: adapter.NewRouter(),
		Logger: log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Stop()
	})

	return &testServer{Server: New(cfg, eng, log, "test"), eng: eng, dir: dir}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) runShellJob(t *testing.T, command string) string {
	t.Helper()
	path := filepath.Join(ts.dir, "runbook.yaml")
	doc := fmt.Sprintf(`
jobs:
  %s:
    steps:
      run:
        run:
          shell: "echo done"
`, command)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rec := ts.request(t, http.MethodPost, "/api/v1/commands/run", map[string]any{
		"command": command, "dir": ts.dir, "runbook_path": path,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var id string
	require.Eventually(t, func() bool {
		ts.eng.View(func(st *state.State) {
			for _, j := range st.Jobs {
				if j.Kind == command {
					id = j.ID
				}
			}
		})
		return id != ""
	}, 5*time.Second, 10*time.Millisecond)
	return id
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestStatusReflectsState(t *testing.T) {
	ts := newTestServer(t)
	ts.runShellJob(t, "deploy")

	rec := ts.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, os.Getpid(), resp.PID)
	assert.Equal(t, 1, resp.Jobs)
	assert.NotZero(t, resp.Seq)
}

func TestCommandRunRejectsIncompleteBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/v1/commands/run", map[string]any{
		"command": "deploy",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandRunUnknownRunbookIs400(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/v1/commands/run", map[string]any{
		"command": "deploy", "dir": ts.dir, "runbook_path": filepath.Join(ts.dir, "missing.yaml"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobByUniquePrefix(t *testing.T) {
	ts := newTestServer(t)
	id := ts.runShellJob(t, "deploy")

	rec := ts.request(t, http.MethodGet, "/api/v1/jobs/"+id[:8], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["id"])

	rec = ts.request(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	assert.Len(t, jobs, 1)
}

func TestGetJobUnknownIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/api/v1/jobs/zzzz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobResumeWithoutBody(t *testing.T) {
	ts := newTestServer(t)
	id := ts.runShellJob(t, "deploy")

	require.Eventually(t, func() bool {
		var done bool
		ts.eng.View(func(st *state.State) {
			done = st.Jobs[id].Terminal()
		})
		return done
	}, 5*time.Second, 10*time.Millisecond)

	rec := ts.request(t, http.MethodPost, "/api/v1/jobs/"+id[:8]+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, decodeBody(t, rec)["job_id"])
}

func TestQueuePushListAndLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/queues/push", map[string]any{
		"queue": "tickets", "data": map[string]string{"title": "bug"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody(t, rec)["item_id"].(string)

	// Equal pending data dedups to the same item.
	rec = ts.request(t, http.MethodPost, "/api/v1/queues/push", map[string]any{
		"queue": "tickets", "data": map[string]string{"title": "bug"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["item_id"])

	rec = ts.request(t, http.MethodGet, "/api/v1/queues/items?queue=tickets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"].([]any), 1)

	rec = ts.request(t, http.MethodPost, "/api/v1/queues/items/"+id[:8]+"/fail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.request(t, http.MethodPost, "/api/v1/queues/items/"+id[:8]+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.request(t, http.MethodPost, "/api/v1/queues/items/"+id[:8]+"/drop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/v1/queues/items/"+id[:8]+"/done", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueDrainAndPrune(t *testing.T) {
	ts := newTestServer(t)
	ts.request(t, http.MethodPost, "/api/v1/queues/push", map[string]any{
		"queue": "tickets", "data": map[string]string{"title": "a"},
	})

	rec := ts.request(t, http.MethodPost, "/api/v1/queues/drain", map[string]any{"queue": "tickets"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["dropped"].([]any), 1)

	// Prune tolerates an empty body.
	rec = ts.request(t, http.MethodPost, "/api/v1/queues/prune", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerStartRequiresRunbookPath(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/v1/workers/start", map[string]any{
		"name": "ticket-worker",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopUnknownWorkerIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/api/v1/workers/stop", map[string]any{
		"name": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionResolveConflictsWhenAlreadyResolved(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.eng.ProcessSync(&event.DecisionCreated{
		DecisionID: "d1",
		Owner:      event.JobOwner("j1"),
		Source:     event.SourceEscalation,
		Context:    "stuck",
		Options:    []event.DecisionOption{{Label: "Dismiss"}},
	}))

	rec := ts.request(t, http.MethodPost, "/api/v1/decisions/d1/resolve", map[string]any{
		"choices": []int{0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.request(t, http.MethodPost, "/api/v1/decisions/d1/resolve", map[string]any{
		"choices": []int{0},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/v1/decisions?all=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["decisions"].([]any), 1)
}
