package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/clock"
	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/state"
	"github.com/oj-sh/oj/internal/wal"
)

// recoverEngine builds a second engine over an existing state directory the
// way the daemon does on boot: replay the log into a fresh state, then start.
func recoverEngine(t *testing.T, dir string, fake *fakeAdapter) *testEngine {
	t.Helper()
	log := newTestLogger(t)

	w, err := wal.Open(filepath.Join(dir, "wal"), log)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	st := state.New()
	require.NoError(t, w.Replay(0, func(ev event.Event) error {
		st.Apply(ev)
		return nil
	}))

	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	router := adapter.NewRouter()
	router.Register(adapter.RuntimeLocal, fake)

	cfg := &config.Config{}
	cfg.Daemon.StateDir = dir

	eng := New(Options{
		Config: cfg,
		Clock:  clk,
		WAL:    w,
		State:  st,
		Books:  runbook.NewCache(log),
		Router: router,
		Logger: log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Stop()
	})
	return &testEngine{Engine: eng, clk: clk, fake: fake, dir: dir}
}

// seedWAL writes a crash scenario directly into a fresh log.
func seedWAL(t *testing.T, dir string, payloads ...event.Payload) {
	t.Helper()
	log := newTestLogger(t)
	w, err := wal.Open(filepath.Join(dir, "wal"), log)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	for _, p := range payloads {
		_, err := w.Append(&event.Event{Time: now, Payload: p})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestReconcileAdoptsSurvivingAgent(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	// The agent process outlived the first daemon.
	survivor := newFakeAdapter()
	survivor.alive[agentID] = true

	te2 := recoverEngine(t, te.dir, survivor)
	te2.Reconcile(context.Background())

	survivor.mu.Lock()
	adopted := append([]string(nil), survivor.adopted...)
	survivor.mu.Unlock()
	assert.Equal(t, []string{agentID}, adopted)
	assert.True(t, te2.Scheduler().Pending("liveness:"+agentID))
	te2.View(func(st *state.State) {
		assert.Equal(t, event.StatusRunning, st.Jobs[jobID].Status)
	})
}

func TestReconcileDeclaresDeadAgentGone(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	te2 := recoverEngine(t, te.dir, newFakeAdapter())
	te2.Reconcile(context.Background())

	decisionID := te2.jobDecisionID(t, jobID)
	te2.View(func(st *state.State) {
		assert.Equal(t, event.SourceDead, st.Decisions[decisionID].Source)
		assert.Equal(t, event.StatusWaiting, st.Jobs[jobID].Status)
	})
	assert.False(t, te2.Scheduler().Pending("liveness:"+agentID))
}

func TestReconcileRerunsInflightShellStep(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger(t)
	path := filepath.Join(dir, "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  ship:
    steps:
      build:
        run:
          shell: "echo rebuilt"
`), 0o644))
	rb, err := runbook.NewCache(log).LoadPath(path)
	require.NoError(t, err)

	seedWAL(t, dir,
		&event.RunbookLoaded{Hash: rb.Hash, Path: path},
		&event.JobCreated{
			JobID: "j1", Name: "ship", JobKind: "ship",
			Dir: dir, RunbookHash: rb.Hash, InitialStep: "build",
		},
		&event.StepStarted{JobID: "j1", Step: "build"},
	)

	te := recoverEngine(t, dir, newFakeAdapter())
	te.Reconcile(context.Background())

	te.eventually(t, "shell step reruns to done", func(st *state.State) bool {
		return st.Jobs["j1"].Status == event.StatusCompleted
	})
	te.View(func(st *state.State) {
		assert.Equal(t, 2, st.Jobs["j1"].StepVisits["build"])
	})
}

func TestReconcileFailsZombieAgentJob(t *testing.T) {
	dir := t.TempDir()
	log := newTestLogger(t)
	path := filepath.Join(dir, "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(agentJobDoc), 0o644))
	rb, err := runbook.NewCache(log).LoadPath(path)
	require.NoError(t, err)

	// An agent step that never recorded a spawn has nothing to reattach.
	seedWAL(t, dir,
		&event.RunbookLoaded{Hash: rb.Hash, Path: path},
		&event.JobCreated{
			JobID: "j1", Name: "review", JobKind: "review",
			Dir: dir, RunbookHash: rb.Hash, InitialStep: "review",
		},
		&event.StepStarted{JobID: "j1", Step: "review"},
	)

	te := recoverEngine(t, dir, newFakeAdapter())
	te.Reconcile(context.Background())

	te.View(func(st *state.State) {
		j := st.Jobs["j1"]
		assert.Equal(t, event.StatusFailed, j.Status)
		assert.Contains(t, j.Error, "zombie")
	})
}

func TestReconcileSkipsWaitingJob(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)
	require.NoError(t, te.ProcessSync(&event.AgentSignal{
		AgentID: agentID, Message: "blocked",
	}))
	decisionID := te.jobDecisionID(t, jobID)

	te2 := recoverEngine(t, te.dir, newFakeAdapter())
	te2.Reconcile(context.Background())

	te2.View(func(st *state.State) {
		assert.Equal(t, event.StatusWaiting, st.Jobs[jobID].Status)
		assert.False(t, st.Decisions[decisionID].Resolved)
	})
}

func TestReconcileRearmsWorkerAndCron(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, persistedWorkerDoc+`
crons:
  nightly:
    interval: 1h
    shell: "echo tick"
`)
	require.NoError(t, te.StartWorker(path, "ticket-worker", "", te.dir))
	require.NoError(t, te.StartCron(path, "nightly", "", te.dir))

	te2 := recoverEngine(t, te.dir, newFakeAdapter())
	te2.Reconcile(context.Background())

	assert.True(t, te2.Scheduler().Pending("cron:nightly"))
	te2.View(func(st *state.State) {
		assert.True(t, st.Workers["ticket-worker"].Running)
		assert.True(t, st.Crons["nightly"].Running)
	})
}
