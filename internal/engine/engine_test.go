package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/clock"
	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/sidecar"
	"github.com/oj-sh/oj/internal/state"
	"github.com/oj-sh/oj/internal/wal"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type respondCall struct {
	agentID string
	accept  bool
	option  string
	text    string
}

// fakeAdapter is an in-memory agent runtime: spawns succeed instantly and
// every interaction is recorded for assertions.
type fakeAdapter struct {
	mu       sync.Mutex
	alive    map[string]bool
	spawns   []adapter.SpawnSpec
	sends    []string
	responds []respondCall
	killed   []string
	adopted  []string
	lastMsg  string
	spawnErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{alive: make(map[string]bool)}
}

func (f *fakeAdapter) Spawn(_ context.Context, spec adapter.SpawnSpec) (*adapter.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawns = append(f.spawns, spec)
	f.alive[spec.AgentID] = true
	return &adapter.Handle{AgentID: spec.AgentID, Runtime: adapter.RuntimeLocal, AuthToken: spec.AuthToken}, nil
}

func (f *fakeAdapter) Reconnect(context.Context, string) (*sidecar.Client, error) {
	return nil, errors.New("fake: no sidecar")
}

func (f *fakeAdapter) Send(_ context.Context, agentID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return nil
}

func (f *fakeAdapter) Respond(_ context.Context, agentID string, accept bool, option, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responds = append(f.responds, respondCall{agentID: agentID, accept: accept, option: option, text: text})
	return nil
}

func (f *fakeAdapter) Kill(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, agentID)
	f.alive[agentID] = false
	return nil
}

func (f *fakeAdapter) State(context.Context, string) (*sidecar.AgentStatus, error) {
	return nil, errors.New("fake: no status")
}

func (f *fakeAdapter) LastMessage(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMsg, nil
}

func (f *fakeAdapter) ResolveStop(context.Context, string) error { return nil }

func (f *fakeAdapter) IsAlive(_ context.Context, agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[agentID]
}

func (f *fakeAdapter) CaptureOutput(context.Context, string) (string, error) { return "", nil }

func (f *fakeAdapter) FetchUsage(context.Context, string) (*sidecar.UsageResponse, error) {
	return nil, nil
}

func (f *fakeAdapter) Adopt(agentID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, agentID)
	f.alive[agentID] = true
}

func (f *fakeAdapter) IsRemoteOnly() bool { return false }

func (f *fakeAdapter) Client(string) *sidecar.Client { return nil }

func (f *fakeAdapter) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeAdapter) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

type testEngine struct {
	*Engine
	clk  *clock.Fake
	fake *fakeAdapter
	dir  string
}

func newTestEngine(t *testing.T) *testEngine {
	dir := t.TempDir()
	log := newTestLogger(t)

	w, err := wal.Open(filepath.Join(dir, "wal"), log)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	fake := newFakeAdapter()
	router := adapter.NewRouter()
	router.Register(adapter.RuntimeLocal, fake)

	cfg := &config.Config{}
	cfg.Daemon.StateDir = dir

	eng := New(Options{
		Config: cfg,
		Clock:  clk,
		WAL:    w,
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

// fireDue advances the fake clock and routes every due timer through the
// event loop.
func (te *testEngine) fireDue(t *testing.T, d time.Duration) {
	te.clk.Advance(d)
	for _, ev := range te.Scheduler().Poll(te.clk.Now()) {
		require.NoError(t, te.ProcessSync(ev.Payload))
	}
}

func (te *testEngine) writeRunbook(t *testing.T, doc string) string {
	path := filepath.Join(te.dir, "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

// eventually polls the state under the engine lock until pred holds.
func (te *testEngine) eventually(t *testing.T, msg string, pred func(st *state.State) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		te.View(func(st *state.State) { ok = pred(st) })
		return ok
	}, 5*time.Second, 10*time.Millisecond, msg)
}

func (te *testEngine) soleJobID(t *testing.T) string {
	t.Helper()
	var id string
	te.View(func(st *state.State) {
		require.Len(t, st.Jobs, 1)
		for jid := range st.Jobs {
			id = jid
		}
	})
	return id
}

func (te *testEngine) soleAgentID(t *testing.T) string {
	t.Helper()
	var id string
	te.eventually(t, "agent spawned", func(st *state.State) bool {
		if len(st.Agents) != 1 {
			return false
		}
		for aid := range st.Agents {
			id = aid
		}
		return true
	})
	return id
}

func (te *testEngine) jobDecisionID(t *testing.T, jobID string) string {
	t.Helper()
	var id string
	te.eventually(t, "decision created", func(st *state.State) bool {
		j, ok := st.Jobs[jobID]
		if !ok || j.DecisionID == "" {
			return false
		}
		id = j.DecisionID
		return true
	})
	return id
}
