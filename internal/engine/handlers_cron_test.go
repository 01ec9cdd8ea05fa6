package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

const cronJobDoc = `
jobs:
  sweep:
    steps:
      collect:
        run:
          shell: "echo sweeping"
crons:
  nightly:
    interval: 1h
    job: sweep
`

const cronAgentDoc = `
agents:
  gardener:
    run: "agent-sidecar {prompt}"
    prompt: "Tidy the backlog"
crons:
  tidy:
    interval: 30m
    agent: gardener
`

func TestCronFiresJobOnInterval(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, cronJobDoc)

	require.NoError(t, te.StartCron(path, "nightly", "", te.dir))
	assert.True(t, te.Scheduler().Pending("cron:nightly"))

	te.View(func(st *state.State) {
		assert.Empty(t, st.Jobs)
	})

	te.fireDue(t, time.Hour+time.Second)
	te.eventually(t, "cron job completes", func(st *state.State) bool {
		if len(st.Jobs) != 1 {
			return false
		}
		for _, j := range st.Jobs {
			return j.Status == event.StatusCompleted && j.CronName == "nightly"
		}
		return false
	})

	// The tick re-armed the timer for the next interval.
	assert.True(t, te.Scheduler().Pending("cron:nightly"))
	te.fireDue(t, time.Hour+time.Second)
	te.eventually(t, "second tick dispatches", func(st *state.State) bool {
		return len(st.Jobs) == 2
	})
}

func TestCronSkipsTickAtConcurrencyCap(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  watch:
    steps:
      observe:
        run:
          agent: watcher
agents:
  watcher:
    run: "agent-sidecar {prompt}"
    prompt: "Watch the build"
crons:
  watchdog:
    interval: 10m
    job: watch
    concurrency: 1
`)
	require.NoError(t, te.StartCron(path, "watchdog", "", te.dir))

	te.fireDue(t, 10*time.Minute+time.Second)
	te.eventually(t, "first tick spawns the watcher", func(st *state.State) bool {
		return len(st.Jobs) == 1
	})

	// The agent job never finishes, so the next tick must skip.
	te.fireDue(t, 10*time.Minute+time.Second)
	time.Sleep(50 * time.Millisecond)
	te.View(func(st *state.State) {
		assert.Len(t, st.Jobs, 1)
	})
	assert.True(t, te.Scheduler().Pending("cron:watchdog"))
}

func TestCronAgentTargetStartsCrew(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, cronAgentDoc)

	require.NoError(t, te.StartCron(path, "tidy", "", te.dir))
	te.fireDue(t, 30*time.Minute+time.Second)

	te.eventually(t, "crew spawns", func(st *state.State) bool {
		for _, c := range st.Crews {
			return c.Status == event.CrewRunning && c.AgentName == "gardener"
		}
		return false
	})
	assert.Equal(t, 1, te.fake.spawnCount())
}

func TestStopCronCancelsTimer(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, cronJobDoc)

	require.NoError(t, te.StartCron(path, "nightly", "", te.dir))
	require.NoError(t, te.StopCron("nightly", ""))
	assert.False(t, te.Scheduler().Pending("cron:nightly"))

	te.fireDue(t, 2*time.Hour)
	te.View(func(st *state.State) {
		assert.Empty(t, st.Jobs)
		assert.False(t, st.Crons["nightly"].Running)
	})
}

func TestStopUnknownCronFails(t *testing.T) {
	te := newTestEngine(t)
	require.Error(t, te.StopCron("ghost", ""))
}
