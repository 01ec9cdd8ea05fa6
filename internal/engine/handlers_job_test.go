package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

const shellJobDoc = `
jobs:
  ship:
    steps:
      build:
        run:
          shell: "echo building"
      package:
        run:
          shell: "echo packaging"
`

func TestShellJobRunsToCompletion(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, shellJobDoc)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "ship", Dir: te.dir, RunbookPath: path,
	}))

	jobID := te.soleJobID(t)
	te.eventually(t, "job completes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusCompleted
	})

	te.View(func(st *state.State) {
		j := st.Jobs[jobID]
		assert.Equal(t, event.StepDone, j.Step)
		require.Len(t, j.History, 2)
		assert.Equal(t, "build", j.History[0].Step)
		assert.Equal(t, state.OutcomeDone, j.History[0].Outcome)
		assert.Equal(t, "package", j.History[1].Step)
		assert.Equal(t, state.OutcomeDone, j.History[1].Outcome)
	})
}

func TestOnFailCleanupEndsFailedNotDone(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  deploy:
    steps:
      build:
        run:
          shell: "exit 1"
        on_fail:
          step: cleanup
      cleanup:
        run:
          shell: "echo cleaning"
`)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "deploy", Dir: te.dir, RunbookPath: path,
	}))

	jobID := te.soleJobID(t)
	te.eventually(t, "job terminal", func(st *state.State) bool {
		return st.Jobs[jobID].Terminal()
	})

	// The cleanup chain completed, but the failing flag keeps the job from
	// ending done.
	te.View(func(st *state.State) {
		j := st.Jobs[jobID]
		assert.Equal(t, event.StepFailed, j.Step)
		assert.Equal(t, event.StatusFailed, j.Status)
		require.Len(t, j.History, 2)
		assert.Equal(t, state.OutcomeFailed, j.History[0].Outcome)
		assert.Equal(t, state.OutcomeDone, j.History[1].Outcome)
	})
}

func TestCircuitBreakerStopsStepLoop(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  flaky:
    steps:
      build:
        run:
          shell: "exit 1"
        on_fail:
          step: build
`)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "flaky", Dir: te.dir, RunbookPath: path,
	}))

	jobID := te.soleJobID(t)
	te.eventually(t, "circuit breaker trips", func(st *state.State) bool {
		j := st.Jobs[jobID]
		return j.Status == event.StatusFailed && strings.Contains(j.Error, "circuit breaker")
	})
	te.View(func(st *state.State) {
		assert.Equal(t, state.MaxStepVisits+1, st.Jobs[jobID].StepVisits["build"])
	})
}

func TestInlineShellCommand(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
commands:
  greet:
    shell: "echo hello"
`)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "greet", Dir: te.dir, RunbookPath: path,
	}))

	jobID := te.soleJobID(t)
	te.eventually(t, "inline shell job completes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusCompleted
	})
	te.View(func(st *state.State) {
		assert.Equal(t, "greet", st.Jobs[jobID].Kind)
	})
}

func TestUnknownCommandFails(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, shellJobDoc)

	err := te.ProcessSync(&event.CommandRun{
		Command: "nonsense", Dir: te.dir, RunbookPath: path,
	})
	require.Error(t, err)
}

func TestJobCancelWithoutOnCancelTerminates(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, agentJobDoc)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "review", Dir: te.dir, RunbookPath: path,
	}))
	agentID := te.soleAgentID(t)
	jobID := te.soleJobID(t)

	require.NoError(t, te.ProcessSync(&event.JobCancelRequested{JobID: jobID}))

	te.eventually(t, "job cancelled", func(st *state.State) bool {
		return st.Jobs[jobID].Step == event.StepCancelled
	})
	te.eventually(t, "agent killed", func(st *state.State) bool {
		return te.fake.killCount() == 1
	})
	assert.Equal(t, agentID, te.fake.killed[0])
	assert.False(t, te.Scheduler().Pending("liveness:"+agentID))
}

func TestJobCancelRoutesThroughOnCancelStep(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  deploy:
    on_cancel:
      step: teardown
    steps:
      work:
        run:
          agent: worker
      teardown:
        run:
          shell: "echo tearing down"
agents:
  worker:
    run: "agent-sidecar {prompt}"
    prompt: "Do the work"
`)

	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "deploy", Dir: te.dir, RunbookPath: path,
	}))
	te.soleAgentID(t)
	jobID := te.soleJobID(t)

	require.NoError(t, te.ProcessSync(&event.JobCancelRequested{JobID: jobID}))

	// The cleanup step runs, then the cancelling flag routes its success to
	// the cancelled terminal.
	te.eventually(t, "cancel chain finishes", func(st *state.State) bool {
		return st.Jobs[jobID].Step == event.StepCancelled
	})
	te.View(func(st *state.State) {
		j := st.Jobs[jobID]
		require.Len(t, j.History, 2)
		assert.Equal(t, "teardown", j.History[1].Step)
	})
}
