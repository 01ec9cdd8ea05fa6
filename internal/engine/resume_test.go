package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

func TestResumeBareOnAliveAgentIsRejected(t *testing.T) {
	te := newTestEngine(t)
	jobID, _ := startAgentJob(t, te)

	err := te.ProcessSync(&event.JobResume{JobID: jobID})
	require.ErrorIs(t, err, ErrAliveAgent)
	assert.Equal(t, 1, te.fake.spawnCount())
}

func TestResumeWithMessageNudgesAliveAgent(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentWaiting{AgentID: agentID}))
	require.NoError(t, te.ProcessSync(&event.JobResume{
		JobID: jobID, Message: "use the staging config",
	}))

	require.Eventually(t, func() bool { return te.fake.sendCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "use the staging config", te.fake.sends[0])
	assert.Equal(t, 1, te.fake.spawnCount())
	te.View(func(st *state.State) {
		assert.Equal(t, event.StatusRunning, st.Jobs[jobID].Status)
	})
}

func TestResumeWithKillRespawnsStep(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.JobResume{
		JobID: jobID, Kill: true, Message: "start over, smaller diff",
	}))

	require.Eventually(t, func() bool { return te.fake.spawnCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, te.fake.killCount())
	assert.Equal(t, agentID, te.fake.killed[0])
	te.View(func(st *state.State) {
		j := st.Jobs[jobID]
		assert.Equal(t, "start over, smaller diff", j.Vars["resume.message"])
		assert.Equal(t, 2, j.StepVisits["review"])
	})
}

func TestResumeDeadAgentRespawns(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	te.fake.mu.Lock()
	te.fake.alive[agentID] = false
	te.fake.mu.Unlock()

	require.NoError(t, te.ProcessSync(&event.JobResume{JobID: jobID}))
	require.Eventually(t, func() bool { return te.fake.spawnCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, te.fake.killCount())
	te.View(func(st *state.State) {
		assert.Equal(t, event.StatusRunning, st.Jobs[jobID].Status)
	})
}

func TestResumeTerminalJobRestartsLastStep(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  ship:
    steps:
      build:
        run:
          shell: "exit 1"
`)
	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "ship", Dir: te.dir, RunbookPath: path,
	}))
	jobID := te.soleJobID(t)
	te.eventually(t, "job fails", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusFailed
	})

	require.NoError(t, te.ProcessSync(&event.JobResume{JobID: jobID}))
	te.eventually(t, "step replays", func(st *state.State) bool {
		return st.Jobs[jobID].StepVisits["build"] == 2
	})
}

func TestResumeUnknownJobFails(t *testing.T) {
	te := newTestEngine(t)
	err := te.ProcessSync(&event.JobResume{JobID: "nope"})
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestResumeMergesVars(t *testing.T) {
	te := newTestEngine(t)
	jobID, _ := startAgentJob(t, te)

	err := te.ProcessSync(&event.JobResume{
		JobID: jobID,
		Vars:  map[string]string{"target": "staging"},
		Kill:  true,
	})
	require.NoError(t, err)
	te.eventually(t, "vars merged", func(st *state.State) bool {
		return st.Jobs[jobID].Vars["var.target"] == "staging"
	})
}
