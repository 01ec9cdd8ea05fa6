package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

const crewDoc = `
agents:
  scout:
    run: "agent-sidecar --prompt {prompt}"
    prompt: "Survey open issues in {invoke.dir}"
`

func startCrew(t *testing.T, te *testEngine) (crewID, agentID string) {
	t.Helper()
	path := te.writeRunbook(t, crewDoc)
	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "scout", Dir: te.dir, RunbookPath: path,
	}))
	agentID = te.soleAgentID(t)
	te.View(func(st *state.State) {
		require.Len(t, st.Crews, 1)
		for id := range st.Crews {
			crewID = id
		}
	})
	return crewID, agentID
}

func TestBareAgentCommandStartsCrew(t *testing.T) {
	te := newTestEngine(t)
	crewID, agentID := startCrew(t, te)

	te.fake.mu.Lock()
	spec := te.fake.spawns[0]
	te.fake.mu.Unlock()
	assert.Contains(t, spec.Command, "Survey open issues in "+te.dir)

	te.View(func(st *state.State) {
		c := st.Crews[crewID]
		assert.Equal(t, event.CrewRunning, c.Status)
		assert.Equal(t, "scout", c.AgentName)
		assert.Equal(t, agentID, c.AgentID)
	})
	assert.True(t, te.Scheduler().Pending("liveness:"+agentID))
}

func TestCrewExitZeroCompletes(t *testing.T) {
	te := newTestEngine(t)
	crewID, agentID := startCrew(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentExited{AgentID: agentID, ExitCode: 0}))
	te.fireDue(t, 3*time.Second)

	te.eventually(t, "crew completes", func(st *state.State) bool {
		return st.Crews[crewID].Status == event.CrewCompleted
	})
	te.View(func(st *state.State) {
		assert.NotContains(t, st.Agents, agentID)
	})
}

func TestCrewCancelKillsAgent(t *testing.T) {
	te := newTestEngine(t)
	crewID, agentID := startCrew(t, te)

	require.NoError(t, te.ProcessSync(&event.CrewCancelRequested{CrewID: crewID}))

	require.Eventually(t, func() bool { return te.fake.killCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, agentID, te.fake.killed[0])
	te.View(func(st *state.State) {
		assert.Equal(t, event.CrewCancelled, st.Crews[crewID].Status)
	})
	assert.False(t, te.Scheduler().Pending("liveness:"+agentID))
}

func TestCrewCancelUnknownFails(t *testing.T) {
	te := newTestEngine(t)
	err := te.ProcessSync(&event.CrewCancelRequested{CrewID: "missing"})
	require.ErrorIs(t, err, ErrCrewNotFound)
}

func TestCrewSignalEscalatesAndCancelResolves(t *testing.T) {
	te := newTestEngine(t)
	crewID, agentID := startCrew(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentSignal{
		AgentID: agentID, Message: "repo access denied",
	}))

	var decisionID string
	te.eventually(t, "decision raised", func(st *state.State) bool {
		for id, d := range st.Decisions {
			if d.Owner == event.CrewOwner(crewID) && !d.Resolved {
				decisionID = id
				return true
			}
		}
		return false
	})
	te.View(func(st *state.State) {
		assert.Equal(t, event.CrewEscalated, st.Crews[crewID].Status)
	})

	// The signal carried no options, so Dismiss is the only choice.
	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{0},
	}))
	te.View(func(st *state.State) {
		assert.True(t, st.Decisions[decisionID].Resolved)
	})
}
