package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

const agentJobDoc = `
jobs:
  review:
    steps:
      review:
        run:
          agent: reviewer
agents:
  reviewer:
    run: "agent-sidecar --prompt {prompt}"
    prompt: "Review the change"
    on_idle:
      kind: nudge
      message: "keep going"
      attempts: 2
`

func startAgentJob(t *testing.T, te *testEngine) (jobID, agentID string) {
	t.Helper()
	path := te.writeRunbook(t, agentJobDoc)
	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "review", Dir: te.dir, RunbookPath: path,
	}))
	agentID = te.soleAgentID(t)
	return te.soleJobID(t), agentID
}

func TestAgentStepSpawnsSupervisedAgent(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	te.fake.mu.Lock()
	spec := te.fake.spawns[0]
	te.fake.mu.Unlock()
	assert.Contains(t, spec.Command, "Review the change")
	assert.Equal(t, "reviewer", spec.AgentName)

	te.View(func(st *state.State) {
		j := st.Jobs[jobID]
		assert.Equal(t, "review", j.Step)
		assert.Equal(t, event.StatusRunning, j.Status)
		require.Len(t, j.History, 1)
		assert.Equal(t, agentID, j.History[0].AgentID)
	})
	assert.True(t, te.Scheduler().Pending("liveness:"+agentID))
}

func TestSpawnFailureEscalates(t *testing.T) {
	te := newTestEngine(t)
	te.fake.mu.Lock()
	te.fake.spawnErr = errors.New("sidecar refused to start")
	te.fake.mu.Unlock()

	path := te.writeRunbook(t, agentJobDoc)
	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "review", Dir: te.dir, RunbookPath: path,
	}))
	jobID := te.soleJobID(t)

	decisionID := te.jobDecisionID(t, jobID)
	te.View(func(st *state.State) {
		d := st.Decisions[decisionID]
		assert.Equal(t, event.SourceDead, d.Source)
		assert.Contains(t, d.Context, "spawn failed")
		assert.Equal(t, event.StatusWaiting, st.Jobs[jobID].Status)
	})
}

func TestIdleNudgesThenExhausts(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	// First idle: the grace timer parks the reaction, then the nudge fires.
	require.NoError(t, te.ProcessSync(&event.AgentIdle{AgentID: agentID}))
	te.fireDue(t, 6*time.Second)
	require.Eventually(t, func() bool { return te.fake.sendCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "keep going", te.fake.sends[0])

	require.NoError(t, te.ProcessSync(&event.AgentIdle{AgentID: agentID}))
	te.fireDue(t, 6*time.Second)
	require.Eventually(t, func() bool { return te.fake.sendCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Third idle exceeds the bound and escalates instead of nudging.
	require.NoError(t, te.ProcessSync(&event.AgentIdle{AgentID: agentID}))
	te.fireDue(t, 6*time.Second)

	decisionID := te.jobDecisionID(t, jobID)
	te.View(func(st *state.State) {
		d := st.Decisions[decisionID]
		assert.Equal(t, event.SourceIdle, d.Source)
		assert.Contains(t, d.Context, "exhausted")
	})
	assert.Equal(t, 2, te.fake.sendCount())
}

func TestWorkingCancelsIdleGrace(t *testing.T) {
	te := newTestEngine(t)
	_, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentIdle{AgentID: agentID}))
	require.NoError(t, te.ProcessSync(&event.AgentWorking{AgentID: agentID}))

	// The parked idle reaction is gone; nothing fires.
	te.fireDue(t, time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, te.fake.sendCount())
}

func TestWorkingAutoResumesPendingDecision(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentSignal{
		AgentID: agentID, Message: "stuck on migration",
	}))
	decisionID := te.jobDecisionID(t, jobID)

	require.NoError(t, te.ProcessSync(&event.AgentWorking{AgentID: agentID}))

	te.eventually(t, "decision auto-dismissed", func(st *state.State) bool {
		return st.Decisions[decisionID].Resolved
	})
	te.View(func(st *state.State) {
		assert.Contains(t, st.Decisions[decisionID].Message, "resumed working")
		assert.Equal(t, event.StatusRunning, st.Jobs[jobID].Status)
	})
}

func TestExitZeroAfterDeferralCompletesJob(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentExited{AgentID: agentID, ExitCode: 0}))
	te.fireDue(t, 3*time.Second)

	te.eventually(t, "job completes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusCompleted
	})
}

func TestSignalDuringExitWindowCancelsDeferral(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentExited{AgentID: agentID, ExitCode: 0}))
	require.NoError(t, te.ProcessSync(&event.AgentSignal{AgentID: agentID, Message: "not done yet"}))

	te.fireDue(t, time.Minute)
	te.View(func(st *state.State) {
		// The exit never finalised; the signal's decision holds the job.
		assert.Equal(t, event.StatusWaiting, st.Jobs[jobID].Status)
		assert.False(t, st.Jobs[jobID].Terminal())
	})
}

func TestGoneWithoutPolicyEscalatesDead(t *testing.T) {
	te := newTestEngine(t)
	path := te.writeRunbook(t, `
jobs:
  solo:
    steps:
      work:
        run:
          agent: worker
agents:
  worker:
    run: "agent-sidecar {prompt}"
`)
	require.NoError(t, te.ProcessSync(&event.CommandRun{
		Command: "solo", Dir: te.dir, RunbookPath: path,
	}))
	agentID := te.soleAgentID(t)
	jobID := te.soleJobID(t)

	require.NoError(t, te.ProcessSync(&event.AgentGone{AgentID: agentID}))

	decisionID := te.jobDecisionID(t, jobID)
	te.View(func(st *state.State) {
		assert.Equal(t, event.SourceDead, st.Decisions[decisionID].Source)
	})
	assert.False(t, te.Scheduler().Pending("liveness:"+agentID))
}

func TestApprovalPromptRoundtrip(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt:  event.PromptInfo{Type: "permission"},
	}))

	decisionID := te.jobDecisionID(t, jobID)
	var labels []string
	te.View(func(st *state.State) {
		d := st.Decisions[decisionID]
		assert.Equal(t, event.SourceApproval, d.Source)
		for _, o := range d.Options {
			labels = append(labels, o.Label)
		}
	})
	assert.Equal(t, []string{"Approve", "Deny", "Cancel", "Dismiss"}, labels)

	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{0},
	}))
	require.Eventually(t, func() bool {
		te.fake.mu.Lock()
		defer te.fake.mu.Unlock()
		return len(te.fake.responds) == 1 && te.fake.responds[0].accept
	}, 5*time.Second, 10*time.Millisecond)

	te.eventually(t, "job resumes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusRunning
	})
}

func TestSignalOptionsAnswerVerbatim(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentSignal{
		AgentID: agentID,
		Message: "deploy target?",
		Options: []string{"Ship to staging", "Ship to prod"},
	}))
	decisionID := te.jobDecisionID(t, jobID)

	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{1},
	}))
	require.Eventually(t, func() bool {
		te.fake.mu.Lock()
		defer te.fake.mu.Unlock()
		return len(te.fake.sends) == 1 && te.fake.sends[0] == "Ship to prod"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQuestionPromptGroupsAnswers(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt: event.PromptInfo{
			Type: "question",
			Questions: []event.PromptEntry{
				{Question: "Which database?", Options: []string{"postgres", "sqlite"}},
				{Question: "Run migrations?", Options: []string{"yes", "no"}},
			},
		},
	}))
	decisionID := te.jobDecisionID(t, jobID)

	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{0, 1},
	}))
	require.Eventually(t, func() bool {
		te.fake.mu.Lock()
		defer te.fake.mu.Unlock()
		if len(te.fake.sends) != 1 {
			return false
		}
		return strings.Contains(te.fake.sends[0], "Which database?: postgres") &&
			strings.Contains(te.fake.sends[0], "Run migrations?: no")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDecisionDominancePreventsWeakerEscalation(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt: event.PromptInfo{
			Type:      "question",
			Questions: []event.PromptEntry{{Question: "Proceed?", Options: []string{"yes"}}},
		},
	}))
	first := te.jobDecisionID(t, jobID)

	// An approval is dominated by the open question; the job must keep
	// pointing at the question.
	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt:  event.PromptInfo{Type: "permission"},
	}))

	te.View(func(st *state.State) {
		assert.Equal(t, first, st.Jobs[jobID].DecisionID)
		assert.Len(t, st.Decisions, 1)
	})
}
