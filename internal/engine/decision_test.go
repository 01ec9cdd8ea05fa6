package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

func TestPlanPromptOffersAcceptVariants(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt: event.PromptInfo{
			Type:  "plan",
			Input: map[string]any{"plan": "1. refactor\n2. test"},
		},
	}))

	decisionID := te.jobDecisionID(t, jobID)
	te.View(func(st *state.State) {
		d := st.Decisions[decisionID]
		assert.Equal(t, event.SourcePlan, d.Source)
		assert.Equal(t, "1. refactor\n2. test", d.Context)
		require.Len(t, d.Options, 5)
		assert.Equal(t, "Accept (clear context)", d.Options[0].Label)
		assert.True(t, d.Options[0].Recommended)
	})

	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{1},
	}))
	require.Eventually(t, func() bool {
		te.fake.mu.Lock()
		defer te.fake.mu.Unlock()
		return len(te.fake.responds) == 1 &&
			te.fake.responds[0].accept &&
			te.fake.responds[0].option == "Accept (auto edits)"
	}, 5*time.Second, 10*time.Millisecond)

	te.eventually(t, "job resumes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusRunning
	})
}

func TestReviseWithoutMessageIsAnError(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt:  event.PromptInfo{Type: "plan"},
	}))
	decisionID := te.jobDecisionID(t, jobID)

	err := te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{3},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a message")
}

func TestReviseWithMessageForwardsIt(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt:  event.PromptInfo{Type: "plan"},
	}))
	decisionID := te.jobDecisionID(t, jobID)

	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID,
		Choices:    []int{3},
		Message:    "split step two into smaller changes",
	}))
	require.Eventually(t, func() bool {
		te.fake.mu.Lock()
		defer te.fake.mu.Unlock()
		return len(te.fake.sends) == 1 && te.fake.sends[0] == "split step two into smaller changes"
	}, 5*time.Second, 10*time.Millisecond)
	te.eventually(t, "job resumes", func(st *state.State) bool {
		return st.Jobs[jobID].Status == event.StatusRunning
	})
}

func TestCancelOptionRoutesToJobCancel(t *testing.T) {
	te := newTestEngine(t)
	jobID, agentID := startAgentJob(t, te)

	require.NoError(t, te.ProcessSync(&event.AgentPrompt{
		AgentID: agentID,
		Prompt:  event.PromptInfo{Type: "permission"},
	}))
	decisionID := te.jobDecisionID(t, jobID)

	// Approval options: Approve, Deny, Cancel, Dismiss.
	require.NoError(t, te.ProcessSync(&event.DecisionResolved{
		DecisionID: decisionID, Choices: []int{2},
	}))

	te.eventually(t, "job cancels", func(st *state.State) bool {
		return st.Jobs[jobID].Step == event.StepCancelled
	})
	require.Eventually(t, func() bool { return te.fake.killCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}
