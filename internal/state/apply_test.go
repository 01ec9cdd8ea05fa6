package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func fold(events ...event.Payload) *State {
	st := New()
	for i, p := range events {
		st.Apply(event.Event{Seq: uint64(i + 1), Time: t0.Add(time.Duration(i) * time.Second), Payload: p})
	}
	return st
}

func newJob(id string) *event.JobCreated {
	return &event.JobCreated{
		JobID:       id,
		Name:        "deploy",
		JobKind:     "job",
		Dir:         "/tmp/p",
		RunbookHash: "h1",
		InitialStep: "build",
	}
}

func TestFoldIsDeterministic(t *testing.T) {
	events := []event.Payload{
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build", AgentName: "builder"},
		&event.AgentSpawned{AgentID: "a1", Owner: event.JobOwner("j1"), AgentName: "builder", Runtime: "local", Step: "build"},
		&event.JobAdvanced{JobID: "j1", Step: "test"},
		&event.StepStarted{JobID: "j1", Step: "test"},
		&event.JobAdvanced{JobID: "j1", Step: event.StepDone},
	}
	a := fold(events...)
	b := fold(events...)
	assert.Equal(t, a, b)
}

func TestJobLifecycle(t *testing.T) {
	st := fold(
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build"},
	)
	j := st.Jobs["j1"]
	require.NotNil(t, j)
	assert.Equal(t, "build", j.Step)
	assert.Equal(t, event.StatusRunning, j.Status)
	assert.Equal(t, 1, j.StepVisits["build"])
	require.Len(t, j.History, 1)
	assert.Equal(t, OutcomeRunning, j.History[0].Outcome)

	st.Apply(event.Event{Seq: 3, Time: t0, Payload: &event.JobAdvanced{JobID: "j1", Step: event.StepDone}})
	assert.Equal(t, event.StepDone, j.Step)
	assert.Equal(t, event.StatusCompleted, j.Status)
	assert.Equal(t, OutcomeDone, j.History[0].Outcome)
	require.NotNil(t, j.History[0].FinishedAt)
}

func TestDuplicateJobCreatedIsNoOp(t *testing.T) {
	st := fold(newJob("j1"), &event.StepStarted{JobID: "j1", Step: "build"})
	created := st.Jobs["j1"].CreatedAt

	dup := newJob("j1")
	dup.Name = "other"
	st.Apply(event.Event{Seq: 3, Time: t0.Add(time.Hour), Payload: dup})

	assert.Equal(t, "deploy", st.Jobs["j1"].Name)
	assert.Equal(t, "build", st.Jobs["j1"].Step)
	assert.Equal(t, created, st.Jobs["j1"].CreatedAt)
}

func TestFailedAdvanceRecordsError(t *testing.T) {
	st := fold(
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build"},
		&event.JobAdvanced{JobID: "j1", Step: event.StepFailed, Error: "exit 1"},
	)
	j := st.Jobs["j1"]
	assert.Equal(t, event.StatusFailed, j.Status)
	assert.Equal(t, "exit 1", j.Error)
	assert.Equal(t, OutcomeFailed, j.History[0].Outcome)
}

func TestStepStartedClearsErrorAndDecision(t *testing.T) {
	st := fold(
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build"},
		&event.JobAdvanced{JobID: "j1", Step: "build", Error: "flaky"},
		&event.StepStarted{JobID: "j1", Step: "build"},
	)
	j := st.Jobs["j1"]
	assert.Empty(t, j.Error)
	assert.Empty(t, j.DecisionID)
	assert.Equal(t, 2, j.StepVisits["build"])
}

func TestDecisionSupersession(t *testing.T) {
	owner := event.JobOwner("j1")
	st := fold(
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build"},
		&event.DecisionCreated{DecisionID: "d1", Owner: owner, Source: event.SourceIdle},
		&event.DecisionCreated{DecisionID: "d2", Owner: owner, Source: event.SourceQuestion},
	)
	d1 := st.Decisions["d1"]
	d2 := st.Decisions["d2"]
	require.NotNil(t, d1)
	require.NotNil(t, d2)

	assert.True(t, d1.Resolved)
	assert.Equal(t, "d2", d1.SupersededBy)
	assert.False(t, d2.Resolved)
	assert.Equal(t, "d2", st.Jobs["j1"].DecisionID)
	assert.Equal(t, event.StatusWaiting, st.Jobs["j1"].Status)
}

func TestDominatedDecisionIsDropped(t *testing.T) {
	owner := event.JobOwner("j1")
	st := fold(
		newJob("j1"),
		&event.DecisionCreated{DecisionID: "d1", Owner: owner, Source: event.SourceQuestion},
		&event.DecisionCreated{DecisionID: "d2", Owner: owner, Source: event.SourceApproval},
	)
	assert.NotContains(t, st.Decisions, "d2")
	assert.False(t, st.Decisions["d1"].Resolved)
	assert.Equal(t, "d1", st.Jobs["j1"].DecisionID)
}

func TestDuplicateDecisionCreatedIsNoOp(t *testing.T) {
	owner := event.JobOwner("j1")
	st := fold(
		newJob("j1"),
		&event.DecisionCreated{DecisionID: "d1", Owner: owner, Source: event.SourceIdle},
	)
	createdAt := st.Decisions["d1"].CreatedAt
	st.Apply(event.Event{Seq: 3, Time: t0.Add(time.Hour), Payload: &event.DecisionCreated{
		DecisionID: "d1", Owner: owner, Source: event.SourceQuestion,
	}})
	assert.Equal(t, event.SourceIdle, st.Decisions["d1"].Source)
	assert.Equal(t, createdAt, st.Decisions["d1"].CreatedAt)
}

func TestOwnerTerminalCleansUp(t *testing.T) {
	owner := event.JobOwner("j1")
	st := fold(
		newJob("j1"),
		&event.StepStarted{JobID: "j1", Step: "build"},
		&event.AgentSpawned{AgentID: "a1", Owner: owner, AgentName: "builder", Runtime: "local"},
		&event.DecisionCreated{DecisionID: "d1", Owner: owner, Source: event.SourceIdle},
		&event.JobAdvanced{JobID: "j1", Step: event.StepCancelled},
	)
	assert.NotContains(t, st.Agents, "a1")
	assert.NotContains(t, st.Decisions, "d1")
}

func TestWorkerStartedDegradesToWakeWhenRunning(t *testing.T) {
	st := fold(
		&event.WorkerStarted{Name: "w", Queue: "q", Concurrency: 2, RunbookHash: "h1"},
		&event.WorkerDispatched{Name: "w", Owner: event.JobOwner("j1"), ItemID: "i1"},
		&event.WorkerStarted{Name: "w", Queue: "q", Concurrency: 3, RunbookHash: "h2"},
	)
	w := st.Workers["w"]
	require.NotNil(t, w)
	assert.Equal(t, 3, w.Concurrency)
	assert.Equal(t, "h2", w.RunbookHash)
	// Dispatch bookkeeping survives the degraded restart.
	assert.True(t, w.Active["job:j1"])
	assert.Equal(t, "i1", w.Items["job:j1"])
}

func TestQueueItemTransitions(t *testing.T) {
	st := fold(
		&event.QueuePushed{ItemID: "i1", Queue: "q", Data: map[string]string{"id": "6"}},
		&event.QueueTaken{ItemID: "i1", Worker: "w"},
	)
	it := st.QueueItems["i1"]
	require.NotNil(t, it)
	assert.Equal(t, event.ItemActive, it.Status)
	assert.Equal(t, "w", it.Worker)

	st.Apply(event.Event{Seq: 3, Time: t0, Payload: &event.QueueItemUpdated{ItemID: "i1", Status: event.ItemRetried}})
	assert.Equal(t, event.ItemPending, it.Status)
	assert.Empty(t, it.Worker)
	assert.Equal(t, 1, it.Failures)

	st.Apply(event.Event{Seq: 4, Time: t0, Payload: &event.QueueDropped{ItemID: "i1"}})
	assert.NotContains(t, st.QueueItems, "i1")
}

func TestQueuePushDedupsEqualPendingData(t *testing.T) {
	st := fold(
		&event.QueuePushed{ItemID: "i1", Queue: "q", Data: map[string]string{"id": "6"}},
		&event.QueuePushed{ItemID: "i2", Queue: "q", Data: map[string]string{"id": "6"}},
		&event.QueuePushed{ItemID: "i3", Queue: "q", Data: map[string]string{"id": "7"}},
	)
	assert.Contains(t, st.QueueItems, "i1")
	assert.NotContains(t, st.QueueItems, "i2")
	assert.Contains(t, st.QueueItems, "i3")
}

func TestCrewLifecycle(t *testing.T) {
	st := fold(
		&event.CrewCreated{CrewID: "c1", AgentName: "reviewer", CommandName: "review", Dir: "/tmp", RunbookHash: "h"},
		&event.AgentSpawned{AgentID: "a1", Owner: event.CrewOwner("c1"), AgentName: "reviewer", Runtime: "local"},
	)
	c := st.Crews["c1"]
	require.NotNil(t, c)
	assert.Equal(t, event.CrewRunning, c.Status)
	assert.Equal(t, "a1", c.AgentID)

	st.Apply(event.Event{Seq: 3, Time: t0, Payload: &event.CrewUpdated{CrewID: "c1", Status: event.CrewCompleted, Reason: "done"}})
	assert.Equal(t, event.CrewCompleted, c.Status)
	assert.NotContains(t, st.Agents, "a1")
}

func TestResolvePrefix(t *testing.T) {
	st := fold(newJob("abc123"), newJob("abd456"))

	j, err := st.ResolveJob("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", j.ID)

	_, err = st.ResolveJob("ab")
	var ambiguous *AmbiguousPrefixError
	assert.ErrorAs(t, err, &ambiguous)

	_, err = st.ResolveJob("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}
