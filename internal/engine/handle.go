package engine

import (
	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
)

// handle is the runtime dispatch table: one entry per event kind, each
// returning the effects that follow from it. Handlers read state under the
// engine lock via snapshot helpers and never block.
func (e *Engine) handle(ev event.Event) ([]effect.Effect, error) {
	switch p := ev.Payload.(type) {
	case *event.CommandRun:
		return e.handleCommandRun(p)
	case *event.JobCreated:
		return e.handleJobCreated(p)
	case *event.StepStarted:
		return e.handleStepStarted(p)
	case *event.JobAdvanced:
		return e.handleJobAdvanced(p)
	case *event.ShellExited:
		return e.handleShellExited(p)
	case *event.JobResume:
		return e.handleJobResume(p)
	case *event.JobCancelRequested:
		return e.handleJobCancel(p)
	case *event.JobSuspendRequested:
		return e.handleJobSuspend(p)
	case *event.CrewCancelRequested:
		return e.handleCrewCancel(p)

	case *event.AgentSpawned:
		return e.handleAgentSpawned(p)
	case *event.AgentSpawnFailed:
		return e.handleAgentSpawnFailed(p)
	case *event.AgentWorking:
		return e.handleAgentWorking(p)
	case *event.AgentWaiting:
		return e.handleAgentWaiting(p)
	case *event.AgentIdle:
		return e.handleAgentIdle(p)
	case *event.AgentPrompt:
		return e.handleAgentPrompt(p)
	case *event.AgentFailed:
		return e.handleAgentFailed(p)
	case *event.AgentExited:
		return e.handleAgentExited(p)
	case *event.AgentGone:
		return e.handleAgentGone(p)
	case *event.AgentSignal:
		return e.handleAgentSignal(p)
	case *event.AgentStopBlocked, *event.AgentStopAllowed:
		// Stop-hook outcomes are informational; the sidecar owns the hold.
		return nil, nil

	case *event.WorkerStarted:
		return e.handleWorkerStarted(p)
	case *event.WorkerWake:
		return e.handleWorkerWake(p)
	case *event.WorkerPolled:
		return e.handleWorkerPolled(p)
	case *event.WorkerTook:
		return e.handleWorkerTook(p)
	case *event.QueuePushed:
		return e.handleQueuePushed(p)

	case *event.CronStarted:
		return e.handleCronStarted(p)
	case *event.CronStopped:
		return e.handleCronStopped(p)

	case *event.DecisionResolved:
		return e.handleDecisionResolved(p)

	case *event.TimerStart:
		return e.handleTimerStart(p)
	}
	return nil, nil
}
