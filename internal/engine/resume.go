package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/scheduler"
)

// resumeProbeTimeout bounds each is_alive check during smart resume.
const resumeProbeTimeout = 2 * time.Second

// handleJobResume unifies restart semantics: terminal jobs reset to their
// last real step, shell steps replay, and agent steps either message the
// live agent or respawn a dead one. Respawning over a live agent requires
// the kill flag.
func (e *Engine) handleJobResume(p *event.JobResume) ([]effect.Effect, error) {
	e.mu.Lock()
	j, ok := e.st.Jobs[p.JobID]
	var terminal, flagged bool
	var step string
	var agentIDs []string
	if ok {
		terminal = j.Terminal()
		flagged = j.Cancelling || j.Failing || j.Suspending
		step = j.Step
		if terminal {
			if rec := j.LastNonTerminalRecord(); rec != nil {
				step = rec.Step
			} else {
				step = ""
			}
		}
		// Newest-first agent ids recorded for the target step.
		seen := map[string]bool{}
		for i := len(j.History) - 1; i >= 0; i-- {
			rec := j.History[i]
			if rec.Step != step || rec.AgentID == "" || seen[rec.AgentID] {
				continue
			}
			seen[rec.AgentID] = true
			agentIDs = append(agentIDs, rec.AgentID)
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, p.JobID)
	}
	if terminal && step == "" {
		return nil, fmt.Errorf("%w: job %s has no resumable step", ErrStepNotFound, p.JobID)
	}

	var effects []effect.Effect
	if len(p.Vars) > 0 {
		effects = append(effects, effect.Emit{Event: &event.JobVarsMerged{
			JobID: p.JobID,
			Vars:  namespaceVars(p.Vars),
		}})
	}

	if terminal {
		if flagged {
			effects = append(effects, effect.Emit{Event: &event.JobFlagged{JobID: p.JobID}})
		}
		if p.Message != "" {
			effects = append(effects, effect.Emit{Event: &event.JobVarsMerged{
				JobID: p.JobID,
				Vars:  map[string]string{"resume.message": p.Message},
			}})
		}
		return append(effects, e.stepTransition(p.JobID, step, "")...), nil
	}

	_, def, err := e.jobRunbook(p.JobID)
	if err != nil {
		return nil, err
	}
	stepDef, found := def.Steps[step]
	if !found || stepDef.Run == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, step)
	}

	if stepDef.Run.Shell != "" {
		if p.Message != "" {
			e.logger.Info("resume message ignored for shell step",
				zap.String("job_id", shortID(p.JobID)),
				zap.String("step", step))
		}
		return append(effects, e.stepTransition(p.JobID, step, "")...), nil
	}

	return e.resumeAgentStep(p, step, agentIDs, effects)
}

// resumeAgentStep probes history agents for liveness and routes between the
// nudge, kill-and-respawn, and recover paths.
func (e *Engine) resumeAgentStep(p *event.JobResume, step string, agentIDs []string, effects []effect.Effect) ([]effect.Effect, error) {
	var alive []string
	for _, id := range agentIDs {
		a, err := e.router.ForAgent(id)
		if err != nil {
			continue
		}
		ctx, cancel := waitClamp(e.ctx, resumeProbeTimeout)
		ok := a.IsAlive(ctx, id)
		cancel()
		if ok {
			alive = append(alive, id)
		}
	}

	switch {
	case len(alive) > 0 && p.Kill:
		for _, id := range alive {
			effects = append(effects,
				effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, id)},
				effect.KillAgent{AgentID: id},
			)
		}
		if p.Message != "" {
			effects = append(effects, effect.Emit{Event: &event.JobVarsMerged{
				JobID: p.JobID,
				Vars:  map[string]string{"resume.message": p.Message},
			}})
		}
		return append(effects, e.stepTransition(p.JobID, step, "")...), nil

	case len(alive) > 0 && p.Message != "":
		return append(effects,
			effect.SendToAgent{AgentID: alive[0], Owner: event.JobOwner(p.JobID), Text: p.Message},
			effect.Emit{Event: &event.JobStatusChanged{JobID: p.JobID, Status: event.StatusRunning}},
		), nil

	case len(alive) > 0:
		return nil, ErrAliveAgent

	default:
		// Every recorded agent is dead; respawn the step fresh.
		if p.Message != "" {
			effects = append(effects, effect.Emit{Event: &event.JobVarsMerged{
				JobID: p.JobID,
				Vars:  map[string]string{"resume.message": p.Message},
			}})
		}
		return append(effects, e.stepTransition(p.JobID, step, "")...), nil
	}
}
