package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/scheduler"
)

// handleTimerStart routes a fired timer by its key prefix. Timer events are
// transient: the durable consequence of a timer is whatever persisted event
// its handler emits.
func (e *Engine) handleTimerStart(p *event.TimerStart) ([]effect.Effect, error) {
	prefix, rest := scheduler.SplitKey(p.Key)
	switch prefix {
	case scheduler.KeyLiveness:
		return e.livenessFired(rest), nil
	case scheduler.KeyCooldown, scheduler.KeyIdleGrace:
		return e.parkedActionFired(p.Key), nil
	case scheduler.KeyExitDeferred:
		return e.exitDeferredFired(rest), nil
	case scheduler.KeyCron:
		return e.cronFired(rest), nil
	}
	e.logger.Warn("timer with unknown key prefix", zap.String("key", p.Key))
	return nil, nil
}

// livenessFired probes the agent off the event loop and either re-arms the
// timer or reports the agent gone.
func (e *Engine) livenessFired(agentID string) []effect.Effect {
	if _, ok := e.agentOwner(agentID); !ok {
		return nil
	}
	interval := defaultLivenessInterval
	if e.cfg != nil {
		interval = e.cfg.Agent.LivenessIntervalDuration()
	}
	e.goAsync(func(ctx context.Context) {
		a, err := e.router.ForAgent(agentID)
		if err != nil {
			e.Submit(&event.AgentGone{AgentID: agentID})
			return
		}
		probe, cancel := waitClamp(ctx, interval)
		defer cancel()
		if a.IsAlive(probe, agentID) {
			e.sched.Set(scheduler.Key(scheduler.KeyLiveness, agentID), interval)
			return
		}
		e.Submit(&event.AgentGone{AgentID: agentID})
	})
	return nil
}

// parkedActionFired re-executes a reaction that was waiting out a cooldown
// or an idle grace period.
func (e *Engine) parkedActionFired(key string) []effect.Effect {
	pa, ok := e.cooldowns[key]
	if !ok {
		return nil
	}
	delete(e.cooldowns, key)

	e.mu.Lock()
	terminal := e.st.OwnerTerminal(pa.owner)
	e.mu.Unlock()
	if terminal {
		return nil
	}
	if pa.tracked {
		return e.reactTracked(pa.owner, pa.agentID, pa.trigger, pa.chainPos, pa.action, pa.esc)
	}
	// Attempts were counted when the action was parked.
	return e.execAction(pa.owner, pa.agentID, pa.trigger, pa.chainPos, pa.action, pa.esc)
}

// exitDeferredFired finalises an agent exit that no signal rescued.
func (e *Engine) exitDeferredFired(ownerKey string) []effect.Effect {
	pe, ok := e.exits[ownerKey]
	if !ok {
		return nil
	}
	delete(e.exits, ownerKey)

	owner, valid := parseOwnerKey(ownerKey)
	if !valid {
		return nil
	}
	e.stopBridge(pe.agentID)
	e.sched.Cancel(scheduler.Key(scheduler.KeyLiveness, pe.agentID))

	e.mu.Lock()
	terminal := e.st.OwnerTerminal(owner)
	e.mu.Unlock()
	if terminal {
		return nil
	}
	if pe.exitCode == 0 {
		return e.ownerDone(owner)
	}
	return e.reactDead(owner, pe.agentID, pe.exitCode, pe.lastMessage)
}

// parseOwnerKey inverts scheduler.OwnerKey.
func parseOwnerKey(s string) (event.Owner, bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return event.Owner{}, false
	}
	kind := event.OwnerKind(s[:i])
	if kind != event.OwnerJob && kind != event.OwnerCrew {
		return event.Owner{}, false
	}
	return event.Owner{Kind: kind, ID: s[i+1:]}, true
}
