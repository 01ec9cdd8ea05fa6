package engine

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/scheduler"
)

// gateStepPrefix marks ShellExited events that belong to a gate command
// rather than a job step.
const gateStepPrefix = "gate|"

// autoResumeSuppress is how long after a nudge a Working transition is
// treated as the nudge echo rather than real progress.
func (e *Engine) autoResumeSuppress() (d int64) {
	if e.cfg != nil {
		return int64(e.cfg.Agent.NudgeSuppressDuration().Seconds())
	}
	return 60
}

// buildSpawnEffects renders the agent's prompt, injects it as {prompt} with
// shell metacharacters escaped, and produces the spawn intent.
func (e *Engine) buildSpawnEffects(agentDef *runbook.AgentDef, owner event.Owner, step string, vars map[string]string, dir string) []effect.Effect {
	prompt := interpolate(agentDef.Prompt, vars)
	runVars := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		runVars[k] = v
	}
	runVars["prompt"] = escapeShellMeta(prompt)
	cmd := interpolate(agentDef.Run, runVars)

	return []effect.Effect{effect.SpawnAgent{
		Owner:     owner,
		AgentName: agentDef.Name,
		Runtime:   agentDef.Runtime,
		Step:      step,
		Command:   cmd,
		Dir:       dir,
	}}
}

// spawnCrew creates a crew record and spawns its single agent.
func (e *Engine) spawnCrew(rb *runbook.Runbook, agentName, cmdName, project, dir string, inputs map[string]string) ([]effect.Effect, error) {
	agentDef, ok := rb.Agents[agentName]
	if !ok {
		return nil, fmt.Errorf("%w: agent %q", ErrAgentNotFound, agentName)
	}
	crewID := uuid.New().String()
	vars := namespaceVars(inputs)
	vars["invoke.dir"] = dir
	vars["crew_id"] = crewID
	vars["name"] = agentName + "-" + crewID[:8]

	effects := []effect.Effect{effect.Emit{Event: &event.CrewCreated{
		CrewID:      crewID,
		AgentName:   agentName,
		CommandName: cmdName,
		Project:     project,
		Dir:         dir,
		RunbookHash: rb.Hash,
	}}}
	return append(effects, e.buildSpawnEffects(agentDef, event.CrewOwner(crewID), "", vars, dir)...), nil
}

// handleAgentSpawned attaches the monitoring bridge and arms the liveness
// timer.
func (e *Engine) handleAgentSpawned(p *event.AgentSpawned) ([]effect.Effect, error) {
	e.startBridge(p.AgentID)
	interval := defaultLivenessInterval
	if e.cfg != nil {
		interval = e.cfg.Agent.LivenessIntervalDuration()
	}
	return []effect.Effect{effect.SetTimer{
		Key: scheduler.Key(scheduler.KeyLiveness, p.AgentID),
		In:  interval,
	}}, nil
}

// handleAgentSpawnFailed routes the failure through the owner's dead policy
// (crews fail directly: there is no agent to supervise).
func (e *Engine) handleAgentSpawnFailed(p *event.AgentSpawnFailed) ([]effect.Effect, error) {
	switch p.Owner.Kind {
	case event.OwnerCrew:
		return e.terminateCrew(p.Owner.ID, event.CrewFailed, "spawn failed: "+p.Reason), nil
	case event.OwnerJob:
		agentDef, _, ok := e.ownerAgentDef(p.Owner)
		esc := escDead(0, "spawn failed: "+p.Reason)
		if !ok {
			return e.failJob(p.Owner.ID, "spawn failed: "+p.Reason), nil
		}
		var act *runbook.ActionDef
		if agentDef != nil {
			act = agentDef.OnDead
		}
		return e.reactTracked(p.Owner, "", "dead", 0, act, esc), nil
	}
	return nil, nil
}

func (e *Engine) handleAgentWorking(p *event.AgentWorking) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	ownerKey := scheduler.OwnerKey(owner)

	e.mu.Lock()
	var waiting bool
	var sinceNudge float64 = 1 << 30
	switch owner.Kind {
	case event.OwnerJob:
		if j, ok := e.st.Jobs[owner.ID]; ok {
			// Progress resets the attempt streaks.
			for k := range j.Attempts {
				delete(j.Attempts, k)
			}
			waiting = j.Status == event.StatusWaiting
			if !j.LastNudge.IsZero() {
				sinceNudge = e.clk.Since(j.LastNudge).Seconds()
			}
		}
	case event.OwnerCrew:
		if c, ok := e.st.Crews[owner.ID]; ok {
			for k := range c.Attempts {
				delete(c.Attempts, k)
			}
			waiting = c.Status == event.CrewEscalated || c.Status == event.CrewWaiting
			if !c.LastNudge.IsZero() {
				sinceNudge = e.clk.Since(c.LastNudge).Seconds()
			}
		}
	}
	var decisionID string
	if d := e.st.UnresolvedDecision(owner); d != nil {
		decisionID = d.ID
	}
	e.mu.Unlock()

	graceKey := scheduler.Key(scheduler.KeyIdleGrace, ownerKey)
	e.sched.Cancel(graceKey)
	delete(e.cooldowns, graceKey)

	if !waiting || sinceNudge <= float64(e.autoResumeSuppress()) {
		return nil, nil
	}
	var effects []effect.Effect
	if decisionID != "" {
		effects = append(effects, effect.Emit{Event: &event.DecisionResolved{
			DecisionID: decisionID,
			Message:    "auto-dismissed: agent resumed working",
		}})
	}
	switch owner.Kind {
	case event.OwnerJob:
		effects = append(effects, effect.Emit{Event: &event.JobStatusChanged{
			JobID:  owner.ID,
			Status: event.StatusRunning,
		}})
	case event.OwnerCrew:
		effects = append(effects, effect.Emit{Event: &event.CrewUpdated{
			CrewID: owner.ID,
			Status: event.CrewRunning,
		}})
	}
	return effects, nil
}

func (e *Engine) handleAgentWaiting(p *event.AgentWaiting) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	switch owner.Kind {
	case event.OwnerJob:
		e.mu.Lock()
		j, ok := e.st.Jobs[owner.ID]
		running := ok && j.Status == event.StatusRunning
		e.mu.Unlock()
		if running {
			return []effect.Effect{effect.Emit{Event: &event.JobStatusChanged{
				JobID:  owner.ID,
				Status: event.StatusWaiting,
			}}}, nil
		}
	case event.OwnerCrew:
		e.mu.Lock()
		c, ok := e.st.Crews[owner.ID]
		running := ok && c.Status == event.CrewRunning
		e.mu.Unlock()
		if running {
			return []effect.Effect{effect.Emit{Event: &event.CrewUpdated{
				CrewID: owner.ID,
				Status: event.CrewWaiting,
			}}}, nil
		}
	}
	return nil, nil
}

// handleAgentIdle parks the idle reaction behind a short grace timer so a
// between-turns blip does not fire the policy.
func (e *Engine) handleAgentIdle(p *event.AgentIdle) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	agentDef, _, _ := e.ownerAgentDef(owner)
	var act *runbook.ActionDef
	if agentDef != nil {
		act = agentDef.OnIdle
	}
	key := scheduler.Key(scheduler.KeyIdleGrace, scheduler.OwnerKey(owner))
	e.cooldowns[key] = pendingAction{
		owner:   owner,
		agentID: p.AgentID,
		trigger: "idle",
		action:  act,
		esc:     escIdle(),
		tracked: true,
	}
	return []effect.Effect{effect.SetTimer{Key: key, In: idleGracePeriod}}, nil
}

func (e *Engine) handleAgentPrompt(p *event.AgentPrompt) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	esc := escFromPrompt(&p.Prompt, e.agentLastMessage(p.AgentID))

	agentDef, _, _ := e.ownerAgentDef(owner)
	if agentDef != nil && agentDef.OnPrompt != nil {
		// Prompt actions fire once per occurrence and do not attempt-track.
		return e.execAction(owner, p.AgentID, "prompt", 0, agentDef.OnPrompt, esc), nil
	}
	return e.escalate(owner, p.AgentID, esc), nil
}

func (e *Engine) handleAgentFailed(p *event.AgentFailed) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	agentDef, _, _ := e.ownerAgentDef(owner)
	var act *runbook.ActionDef
	if agentDef != nil {
		act = agentDef.ErrorAction(string(p.Category))
	}
	trigger := "error:" + string(p.Category)
	return e.reactTracked(owner, p.AgentID, trigger, 0, act, escError(p.Category, p.Detail)), nil
}

// handleAgentExited defers finalisation: an Escalate signal before the timer
// fires means the agent is still alive.
func (e *Engine) handleAgentExited(p *event.AgentExited) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	ownerKey := scheduler.OwnerKey(owner)
	e.exits[ownerKey] = pendingExit{
		agentID:     p.AgentID,
		exitCode:    p.ExitCode,
		lastMessage: p.LastMessage,
	}
	deferral := defaultExitDeferred
	if e.cfg != nil {
		deferral = e.cfg.Agent.ExitDeferredDuration()
	}
	return []effect.Effect{effect.SetTimer{
		Key: scheduler.Key(scheduler.KeyExitDeferred, ownerKey),
		In:  deferral,
	}}, nil
}

func (e *Engine) handleAgentGone(p *event.AgentGone) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	ownerKey := scheduler.OwnerKey(owner)
	if _, pending := e.exits[ownerKey]; pending {
		// The deferred exit owns the outcome; the stream closing after an
		// exit report is expected.
		return nil, nil
	}
	e.stopBridge(p.AgentID)
	e.sched.Cancel(scheduler.Key(scheduler.KeyLiveness, p.AgentID))
	return e.reactDead(owner, p.AgentID, -1, ""), nil
}

// handleAgentSignal is an explicit escalation raised by the agent; it also
// proves the agent is alive, cancelling any deferred exit.
func (e *Engine) handleAgentSignal(p *event.AgentSignal) ([]effect.Effect, error) {
	owner, ok := e.agentOwner(p.AgentID)
	if !ok {
		return nil, nil
	}
	ownerKey := scheduler.OwnerKey(owner)
	delete(e.exits, ownerKey)
	e.sched.Cancel(scheduler.Key(scheduler.KeyExitDeferred, ownerKey))
	return e.escalate(owner, p.AgentID, escSignal(p.Message, p.Options)), nil
}

// reactDead runs the owner's on_dead policy, defaulting to escalation.
func (e *Engine) reactDead(owner event.Owner, agentID string, exitCode int, lastMessage string) []effect.Effect {
	agentDef, _, _ := e.ownerAgentDef(owner)
	var act *runbook.ActionDef
	if agentDef != nil {
		act = agentDef.OnDead
	}
	return e.reactTracked(owner, agentID, "dead", 0, act, escDead(exitCode, lastMessage))
}

// reactTracked applies the attempt/cooldown discipline before executing an
// action: exceeding the bound escalates with an exhausted marker; repeats of
// a cooldown action park behind a timer.
func (e *Engine) reactTracked(owner event.Owner, agentID, trigger string, chainPos int, act *runbook.ActionDef, esc *escalation) []effect.Effect {
	if act == nil || act.Kind == runbook.ActionEscalate {
		return e.escalate(owner, agentID, esc)
	}
	n := e.bumpAttempts(owner, trigger, chainPos)
	if n > act.Bound() {
		esc = esc.exhausted(trigger)
		return e.escalate(owner, agentID, esc)
	}
	if act.Cooldown.Std() > 0 && n > 1 {
		key := scheduler.Key(scheduler.KeyCooldown, scheduler.OwnerKey(owner), trigger, strconv.Itoa(chainPos))
		e.cooldowns[key] = pendingAction{
			owner:    owner,
			agentID:  agentID,
			trigger:  trigger,
			chainPos: chainPos,
			action:   act,
			esc:      esc,
		}
		return []effect.Effect{effect.SetTimer{Key: key, In: act.Cooldown.Std()}}
	}
	return e.execAction(owner, agentID, trigger, chainPos, act, esc)
}

func (e *Engine) bumpAttempts(owner event.Owner, trigger string, chainPos int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch owner.Kind {
	case event.OwnerJob:
		if j, ok := e.st.Jobs[owner.ID]; ok {
			return j.Attempts.Bump(j.Attempts.Key(trigger, chainPos))
		}
	case event.OwnerCrew:
		if c, ok := e.st.Crews[owner.ID]; ok {
			return c.Attempts.Bump(c.Attempts.Key(trigger, chainPos))
		}
	}
	return 1
}

// execAction carries out one reaction verb.
func (e *Engine) execAction(owner event.Owner, agentID, trigger string, chainPos int, act *runbook.ActionDef, esc *escalation) []effect.Effect {
	switch act.Kind {
	case runbook.ActionDone:
		return e.ownerDone(owner)

	case runbook.ActionFail:
		return e.ownerFail(owner, "policy: fail on "+trigger)

	case runbook.ActionEscalate:
		return e.escalate(owner, agentID, esc)

	case runbook.ActionNudge:
		msg := act.Message
		if msg == "" {
			msg = "continue"
		}
		return []effect.Effect{effect.SendToAgent{AgentID: agentID, Owner: owner, Text: msg}}

	case runbook.ActionGate:
		marker := gateStepPrefix + trigger + "|" + strconv.Itoa(chainPos)
		e.gates[owner.String()+"|"+marker] = pendingGate{
			agentID:  agentID,
			trigger:  trigger,
			chainPos: chainPos,
			action:   act,
		}
		cmd, dir := e.ownerShellContext(owner, act.Run)
		return []effect.Effect{effect.Shell{Owner: owner, Step: marker, Cmd: cmd, Dir: dir}}

	case runbook.ActionRespond:
		return []effect.Effect{effect.RespondToAgent{AgentID: agentID, Accept: act.Accept}}

	case runbook.ActionRetry:
		return e.ownerRetry(owner, agentID, "policy: retry on "+trigger)
	}
	e.logger.Warn("unknown action kind", zap.String("kind", string(act.Kind)))
	return nil
}

// handleGateExited routes a gate command's exit back into the action chain.
func (e *Engine) handleGateExited(p *event.ShellExited) ([]effect.Effect, error) {
	key := p.Owner.String() + "|" + p.Step
	g, ok := e.gates[key]
	if !ok {
		return nil, nil
	}
	delete(e.gates, key)

	if p.ExitCode == 0 {
		if g.action.OnPass == nil {
			return nil, nil
		}
		return e.reactTracked(p.Owner, g.agentID, g.trigger, g.chainPos+1, g.action.OnPass, escGate(g.action.Run, 0, "")), nil
	}
	esc := escGate(g.action.Run, p.ExitCode, p.Stderr)
	if g.action.OnFail == nil {
		return e.escalate(p.Owner, g.agentID, esc), nil
	}
	return e.reactTracked(p.Owner, g.agentID, g.trigger, g.chainPos+1, g.action.OnFail, esc), nil
}

// ownerDone routes the owner to its success terminal: jobs complete the
// current step through on_done, crews complete outright.
func (e *Engine) ownerDone(owner event.Owner) []effect.Effect {
	switch owner.Kind {
	case event.OwnerJob:
		e.mu.Lock()
		j, ok := e.st.Jobs[owner.ID]
		step := ""
		if ok {
			step = j.Step
		}
		e.mu.Unlock()
		if !ok {
			return nil
		}
		next := event.StepDone
		if _, def, err := e.jobRunbook(owner.ID); err == nil {
			next = nextOnDone(def, def.Steps[step], step)
		}
		return e.advanceJob(owner.ID, next, "")
	case event.OwnerCrew:
		return e.terminateCrew(owner.ID, event.CrewCompleted, "")
	}
	return nil
}

func (e *Engine) ownerFail(owner event.Owner, reason string) []effect.Effect {
	switch owner.Kind {
	case event.OwnerJob:
		return e.failJob(owner.ID, reason)
	case event.OwnerCrew:
		return e.terminateCrew(owner.ID, event.CrewFailed, reason)
	}
	return nil
}

// ownerRetry kills the current agent and re-dispatches the step (or
// respawns the crew agent). The step re-entry counts toward the circuit
// breaker.
func (e *Engine) ownerRetry(owner event.Owner, agentID, reason string) []effect.Effect {
	effects := []effect.Effect{}
	if agentID != "" {
		effects = append(effects,
			effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, agentID)},
			effect.KillAgent{AgentID: agentID},
		)
	}
	switch owner.Kind {
	case event.OwnerJob:
		e.mu.Lock()
		j, ok := e.st.Jobs[owner.ID]
		step := ""
		if ok {
			step = j.Step
		}
		e.mu.Unlock()
		if !ok {
			return effects
		}
		return append(effects, e.stepTransition(owner.ID, step, reason)...)
	case event.OwnerCrew:
		e.mu.Lock()
		c, ok := e.st.Crews[owner.ID]
		var agentName, dir string
		var vars map[string]string
		if ok {
			agentName, dir = c.AgentName, c.Dir
			vars = map[string]string{"invoke.dir": c.Dir, "crew_id": c.ID, "name": agentName + "-" + c.ID[:8]}
		}
		hash := ""
		if ok {
			hash = c.RunbookHash
		}
		e.mu.Unlock()
		if !ok {
			return effects
		}
		rb, found := e.books.Get(hash)
		if !found {
			return append(effects, e.terminateCrew(owner.ID, event.CrewFailed, "runbook not loadable for retry")...)
		}
		agentDef, found := rb.Agents[agentName]
		if !found {
			return append(effects, e.terminateCrew(owner.ID, event.CrewFailed, "agent definition missing")...)
		}
		return append(effects, e.buildSpawnEffects(agentDef, owner, "", vars, dir)...)
	}
	return effects
}

// handleCrewCancel terminates a crew run on external request.
func (e *Engine) handleCrewCancel(p *event.CrewCancelRequested) ([]effect.Effect, error) {
	e.mu.Lock()
	c, ok := e.st.Crews[p.CrewID]
	terminal := ok && c.Terminal()
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: crew %s", ErrCrewNotFound, p.CrewID)
	}
	if terminal {
		return nil, nil
	}
	return e.terminateCrew(p.CrewID, event.CrewCancelled, "cancelled"), nil
}

// terminateCrew kills the crew's agent, cancels its timers, and records the
// terminal status.
func (e *Engine) terminateCrew(crewID string, status event.CrewStatus, reason string) []effect.Effect {
	owner := event.CrewOwner(crewID)
	var effects []effect.Effect

	e.mu.Lock()
	for _, a := range e.st.AgentsOwnedBy(owner) {
		effects = append(effects,
			effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, a.ID)},
			effect.KillAgent{AgentID: a.ID},
		)
	}
	e.mu.Unlock()

	ownerKey := scheduler.OwnerKey(owner)
	effects = append(effects,
		effect.CancelTimer{Key: scheduler.Key(scheduler.KeyIdleGrace, ownerKey)},
		effect.CancelTimer{Key: scheduler.Key(scheduler.KeyExitDeferred, ownerKey)},
	)
	e.sched.CancelPrefix(scheduler.Key(scheduler.KeyCooldown, ownerKey))
	e.clearOwnerPending(owner)

	effects = append(effects, effect.Emit{Event: &event.CrewUpdated{
		CrewID: crewID,
		Status: status,
		Reason: reason,
	}})
	if status == event.CrewFailed {
		effects = append(effects, effect.Notify{Title: "crew failed", Message: reason})
	}
	return effects
}

// agentOwner maps an agent id to its owner, skipping terminal owners so
// late stream events from a killed sidecar are dropped.
func (e *Engine) agentOwner(agentID string) (event.Owner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.st.Agents[agentID]
	if !ok {
		return event.Owner{}, false
	}
	if e.st.OwnerTerminal(a.Owner) {
		return event.Owner{}, false
	}
	return a.Owner, true
}

// ownerAgentDef resolves the owner's current agent definition from its
// runbook.
func (e *Engine) ownerAgentDef(owner event.Owner) (*runbook.AgentDef, *runbook.Runbook, bool) {
	switch owner.Kind {
	case event.OwnerJob:
		rb, def, err := e.jobRunbook(owner.ID)
		if err != nil {
			return nil, nil, false
		}
		e.mu.Lock()
		j, ok := e.st.Jobs[owner.ID]
		step := ""
		if ok {
			step = j.Step
		}
		e.mu.Unlock()
		if !ok {
			return nil, rb, false
		}
		sd, ok := def.Steps[step]
		if !ok || sd.Run == nil || sd.Run.Agent == "" {
			return nil, rb, false
		}
		agentDef, ok := rb.Agents[sd.Run.Agent]
		return agentDef, rb, ok
	case event.OwnerCrew:
		e.mu.Lock()
		c, ok := e.st.Crews[owner.ID]
		var hash, agentName string
		if ok {
			hash, agentName = c.RunbookHash, c.AgentName
		}
		e.mu.Unlock()
		if !ok {
			return nil, nil, false
		}
		rb, found := e.books.Get(hash)
		if !found {
			return nil, nil, false
		}
		agentDef, found := rb.Agents[agentName]
		return agentDef, rb, found
	}
	return nil, nil, false
}

// ownerShellContext interpolates a gate command in the owner's variable
// environment and working directory.
func (e *Engine) ownerShellContext(owner event.Owner, cmdTmpl string) (cmd, dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch owner.Kind {
	case event.OwnerJob:
		if j, ok := e.st.Jobs[owner.ID]; ok {
			return interpolate(cmdTmpl, e.jobVarsView(j)), e.jobWorkDir(j)
		}
	case event.OwnerCrew:
		if c, ok := e.st.Crews[owner.ID]; ok {
			return interpolate(cmdTmpl, map[string]string{"crew_id": c.ID, "invoke.dir": c.Dir}), c.Dir
		}
	}
	return cmdTmpl, ""
}

// agentLastMessage fetches the sidecar's last message for decision context;
// best-effort and bounded.
func (e *Engine) agentLastMessage(agentID string) string {
	a, err := e.router.ForAgent(agentID)
	if err != nil {
		return ""
	}
	ctx, cancel := waitClamp(e.ctx, lastMessageTimeout)
	defer cancel()
	msg, err := a.LastMessage(ctx, agentID)
	if err != nil {
		return ""
	}
	return msg
}

func ownerRef(owner event.Owner) string {
	return string(owner.Kind) + " " + shortID(owner.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
