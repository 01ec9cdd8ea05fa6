package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/scheduler"
	"github.com/oj-sh/oj/internal/state"
)

// inlineShellVar carries an inline shell command on jobs created from a
// command with a shell target; such jobs have a single synthetic "run" step.
const inlineShellVar = "invoke.shell"

// handleCommandRun resolves a command invocation against its runbook and
// routes it to a job, a standalone crew run, or an inline shell job.
func (e *Engine) handleCommandRun(p *event.CommandRun) ([]effect.Effect, error) {
	rb, err := e.books.LoadPath(p.RunbookPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRunbookLoad, p.RunbookPath, err)
	}
	effects := []effect.Effect{
		effect.Emit{Event: &event.RunbookLoaded{Hash: rb.Hash, Path: rb.Path}},
	}

	jobKind, agentName, shellCmd := resolveCommandTarget(rb, p.Command)
	switch {
	case jobKind != "":
		def, ok := rb.Jobs[jobKind]
		if !ok {
			return nil, fmt.Errorf("%w: job kind %q", ErrStepNotFound, jobKind)
		}
		more, err := e.createAndStartJob(rb, def, p.Project, p.Dir, p.Vars, "")
		if err != nil {
			return nil, err
		}
		return append(effects, more...), nil

	case agentName != "":
		more, err := e.spawnCrew(rb, agentName, p.Command, p.Project, p.Dir, p.Vars)
		if err != nil {
			return nil, err
		}
		return append(effects, more...), nil

	case shellCmd != "":
		more, err := e.createInlineShellJob(rb, p.Command, shellCmd, p.Project, p.Dir, p.Vars)
		if err != nil {
			return nil, err
		}
		return append(effects, more...), nil
	}
	return nil, fmt.Errorf("%w: command %q not in runbook", ErrStepNotFound, p.Command)
}

// resolveCommandTarget maps a command name to exactly one target. A bare job
// kind or agent name works without a command entry.
func resolveCommandTarget(rb *runbook.Runbook, name string) (jobKind, agentName, shellCmd string) {
	if cmd, ok := rb.Commands[name]; ok {
		return cmd.Job, cmd.Agent, cmd.Shell
	}
	if _, ok := rb.Jobs[name]; ok {
		return name, "", ""
	}
	if _, ok := rb.Agents[name]; ok {
		return "", name, ""
	}
	return "", "", ""
}

// createAndStartJob builds the job's variable environment and returns the
// effects that create it. User inputs are namespaced under var.; locals are
// evaluated in declaration order; system names stay bare.
func (e *Engine) createAndStartJob(rb *runbook.Runbook, def *runbook.JobDef, project, dir string, inputs map[string]string, cronName string) ([]effect.Effect, error) {
	jobID := uuid.New().String()
	vars := namespaceVars(inputs)
	vars["invoke.dir"] = dir
	vars["job_id"] = jobID

	name := def.Name + "-" + jobID[:8]
	if def.NameTmpl != "" {
		name = interpolate(def.NameTmpl, vars)
	}
	vars["name"] = name

	var effects []effect.Effect
	workspaceID := ""
	if def.Workspace != nil {
		wsEffects, wsID, wsPath, err := e.provisionWorkspace(def, jobID, dir, vars)
		if err != nil {
			return nil, err
		}
		effects = append(effects, wsEffects...)
		workspaceID = wsID
		vars["workspace"] = wsPath
	}

	if err := e.evalLocals(context.Background(), def.Locals, vars, dir); err != nil {
		return nil, err
	}

	start := def.StartStep()
	if start == "" {
		return nil, fmt.Errorf("%w: job %q has no steps", ErrStepNotFound, def.Name)
	}
	effects = append(effects, effect.Emit{Event: &event.JobCreated{
		JobID:       jobID,
		Name:        name,
		JobKind:     def.Name,
		Project:     project,
		Dir:         dir,
		WorkspaceID: workspaceID,
		Vars:        vars,
		RunbookHash: rb.Hash,
		CronName:    cronName,
		InitialStep: start,
	}})
	return effects, nil
}

// provisionWorkspace resolves the branch template and creates the directory.
// Worktree wiring is external; the daemon guarantees the path exists.
func (e *Engine) provisionWorkspace(def *runbook.JobDef, jobID, dir string, vars map[string]string) ([]effect.Effect, string, string, error) {
	wsID := uuid.New().String()
	branch := "ws-" + jobID[:8]
	if tmpl := def.Workspace.Source.Branch; tmpl != "" {
		rendered := interpolate(tmpl, vars)
		if needsShellEval(rendered) {
			timeout := 30 * time.Second
			if e.cfg != nil {
				timeout = e.cfg.Shell.EvalTimeoutDuration()
			}
			evaluated, err := shellEval(context.Background(), rendered, dir, timeout)
			if err != nil || evaluated == "" {
				e.logger.WithError(err).Debug("branch template eval failed; using fallback")
			} else {
				rendered = evaluated
			}
		}
		if rendered != "" {
			branch = rendered
		}
	}
	path := filepath.Join(e.stateDir(), "workspaces", wsID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, "", "", fmt.Errorf("provision workspace: %w", err)
	}
	effects := []effect.Effect{
		effect.Emit{Event: &event.WorkspaceCreated{
			WorkspaceID: wsID,
			Path:        path,
			Branch:      branch,
			Owner:       event.JobOwner(jobID),
		}},
		effect.Emit{Event: &event.WorkspaceUpdated{
			WorkspaceID: wsID,
			Status:      event.WorkspaceReady,
		}},
	}
	return effects, wsID, path, nil
}

// createInlineShellJob wraps a command's shell target in a single-step job
// so its run shows up in history like any other.
func (e *Engine) createInlineShellJob(rb *runbook.Runbook, cmdName, shellCmd, project, dir string, inputs map[string]string) ([]effect.Effect, error) {
	jobID := uuid.New().String()
	vars := namespaceVars(inputs)
	vars["invoke.dir"] = dir
	vars["job_id"] = jobID
	vars["name"] = cmdName + "-" + jobID[:8]
	vars[inlineShellVar] = interpolate(shellCmd, vars)

	return []effect.Effect{effect.Emit{Event: &event.JobCreated{
		JobID:       jobID,
		Name:        vars["name"],
		JobKind:     cmdName,
		Project:     project,
		Dir:         dir,
		Vars:        vars,
		RunbookHash: rb.Hash,
		InitialStep: "run",
	}}}, nil
}

// handleJobCreated writes the job's breadcrumb and starts its initial step.
func (e *Engine) handleJobCreated(p *event.JobCreated) ([]effect.Effect, error) {
	e.writeBreadcrumb(p.JobID)

	agentName := ""
	e.mu.Lock()
	if rb, ok := e.books.Get(p.RunbookHash); ok {
		if def, ok := rb.Jobs[p.JobKind]; ok {
			if sd, ok := def.Steps[p.InitialStep]; ok && sd.Run != nil {
				agentName = sd.Run.Agent
			}
		}
	}
	e.mu.Unlock()

	return []effect.Effect{effect.Emit{Event: &event.StepStarted{
		JobID:     p.JobID,
		Step:      p.InitialStep,
		AgentName: agentName,
	}}}, nil
}

// handleStepStarted consults the step's run directive and fires the shell or
// the agent spawn. The visit counter was bumped by apply; exceeding the
// circuit breaker hard-fails the job.
func (e *Engine) handleStepStarted(p *event.StepStarted) ([]effect.Effect, error) {
	e.mu.Lock()
	j, ok := e.st.Jobs[p.JobID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, p.JobID)
	}
	visits := j.StepVisits[p.Step]
	vars := e.jobVarsView(j)
	inline := j.Vars[inlineShellVar]
	dir := e.jobWorkDir(j)
	e.mu.Unlock()

	if visits > state.MaxStepVisits {
		return e.failJob(p.JobID, fmt.Sprintf("circuit breaker: step %q started %d times", p.Step, visits)), nil
	}

	rb, def, err := e.jobRunbook(p.JobID)
	if err != nil {
		if inline != "" && p.Step == "run" {
			return []effect.Effect{shellStep(event.JobOwner(p.JobID), p.Step, inline, dir, nil)}, nil
		}
		return nil, err
	}
	stepDef, ok := def.Steps[p.Step]
	if !ok {
		if inline != "" && p.Step == "run" {
			return []effect.Effect{shellStep(event.JobOwner(p.JobID), p.Step, inline, dir, nil)}, nil
		}
		return e.failJob(p.JobID, fmt.Sprintf("step %q not in runbook", p.Step)), nil
	}
	if stepDef.Run == nil || (stepDef.Run.Shell == "" && stepDef.Run.Agent == "") {
		return e.failJob(p.JobID, fmt.Sprintf("step %q has no run directive", p.Step)), nil
	}

	if stepDef.Run.Shell != "" {
		cmd := interpolate(stepDef.Run.Shell, vars)
		return []effect.Effect{shellStep(event.JobOwner(p.JobID), p.Step, cmd, dir, nil)}, nil
	}

	agentDef, ok := rb.Agents[stepDef.Run.Agent]
	if !ok {
		return e.failJob(p.JobID, fmt.Sprintf("agent %q not in runbook", stepDef.Run.Agent)), nil
	}
	return e.buildSpawnEffects(agentDef, event.JobOwner(p.JobID), p.Step, vars, dir), nil
}

func shellStep(owner event.Owner, step, cmd, dir string, env map[string]string) effect.Effect {
	return effect.Shell{Owner: owner, Step: step, Cmd: cmd, Dir: dir, Env: env}
}

// handleShellExited routes a finished step shell: exit 0 through on_done
// (step, then job, then declared order, then done); nonzero through on_fail.
// Gate commands are recognised by their step marker and re-enter the action
// chain instead.
func (e *Engine) handleShellExited(p *event.ShellExited) ([]effect.Effect, error) {
	if strings.HasPrefix(p.Step, gateStepPrefix) {
		return e.handleGateExited(p)
	}
	if p.Owner.Kind != event.OwnerJob {
		// Cron shell targets and other ownerless runs just log.
		if p.ExitCode != 0 {
			e.logger.Warn("shell exited nonzero",
				zap.String("owner", p.Owner.String()),
				zap.Int("exit_code", p.ExitCode))
		}
		return nil, nil
	}

	e.mu.Lock()
	j, ok := e.st.Jobs[p.Owner.ID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, p.Owner.ID)
	}
	stale := j.Terminal() || j.Step != p.Step
	cancelling, failing, suspending := j.Cancelling, j.Failing, j.Suspending
	e.mu.Unlock()
	if stale {
		return nil, nil
	}

	_, def, err := e.jobRunbook(p.Owner.ID)
	if err != nil {
		// Inline shell jobs route straight to a terminal.
		if p.ExitCode == 0 {
			return e.advanceJob(p.Owner.ID, event.StepDone, ""), nil
		}
		return e.advanceJob(p.Owner.ID, event.StepFailed, shellError(p)), nil
	}
	stepDef := def.Steps[p.Step]

	if p.ExitCode == 0 {
		// A completing cleanup chain honours the pending flag over on_done.
		switch {
		case suspending:
			return e.advanceJob(p.Owner.ID, event.StepSuspended, ""), nil
		case cancelling:
			return e.advanceJob(p.Owner.ID, event.StepCancelled, ""), nil
		case failing:
			return e.advanceJob(p.Owner.ID, event.StepFailed, ""), nil
		}
		next := nextOnDone(def, stepDef, p.Step)
		return e.advanceJob(p.Owner.ID, next, ""), nil
	}

	errMsg := shellError(p)
	next, viaOnFail := nextOnFail(def, stepDef)
	if next == "" || event.TerminalStep(next) {
		return e.advanceJob(p.Owner.ID, event.StepFailed, errMsg), nil
	}
	effects := []effect.Effect{}
	if viaOnFail && !failing {
		effects = append(effects, effect.Emit{Event: &event.JobFlagged{
			JobID:      p.Owner.ID,
			Cancelling: cancelling,
			Failing:    true,
			Suspending: suspending,
		}})
	}
	return append(effects, e.advanceJobWithError(p.Owner.ID, next, errMsg)...), nil
}

func shellError(p *event.ShellExited) string {
	msg := fmt.Sprintf("exit %d", p.ExitCode)
	if s := strings.TrimSpace(p.Stderr); s != "" {
		msg += ": " + truncate(s, 500)
	}
	return msg
}

func nextOnDone(def *runbook.JobDef, stepDef *runbook.StepDef, step string) string {
	if stepDef != nil && stepDef.OnDone != nil && stepDef.OnDone.Step != "" {
		return stepDef.OnDone.Step
	}
	if def.OnDone != nil && def.OnDone.Step != "" {
		return def.OnDone.Step
	}
	if next := def.NextAfter(step); next != "" {
		return next
	}
	return event.StepDone
}

func nextOnFail(def *runbook.JobDef, stepDef *runbook.StepDef) (string, bool) {
	if stepDef != nil && stepDef.OnFail != nil && stepDef.OnFail.Step != "" {
		return stepDef.OnFail.Step, true
	}
	if def.OnFail != nil && def.OnFail.Step != "" {
		return def.OnFail.Step, true
	}
	return "", false
}

// advanceJob emits the transition to next, bracketed by terminal cleanup
// when next is a terminal name. Cleanup is computed before the event is
// applied because apply prunes the owner's agents and worker entries.
func (e *Engine) advanceJob(jobID, next, errMsg string) []effect.Effect {
	if event.TerminalStep(next) {
		return e.terminateJob(jobID, next, errMsg)
	}
	return e.stepTransition(jobID, next, errMsg)
}

// advanceJobWithError is advanceJob for a non-terminal transition carrying
// the failure that caused it (cleanup chains keep the original error).
func (e *Engine) advanceJobWithError(jobID, next, errMsg string) []effect.Effect {
	return e.stepTransition(jobID, next, errMsg)
}

func (e *Engine) stepTransition(jobID, next, errMsg string) []effect.Effect {
	agentName := ""
	if rb, def, err := e.jobRunbook(jobID); err == nil {
		if sd, ok := def.Steps[next]; ok && sd.Run != nil && sd.Run.Agent != "" {
			if _, ok := rb.Agents[sd.Run.Agent]; ok {
				agentName = sd.Run.Agent
			}
		}
	}
	return []effect.Effect{
		effect.Emit{Event: &event.JobAdvanced{JobID: jobID, Step: next, Error: errMsg}},
		effect.Emit{Event: &event.StepStarted{JobID: jobID, Step: next, AgentName: agentName}},
	}
}

// terminateJob kills the job's agents, cancels its timers, advances to the
// terminal step, resolves any worker bookkeeping, and re-wakes the worker.
func (e *Engine) terminateJob(jobID, terminal, errMsg string) []effect.Effect {
	owner := event.JobOwner(jobID)
	var effects []effect.Effect

	e.mu.Lock()
	jobName := jobID
	if j, ok := e.st.Jobs[jobID]; ok {
		jobName = j.Name
	}
	for _, a := range e.st.AgentsOwnedBy(owner) {
		effects = append(effects,
			effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, a.ID)},
			effect.KillAgent{AgentID: a.ID},
		)
	}
	type workerItem struct {
		name, ns, itemID string
		persisted        bool
	}
	var cleanups []workerItem
	key := owner.String()
	for _, w := range e.st.Workers {
		if w.Active[key] {
			cleanups = append(cleanups, workerItem{
				name:      w.Name,
				ns:        w.Namespace,
				itemID:    w.Items[key],
				persisted: w.QueueType == event.QueuePersisted,
			})
		}
	}
	e.mu.Unlock()

	ownerKey := scheduler.OwnerKey(owner)
	effects = append(effects,
		effect.CancelTimer{Key: scheduler.Key(scheduler.KeyIdleGrace, ownerKey)},
		effect.CancelTimer{Key: scheduler.Key(scheduler.KeyExitDeferred, ownerKey)},
	)
	e.sched.CancelPrefix(scheduler.Key(scheduler.KeyCooldown, ownerKey))
	e.clearOwnerPending(owner)

	effects = append(effects, effect.Emit{Event: &event.JobAdvanced{
		JobID: jobID,
		Step:  terminal,
		Error: errMsg,
	}})

	for _, c := range cleanups {
		if c.persisted && c.itemID != "" {
			status := event.ItemCompleted
			if terminal != event.StepDone {
				status = event.ItemFailed
			}
			effects = append(effects, effect.Emit{Event: &event.QueueItemUpdated{
				ItemID: c.itemID,
				Status: status,
			}})
		}
		effects = append(effects, effect.Emit{Event: &event.WorkerWake{
			Name:      c.name,
			Namespace: c.ns,
		}})
	}

	if terminal == event.StepFailed {
		effects = append(effects, effect.Notify{
			Title:   "job failed",
			Message: fmt.Sprintf("%s: %s", jobName, errMsg),
		})
	}
	return effects
}

// failJob is terminateJob to the failed terminal.
func (e *Engine) failJob(jobID, errMsg string) []effect.Effect {
	return e.terminateJob(jobID, event.StepFailed, errMsg)
}

// clearOwnerPending drops cooldown/gate/exit bookkeeping for the owner.
func (e *Engine) clearOwnerPending(owner event.Owner) {
	for k, pa := range e.cooldowns {
		if pa.owner == owner {
			delete(e.cooldowns, k)
		}
	}
	for k := range e.gates {
		if strings.HasPrefix(k, owner.String()+"|") {
			delete(e.gates, k)
		}
	}
	delete(e.exits, owner.String())
}

// handleJobAdvanced updates the breadcrumb; the transition's cleanup and
// follow-up steps were produced by the emitting site.
func (e *Engine) handleJobAdvanced(p *event.JobAdvanced) ([]effect.Effect, error) {
	if event.TerminalStep(p.Step) {
		e.writeBreadcrumb(p.JobID)
	}
	return nil, nil
}

// handleJobCancel flags the job and routes through on_cancel when declared,
// killing agents and terminating otherwise.
func (e *Engine) handleJobCancel(p *event.JobCancelRequested) ([]effect.Effect, error) {
	e.mu.Lock()
	j, ok := e.st.Jobs[p.JobID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, p.JobID)
	}
	terminal := j.Terminal()
	failing, suspending := j.Failing, j.Suspending
	var agentIDs []string
	for _, a := range e.st.AgentsOwnedBy(j.Owner()) {
		agentIDs = append(agentIDs, a.ID)
	}
	e.mu.Unlock()
	if terminal {
		return nil, nil
	}

	_, def, err := e.jobRunbook(p.JobID)
	cancelStep := ""
	if err == nil && def.OnCancel != nil && def.OnCancel.Step != "" && !event.TerminalStep(def.OnCancel.Step) {
		if _, ok := def.Steps[def.OnCancel.Step]; ok {
			cancelStep = def.OnCancel.Step
		}
	}
	if cancelStep == "" {
		return e.terminateJob(p.JobID, event.StepCancelled, ""), nil
	}

	effects := []effect.Effect{effect.Emit{Event: &event.JobFlagged{
		JobID:      p.JobID,
		Cancelling: true,
		Failing:    failing,
		Suspending: suspending,
	}}}
	for _, id := range agentIDs {
		effects = append(effects,
			effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, id)},
			effect.KillAgent{AgentID: id},
		)
	}
	return append(effects, e.stepTransition(p.JobID, cancelStep, "")...), nil
}

// handleJobSuspend mirrors cancel with the suspending flag and on_suspend.
func (e *Engine) handleJobSuspend(p *event.JobSuspendRequested) ([]effect.Effect, error) {
	e.mu.Lock()
	j, ok := e.st.Jobs[p.JobID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, p.JobID)
	}
	terminal := j.Terminal()
	cancelling, failing := j.Cancelling, j.Failing
	var agentIDs []string
	for _, a := range e.st.AgentsOwnedBy(j.Owner()) {
		agentIDs = append(agentIDs, a.ID)
	}
	e.mu.Unlock()
	if terminal {
		return nil, nil
	}

	_, def, err := e.jobRunbook(p.JobID)
	suspendStep := ""
	if err == nil && def.OnSuspend != nil && def.OnSuspend.Step != "" && !event.TerminalStep(def.OnSuspend.Step) {
		if _, ok := def.Steps[def.OnSuspend.Step]; ok {
			suspendStep = def.OnSuspend.Step
		}
	}
	if suspendStep == "" {
		return e.terminateJob(p.JobID, event.StepSuspended, ""), nil
	}

	effects := []effect.Effect{effect.Emit{Event: &event.JobFlagged{
		JobID:      p.JobID,
		Cancelling: cancelling,
		Failing:    failing,
		Suspending: true,
	}}}
	for _, id := range agentIDs {
		effects = append(effects,
			effect.CancelTimer{Key: scheduler.Key(scheduler.KeyLiveness, id)},
			effect.KillAgent{AgentID: id},
		)
	}
	return append(effects, e.stepTransition(p.JobID, suspendStep, "")...), nil
}

// jobRunbook resolves the job's runbook and job definition, reloading from
// the recorded path when the cache was emptied by a restart.
func (e *Engine) jobRunbook(jobID string) (*runbook.Runbook, *runbook.JobDef, error) {
	e.mu.Lock()
	j, ok := e.st.Jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	hash, kind := j.RunbookHash, j.Kind
	path := e.st.Runbooks[hash]
	e.mu.Unlock()

	rb, ok := e.books.Get(hash)
	if !ok && path != "" {
		loaded, err := e.books.LoadPath(path)
		if err == nil && loaded.Hash == hash {
			rb, ok = loaded, true
		}
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: hash %s", ErrRunbookLoad, hash)
	}
	def, ok := rb.Jobs[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: job kind %q", ErrStepNotFound, kind)
	}
	return rb, def, nil
}

// jobVarsView builds the interpolation environment: stored vars plus bare
// system names. Caller holds the lock.
func (e *Engine) jobVarsView(j *state.Job) map[string]string {
	vars := make(map[string]string, len(j.Vars)+3)
	for k, v := range j.Vars {
		vars[k] = v
	}
	vars["job_id"] = j.ID
	vars["name"] = j.Name
	if ws, ok := e.st.Workspaces[j.WorkspaceID]; ok {
		vars["workspace"] = ws.Path
	}
	return vars
}

// jobWorkDir prefers the provisioned workspace over the invocation cwd.
// Caller holds the lock.
func (e *Engine) jobWorkDir(j *state.Job) string {
	if ws, ok := e.st.Workspaces[j.WorkspaceID]; ok && ws.Status == event.WorkspaceReady {
		return ws.Path
	}
	return j.Dir
}

func (e *Engine) stateDir() string {
	if e.cfg != nil && e.cfg.Daemon.StateDir != "" {
		return e.cfg.Daemon.StateDir
	}
	return os.TempDir()
}

// writeBreadcrumb records a minimal on-disk job sketch under logs/jobs so an
// orphaned job can be inspected even when state cannot reconstruct it.
func (e *Engine) writeBreadcrumb(jobID string) {
	e.mu.Lock()
	j, ok := e.st.Jobs[jobID]
	var crumb []byte
	if ok {
		crumb, _ = json.MarshalIndent(map[string]any{
			"id":           j.ID,
			"name":         j.Name,
			"kind":         j.Kind,
			"step":         j.Step,
			"status":       j.Status,
			"dir":          j.Dir,
			"runbook_hash": j.RunbookHash,
			"runbook_path": e.st.Runbooks[j.RunbookHash],
			"updated_at":   j.UpdatedAt,
		}, "", "  ")
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	dir := filepath.Join(e.stateDir(), "logs", "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, jobID+".json"), crumb, 0o600)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
