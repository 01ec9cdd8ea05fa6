package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/scheduler"
	"github.com/oj-sh/oj/internal/state"
)

// reconcileProbeTimeout bounds each boot-time liveness probe.
const reconcileProbeTimeout = 3 * time.Second

// reconcileParallelism caps concurrent boot-time probes.
const reconcileParallelism = 4

// Reconcile repairs the gap between the replayed state and the world: it
// reloads runbooks for running workers and crons, re-arms their timers,
// reattaches surviving agents, declares the dead ones gone, and sweeps
// orphaned workspaces. Call after Start, before accepting requests.
func (e *Engine) Reconcile(ctx context.Context) {
	e.mu.Lock()
	st := e.st
	hashes := map[string]string{} // hash -> path
	var workers []*state.Worker
	var crons []*state.Cron
	for _, w := range st.Workers {
		if w.Running {
			workers = append(workers, w)
			hashes[w.RunbookHash] = st.Runbooks[w.RunbookHash]
		}
	}
	for _, c := range st.Crons {
		if c.Running {
			crons = append(crons, c)
			hashes[c.RunbookHash] = st.Runbooks[c.RunbookHash]
		}
	}
	var jobs []*state.Job
	for _, j := range st.Jobs {
		if !j.Terminal() {
			jobs = append(jobs, j)
		}
	}
	var crews []*state.Crew
	for _, c := range st.Crews {
		if !c.Terminal() {
			crews = append(crews, c)
		}
	}
	var orphanedWS []string
	for _, ws := range st.Workspaces {
		if ws.Status == event.WorkspacePending && st.OwnerTerminal(ws.Owner) {
			orphanedWS = append(orphanedWS, ws.ID)
		}
	}
	e.mu.Unlock()

	for hash, path := range hashes {
		if path == "" {
			continue
		}
		if _, err := e.books.LoadPath(path); err != nil {
			e.logger.WithError(err).Warn("runbook reload failed",
				zap.String("hash", hash), zap.String("path", path))
		}
	}
	for _, w := range workers {
		e.ProcessSync(&event.WorkerStarted{
			Name:        w.Name,
			Namespace:   w.Namespace,
			Queue:       w.Queue,
			QueueType:   w.QueueType,
			Concurrency: w.Concurrency,
			RunbookHash: w.RunbookHash,
			Dir:         w.Dir,
		})
	}
	for _, c := range crons {
		e.ProcessSync(&event.CronStarted{
			Name:        c.Name,
			Namespace:   c.Namespace,
			Interval:    c.Interval,
			Target:      c.Target,
			Concurrency: c.Concurrency,
			RunbookHash: c.RunbookHash,
			Dir:         c.Dir,
		})
	}

	// Liveness probes wait on real processes; run them in parallel so a boot
	// with many survivors does not serialise 3 s timeouts.
	var g errgroup.Group
	g.SetLimit(reconcileParallelism)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			e.reconcileJob(ctx, j)
			return nil
		})
	}
	for _, c := range crews {
		c := c
		g.Go(func() error {
			e.reconcileCrew(ctx, c)
			return nil
		})
	}
	g.Wait()
	for _, id := range orphanedWS {
		e.ProcessSync(&event.WorkspaceDeleted{WorkspaceID: id})
	}
}

func (e *Engine) reconcileJob(ctx context.Context, j *state.Job) {
	if j.Status == event.StatusWaiting {
		// Already escalated; the pending decision keeps it alive.
		return
	}
	rec := j.LastNonTerminalRecord()
	if rec == nil || rec.AgentID == "" {
		if rec != nil && e.shellStepRecord(j, rec) {
			// In-flight shell step: the subprocess died with the daemon;
			// rerun the step rather than declaring the job a zombie.
			e.ProcessSync(&event.JobResume{JobID: j.ID})
			return
		}
		e.ProcessSync(&event.JobAdvanced{
			JobID: j.ID,
			Step:  event.StepFailed,
			Error: "zombie job: no agent recorded",
		})
		return
	}
	if !e.reattachAgent(ctx, rec.AgentID) {
		e.ProcessSync(&event.AgentGone{AgentID: rec.AgentID})
	}
}

func (e *Engine) reconcileCrew(ctx context.Context, c *state.Crew) {
	if c.AgentID == "" {
		e.ProcessSync(&event.CrewUpdated{
			CrewID: c.ID,
			Status: event.CrewFailed,
			Reason: "no agent_id",
		})
		return
	}
	if !e.reattachAgent(ctx, c.AgentID) {
		e.ProcessSync(&event.AgentGone{AgentID: c.AgentID})
	}
}

// reattachAgent adopts the agent into its runtime adapter, probes it, and on
// success rebuilds the bridge and liveness timer.
func (e *Engine) reattachAgent(ctx context.Context, agentID string) bool {
	e.mu.Lock()
	a, ok := e.st.Agents[agentID]
	var runtime, token string
	if ok {
		runtime, token = a.Runtime, a.AuthToken
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	ad, err := e.router.ForRuntime(runtime)
	if err != nil {
		e.logger.WithError(err).Warn("no adapter for recorded runtime",
			zap.String("agent_id", agentID), zap.String("runtime", runtime))
		return false
	}
	e.router.Hint(agentID, runtime)
	ad.Adopt(agentID, token)

	probe, cancel := waitClamp(ctx, reconcileProbeTimeout)
	alive := ad.IsAlive(probe, agentID)
	cancel()
	if !alive {
		return false
	}

	e.startBridge(agentID)
	interval := defaultLivenessInterval
	if e.cfg != nil {
		interval = e.cfg.Agent.LivenessIntervalDuration()
	}
	e.sched.Set(scheduler.Key(scheduler.KeyLiveness, agentID), interval)
	e.logger.Info("reattached to surviving agent", zap.String("agent_id", agentID))
	return true
}

func (e *Engine) shellStepRecord(j *state.Job, rec *state.StepRecord) bool {
	_, def, err := e.jobRunbook(j.ID)
	if err != nil {
		return false
	}
	sd, ok := def.Steps[rec.Step]
	return ok && sd.Run != nil && sd.Run.Shell != ""
}
