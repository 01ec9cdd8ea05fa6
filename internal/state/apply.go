package state

import (
	"fmt"
	"time"

	"github.com/oj-sh/oj/internal/event"
)

// Apply folds one persisted event into the state. It is pure: no I/O, no
// randomness, no clock reads; all timestamps come from the event envelope.
// Transient events do not reach Apply.
func (s *State) Apply(ev event.Event) {
	if ev.Seq > s.Seq {
		s.Seq = ev.Seq
	}
	switch p := ev.Payload.(type) {
	case *event.RunbookLoaded:
		s.Runbooks[p.Hash] = p.Path

	case *event.JobCreated:
		s.applyJobCreated(ev.Time, p)
	case *event.StepStarted:
		s.applyStepStarted(ev.Time, p)
	case *event.JobAdvanced:
		s.applyJobAdvanced(ev.Time, p)
	case *event.JobStatusChanged:
		if j, ok := s.Jobs[p.JobID]; ok {
			j.Status = p.Status
			j.DecisionID = p.DecisionID
			j.UpdatedAt = ev.Time
		}
	case *event.JobFlagged:
		if j, ok := s.Jobs[p.JobID]; ok {
			j.Cancelling = p.Cancelling
			j.Failing = p.Failing
			j.Suspending = p.Suspending
			j.UpdatedAt = ev.Time
		}
	case *event.JobVarsMerged:
		if j, ok := s.Jobs[p.JobID]; ok {
			for k, v := range p.Vars {
				j.Vars[k] = v
			}
			j.UpdatedAt = ev.Time
		}
	case *event.JobDeleted:
		s.applyOwnerDeleted(event.JobOwner(p.JobID))
		delete(s.Jobs, p.JobID)
	case *event.OwnerNudged:
		switch p.Owner.Kind {
		case event.OwnerJob:
			if j, ok := s.Jobs[p.Owner.ID]; ok {
				j.LastNudge = ev.Time
			}
		case event.OwnerCrew:
			if c, ok := s.Crews[p.Owner.ID]; ok {
				c.LastNudge = ev.Time
			}
		}

	case *event.CrewCreated:
		if _, exists := s.Crews[p.CrewID]; exists {
			return
		}
		s.Crews[p.CrewID] = &Crew{
			ID:          p.CrewID,
			AgentName:   p.AgentName,
			CommandName: p.CommandName,
			Project:     p.Project,
			Dir:         p.Dir,
			RunbookHash: p.RunbookHash,
			Status:      event.CrewStarting,
			Attempts:    make(AttemptTracker),
			CreatedAt:   ev.Time,
			UpdatedAt:   ev.Time,
		}
	case *event.CrewUpdated:
		s.applyCrewUpdated(ev.Time, p)

	case *event.AgentSpawned:
		s.applyAgentSpawned(ev.Time, p)
	case *event.AgentExited, *event.AgentGone, *event.AgentFailed:
		// The reaction, not the report, changes owner state. The agent
		// record stays until owner-terminal so handlers and the
		// reconciler can still map the id back to its owner.

	case *event.DecisionCreated:
		s.applyDecisionCreated(ev.Time, p)
	case *event.DecisionResolved:
		if d, ok := s.Decisions[p.DecisionID]; ok && !d.Resolved {
			t := ev.Time
			d.Resolved = true
			d.Choices = p.Choices
			d.Message = p.Message
			d.ResolvedAt = &t
		}

	case *event.QueuePushed:
		s.applyQueuePushed(ev.Time, p)
	case *event.QueueTaken:
		if it, ok := s.QueueItems[p.ItemID]; ok && it.Status == event.ItemPending {
			it.Status = event.ItemActive
			it.Worker = p.Worker
			it.UpdatedAt = ev.Time
		}
	case *event.QueueItemUpdated:
		s.applyQueueItemUpdated(ev.Time, p)
	case *event.QueueDropped:
		delete(s.QueueItems, p.ItemID)

	case *event.WorkerStarted:
		s.applyWorkerStarted(p)
	case *event.WorkerStopped:
		if w, ok := s.Workers[ScopedName(p.Namespace, p.Name)]; ok {
			w.Running = false
			w.Active = make(map[string]bool)
			w.Items = make(map[string]string)
			w.Inflight = make(map[string]bool)
			w.PendingTakes = 0
		}
	case *event.WorkerResized:
		if w, ok := s.Workers[ScopedName(p.Namespace, p.Name)]; ok && w.Running {
			w.Concurrency = p.Concurrency
		}
	case *event.WorkerDispatched:
		if w, ok := s.Workers[ScopedName(p.Namespace, p.Name)]; ok {
			key := p.Owner.String()
			w.Active[key] = true
			w.Items[key] = p.ItemID
		}

	case *event.CronStarted:
		s.Crons[ScopedName(p.Namespace, p.Name)] = &Cron{
			Name:        p.Name,
			Namespace:   p.Namespace,
			RunbookHash: p.RunbookHash,
			Interval:    p.Interval,
			Target:      p.Target,
			Running:     true,
			Concurrency: p.Concurrency,
			Dir:         p.Dir,
		}
	case *event.CronStopped:
		if c, ok := s.Crons[ScopedName(p.Namespace, p.Name)]; ok {
			c.Running = false
		}

	case *event.WorkspaceCreated:
		s.Workspaces[p.WorkspaceID] = &Workspace{
			ID:        p.WorkspaceID,
			Path:      p.Path,
			Branch:    p.Branch,
			Owner:     p.Owner,
			Status:    event.WorkspacePending,
			CreatedAt: ev.Time,
		}
	case *event.WorkspaceUpdated:
		if ws, ok := s.Workspaces[p.WorkspaceID]; ok {
			ws.Status = p.Status
			if p.Path != "" {
				ws.Path = p.Path
			}
		}
	case *event.WorkspaceDeleted:
		delete(s.Workspaces, p.WorkspaceID)
	}
}

func (s *State) applyJobCreated(t time.Time, p *event.JobCreated) {
	// A second creation with the same id (crash-recovery replay) is a no-op.
	if _, exists := s.Jobs[p.JobID]; exists {
		return
	}
	vars := make(map[string]string, len(p.Vars))
	for k, v := range p.Vars {
		vars[k] = v
	}
	s.Jobs[p.JobID] = &Job{
		ID:          p.JobID,
		Name:        p.Name,
		Kind:        p.JobKind,
		Project:     p.Project,
		Step:        p.InitialStep,
		Status:      event.StatusPending,
		Dir:         p.Dir,
		WorkspaceID: p.WorkspaceID,
		Vars:        vars,
		RunbookHash: p.RunbookHash,
		StepVisits:  make(map[string]int),
		Attempts:    make(AttemptTracker),
		CronName:    p.CronName,
		CreatedAt:   t,
		UpdatedAt:   t,
	}
}

func (s *State) applyStepStarted(t time.Time, p *event.StepStarted) {
	j, ok := s.Jobs[p.JobID]
	if !ok {
		return
	}
	j.Step = p.Step
	j.Status = event.StatusRunning
	j.DecisionID = ""
	j.Error = ""
	j.StepVisits[p.Step]++
	j.History = append(j.History, StepRecord{
		Step:      p.Step,
		AgentName: p.AgentName,
		StartedAt: t,
		Outcome:   OutcomeRunning,
	})
	j.UpdatedAt = t
}

func (s *State) applyJobAdvanced(t time.Time, p *event.JobAdvanced) {
	j, ok := s.Jobs[p.JobID]
	if !ok {
		return
	}
	if rec := j.CurrentRecord(); rec != nil && rec.FinishedAt == nil {
		ft := t
		rec.FinishedAt = &ft
		switch {
		case p.Error != "":
			rec.Outcome = OutcomeFailed
		case p.Step == event.StepCancelled:
			rec.Outcome = OutcomeCancelled
		default:
			rec.Outcome = OutcomeDone
		}
	}
	j.Step = p.Step
	if p.Error != "" {
		j.Error = p.Error
	}
	j.UpdatedAt = t
	if !event.TerminalStep(p.Step) {
		j.Status = event.StatusPending
		return
	}
	switch p.Step {
	case event.StepDone:
		j.Status = event.StatusCompleted
	case event.StepFailed:
		j.Status = event.StatusFailed
	case event.StepSuspended:
		j.Status = event.StatusSuspended
	default:
		j.Status = event.StatusCompleted
	}
	s.applyOwnerTerminal(event.JobOwner(p.JobID))
}

func (s *State) applyCrewUpdated(t time.Time, p *event.CrewUpdated) {
	c, ok := s.Crews[p.CrewID]
	if !ok {
		return
	}
	if p.AgentID != "" {
		c.AgentID = p.AgentID
	}
	if p.Status != "" {
		c.Status = p.Status
	}
	if p.Reason != "" {
		c.Reason = p.Reason
	}
	c.UpdatedAt = t
	if c.Terminal() {
		s.applyOwnerTerminal(event.CrewOwner(p.CrewID))
	}
}

func (s *State) applyAgentSpawned(t time.Time, p *event.AgentSpawned) {
	s.Agents[p.AgentID] = &Agent{
		ID:        p.AgentID,
		Owner:     p.Owner,
		Name:      p.AgentName,
		Runtime:   p.Runtime,
		AuthToken: p.AuthToken,
		Step:      p.Step,
		SpawnedAt: t,
	}
	switch p.Owner.Kind {
	case event.OwnerJob:
		if j, ok := s.Jobs[p.Owner.ID]; ok {
			if rec := j.CurrentRecord(); rec != nil && rec.FinishedAt == nil {
				rec.AgentID = p.AgentID
				if rec.AgentName == "" {
					rec.AgentName = p.AgentName
				}
			}
			j.UpdatedAt = t
		}
	case event.OwnerCrew:
		if c, ok := s.Crews[p.Owner.ID]; ok {
			c.AgentID = p.AgentID
			if c.Status == event.CrewStarting {
				c.Status = event.CrewRunning
			}
			c.UpdatedAt = t
		}
	}
}

func (s *State) applyDecisionCreated(t time.Time, p *event.DecisionCreated) {
	// Duplicate creation with the same id is a no-op.
	if _, exists := s.Decisions[p.DecisionID]; exists {
		return
	}
	if existing := s.UnresolvedDecision(p.Owner); existing != nil {
		if event.Dominates(existing.Source, p.Source) {
			// The new decision is dominated; drop it silently.
			return
		}
		rt := t
		existing.Resolved = true
		existing.ResolvedAt = &rt
		existing.Message = fmt.Sprintf("auto-dismissed: superseded by %s", p.DecisionID)
		existing.SupersededBy = p.DecisionID
	}
	s.Decisions[p.DecisionID] = &Decision{
		ID:        p.DecisionID,
		Owner:     p.Owner,
		AgentID:   p.AgentID,
		Source:    p.Source,
		Context:   p.Context,
		Options:   p.Options,
		Questions: p.Questions,
		CreatedAt: t,
	}
	switch p.Owner.Kind {
	case event.OwnerJob:
		if j, ok := s.Jobs[p.Owner.ID]; ok {
			j.Status = event.StatusWaiting
			j.DecisionID = p.DecisionID
			j.UpdatedAt = t
		}
	case event.OwnerCrew:
		if c, ok := s.Crews[p.Owner.ID]; ok {
			c.Status = event.CrewEscalated
			c.UpdatedAt = t
		}
	}
}

func (s *State) applyQueuePushed(t time.Time, p *event.QueuePushed) {
	if _, exists := s.QueueItems[p.ItemID]; exists {
		return
	}
	// Dedup: an equal pending/active data map keeps the existing item.
	if existing := s.FindQueueItemByData(ScopedName(p.Namespace, p.Queue), p.Data); existing != nil {
		return
	}
	data := make(map[string]string, len(p.Data))
	for k, v := range p.Data {
		data[k] = v
	}
	s.QueueItems[p.ItemID] = &QueueItem{
		ID:        p.ItemID,
		Queue:     p.Queue,
		Namespace: p.Namespace,
		Data:      data,
		Status:    event.ItemPending,
		PushedAt:  t,
		UpdatedAt: t,
	}
}

func (s *State) applyQueueItemUpdated(t time.Time, p *event.QueueItemUpdated) {
	it, ok := s.QueueItems[p.ItemID]
	if !ok {
		return
	}
	switch p.Status {
	case event.ItemRetried:
		it.Status = event.ItemPending
		it.Worker = ""
		it.Failures++
	case event.ItemFailed:
		it.Status = event.ItemFailed
		it.Failures++
	default:
		it.Status = p.Status
	}
	it.UpdatedAt = t
}

func (s *State) applyWorkerStarted(p *event.WorkerStarted) {
	key := ScopedName(p.Namespace, p.Name)
	if w, ok := s.Workers[key]; ok && w.Running {
		// Degrade to a wake: refresh the definition but preserve the
		// dispatch sets (idempotent restart after reconciliation races).
		w.RunbookHash = p.RunbookHash
		w.Queue = p.Queue
		w.QueueType = p.QueueType
		w.Concurrency = p.Concurrency
		w.Dir = p.Dir
		return
	}
	s.Workers[key] = &Worker{
		Name:        p.Name,
		Namespace:   p.Namespace,
		RunbookHash: p.RunbookHash,
		Queue:       p.Queue,
		QueueType:   p.QueueType,
		Concurrency: p.Concurrency,
		Running:     true,
		Dir:         p.Dir,
		Active:      make(map[string]bool),
		Items:       make(map[string]string),
		Inflight:    make(map[string]bool),
	}
}

// applyOwnerTerminal removes unresolved decisions (resolved ones stay for
// audit), drops the owner's agents, and cleans worker dispatch maps.
func (s *State) applyOwnerTerminal(o event.Owner) {
	for id, d := range s.Decisions {
		if d.Owner == o && !d.Resolved {
			delete(s.Decisions, id)
		}
	}
	for id, a := range s.Agents {
		if a.Owner == o {
			delete(s.Agents, id)
		}
	}
	key := o.String()
	for _, w := range s.Workers {
		delete(w.Active, key)
		delete(w.Items, key)
	}
}

// applyOwnerDeleted removes everything anchored to the owner, decisions
// included.
func (s *State) applyOwnerDeleted(o event.Owner) {
	for id, d := range s.Decisions {
		if d.Owner == o {
			delete(s.Decisions, id)
		}
	}
	for id, a := range s.Agents {
		if a.Owner == o {
			delete(s.Agents, id)
		}
	}
	for id, ws := range s.Workspaces {
		if ws.Owner == o {
			delete(s.Workspaces, id)
		}
	}
	key := o.String()
	for _, w := range s.Workers {
		delete(w.Active, key)
		delete(w.Items, key)
	}
}
