// Package state holds the materialised state: an in-memory model of every
// entity, produced as a pure fold of the persisted event log. No field
// mutates outside Apply, with one documented exception: worker dispatch
// bookkeeping that is authoritative only in memory (see Worker).
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oj-sh/oj/internal/event"
)

// MaxStepVisits is the per-job, per-step circuit breaker.
const MaxStepVisits = 5

// ErrNotFound reports an unresolvable id or name.
var ErrNotFound = errors.New("not found")

// AmbiguousPrefixError reports a short prefix matching more than one id.
type AmbiguousPrefixError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("ambiguous prefix %q matches %d ids", e.Prefix, len(e.Matches))
}

// ScopedName encodes a namespaced name: "ns/name" when ns is non-empty,
// the bare name otherwise.
func ScopedName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "/" + name
}

// StepOutcome is the result recorded in a step-history entry.
type StepOutcome string

const (
	OutcomeRunning   StepOutcome = "running"
	OutcomeDone      StepOutcome = "done"
	OutcomeFailed    StepOutcome = "failed"
	OutcomeCancelled StepOutcome = "cancelled"
)

// StepRecord is one entry of a job's ordered step history.
type StepRecord struct {
	Step       string      `json:"step"`
	AgentID    string      `json:"agent_id,omitempty"`
	AgentName  string      `json:"agent_name,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Outcome    StepOutcome `json:"outcome"`
}

// AttemptTracker counts action firings per (trigger, chain position) streak.
// It lives inside the owner record so it survives snapshots.
type AttemptTracker map[string]int

// Key builds the tracker key for a trigger at a chain position.
func (AttemptTracker) Key(trigger string, chainPos int) string {
	return fmt.Sprintf("%s:%d", trigger, chainPos)
}

// Bump increments and returns the counter for a key.
func (t AttemptTracker) Bump(key string) int {
	t[key]++
	return t[key]
}

// Job is a runbook-defined workflow instance.
type Job struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Project     string            `json:"project,omitempty"`
	Step        string            `json:"step"`
	Status      event.StepStatus  `json:"status"`
	DecisionID  string            `json:"decision_id,omitempty"`
	Dir         string            `json:"dir"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	RunbookHash string            `json:"runbook_hash"`
	History     []StepRecord      `json:"history,omitempty"`
	StepVisits  map[string]int    `json:"step_visits,omitempty"`
	Retries     int               `json:"retries"`
	Attempts    AttemptTracker    `json:"attempts,omitempty"`
	Cancelling  bool              `json:"cancelling,omitempty"`
	Failing     bool              `json:"failing,omitempty"`
	Suspending  bool              `json:"suspending,omitempty"`
	CronName    string            `json:"cron_name,omitempty"`
	LastNudge   time.Time         `json:"last_nudge,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Terminal reports whether the job has ended.
func (j *Job) Terminal() bool { return event.TerminalStep(j.Step) }

// Owner returns the job's owner id.
func (j *Job) Owner() event.Owner { return event.JobOwner(j.ID) }

// CurrentRecord returns the newest step-history entry, or nil.
func (j *Job) CurrentRecord() *StepRecord {
	if len(j.History) == 0 {
		return nil
	}
	return &j.History[len(j.History)-1]
}

// LastNonTerminalRecord returns the newest history entry for a non-terminal
// step, or nil.
func (j *Job) LastNonTerminalRecord() *StepRecord {
	for i := len(j.History) - 1; i >= 0; i-- {
		if !event.TerminalStep(j.History[i].Step) {
			return &j.History[i]
		}
	}
	return nil
}

// Crew is a standalone agent invocation.
type Crew struct {
	ID          string           `json:"id"`
	AgentName   string           `json:"agent_name"`
	CommandName string           `json:"command_name,omitempty"`
	Project     string           `json:"project,omitempty"`
	Dir         string           `json:"dir"`
	RunbookHash string           `json:"runbook_hash"`
	Status      event.CrewStatus `json:"status"`
	AgentID     string           `json:"agent_id,omitempty"`
	Attempts    AttemptTracker   `json:"attempts,omitempty"`
	LastNudge   time.Time        `json:"last_nudge,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Terminal reports whether the crew run has ended.
func (c *Crew) Terminal() bool { return event.TerminalCrewStatus(c.Status) }

// Owner returns the crew's owner id.
func (c *Crew) Owner() event.Owner { return event.CrewOwner(c.ID) }

// Agent is the supervised-sidecar record: id, owner, and the reconnect hint.
type Agent struct {
	ID        string      `json:"id"`
	Owner     event.Owner `json:"owner"`
	Name      string      `json:"name"`
	Runtime   string      `json:"runtime"`
	AuthToken string      `json:"auth_token,omitempty"`
	Step      string      `json:"step,omitempty"`
	SpawnedAt time.Time   `json:"spawned_at"`
}

// Workspace is an optionally worktree-backed directory owned by one job or
// crew.
type Workspace struct {
	ID        string                `json:"id"`
	Path      string                `json:"path"`
	Branch    string                `json:"branch,omitempty"`
	Owner     event.Owner           `json:"owner"`
	Status    event.WorkspaceStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
}

// QueueItem is one unit of work in a persisted queue.
type QueueItem struct {
	ID        string                `json:"id"`
	Queue     string                `json:"queue"`
	Namespace string                `json:"namespace,omitempty"`
	Data      map[string]string     `json:"data"`
	Status    event.QueueItemStatus `json:"status"`
	Worker    string                `json:"worker,omitempty"`
	PushedAt  time.Time             `json:"pushed_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Failures  int                   `json:"failures"`
}

// Worker is a runbook-declared queue consumer.
//
// Active and Items are rebuilt from persisted dispatch events; Inflight and
// PendingTakes are driven by transient poll/take events, are authoritative
// only in memory, and reset empty on boot. They are excluded from snapshots
// so the fold-equality invariant holds.
type Worker struct {
	Name        string          `json:"name"`
	Namespace   string          `json:"namespace,omitempty"`
	RunbookHash string          `json:"runbook_hash"`
	Queue       string          `json:"queue"`
	QueueType   event.QueueType `json:"queue_type"`
	Concurrency int             `json:"concurrency"`
	Running     bool            `json:"running"`
	Dir         string          `json:"dir"`

	Active map[string]bool   `json:"active,omitempty"` // owner key -> dispatched
	Items  map[string]string `json:"items,omitempty"`  // owner key -> item id

	Inflight     map[string]bool `json:"-"`
	PendingTakes int             `json:"-"`
}

// ScopedName returns the worker's namespaced key.
func (w *Worker) ScopedName() string { return ScopedName(w.Namespace, w.Name) }

// Available returns the remaining dispatch capacity.
func (w *Worker) Available() int {
	n := w.Concurrency - len(w.Active) - w.PendingTakes
	if n < 0 {
		return 0
	}
	return n
}

// Cron is a recurring trigger.
type Cron struct {
	Name        string           `json:"name"`
	Namespace   string           `json:"namespace,omitempty"`
	RunbookHash string           `json:"runbook_hash"`
	Interval    time.Duration    `json:"interval"`
	Target      event.CronTarget `json:"target"`
	Running     bool             `json:"running"`
	Concurrency int              `json:"concurrency"`
	Dir         string           `json:"dir"`
}

// ScopedName returns the cron's namespaced key.
func (c *Cron) ScopedName() string { return ScopedName(c.Namespace, c.Name) }

// Decision is an externally resolvable checkpoint.
type Decision struct {
	ID           string                   `json:"id"`
	Owner        event.Owner              `json:"owner"`
	AgentID      string                   `json:"agent_id,omitempty"`
	Source       event.DecisionSource     `json:"source"`
	Context      string                   `json:"context,omitempty"`
	Options      []event.DecisionOption   `json:"options"`
	Questions    []event.DecisionQuestion `json:"questions,omitempty"`
	Resolved     bool                     `json:"resolved"`
	Choices      []int                    `json:"choices,omitempty"`
	Message      string                   `json:"message,omitempty"`
	SupersededBy string                   `json:"superseded_by,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	ResolvedAt   *time.Time               `json:"resolved_at,omitempty"`
}

// State is the queryable snapshot of all entities.
type State struct {
	Seq        uint64                `json:"seq"`
	Jobs       map[string]*Job       `json:"jobs"`
	Crews      map[string]*Crew      `json:"crews"`
	Agents     map[string]*Agent     `json:"agents"`
	Workspaces map[string]*Workspace `json:"workspaces"`
	QueueItems map[string]*QueueItem `json:"queue_items"`
	Workers    map[string]*Worker    `json:"workers"` // scoped name
	Crons      map[string]*Cron      `json:"crons"`   // scoped name
	Decisions  map[string]*Decision  `json:"decisions"`
	Runbooks   map[string]string     `json:"runbooks"` // hash -> path
}

// New returns an empty materialised state.
func New() *State {
	return &State{
		Jobs:       make(map[string]*Job),
		Crews:      make(map[string]*Crew),
		Agents:     make(map[string]*Agent),
		Workspaces: make(map[string]*Workspace),
		QueueItems: make(map[string]*QueueItem),
		Workers:    make(map[string]*Worker),
		Crons:      make(map[string]*Cron),
		Decisions:  make(map[string]*Decision),
		Runbooks:   make(map[string]string),
	}
}

// Normalize re-creates any nil maps after JSON decoding (snapshot load).
func (s *State) Normalize() {
	if s.Jobs == nil {
		s.Jobs = make(map[string]*Job)
	}
	if s.Crews == nil {
		s.Crews = make(map[string]*Crew)
	}
	if s.Agents == nil {
		s.Agents = make(map[string]*Agent)
	}
	if s.Workspaces == nil {
		s.Workspaces = make(map[string]*Workspace)
	}
	if s.QueueItems == nil {
		s.QueueItems = make(map[string]*QueueItem)
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*Worker)
	}
	if s.Crons == nil {
		s.Crons = make(map[string]*Cron)
	}
	if s.Decisions == nil {
		s.Decisions = make(map[string]*Decision)
	}
	if s.Runbooks == nil {
		s.Runbooks = make(map[string]string)
	}
	for _, w := range s.Workers {
		if w.Active == nil {
			w.Active = make(map[string]bool)
		}
		if w.Items == nil {
			w.Items = make(map[string]string)
		}
		if w.Inflight == nil {
			w.Inflight = make(map[string]bool)
		}
	}
	for _, j := range s.Jobs {
		if j.StepVisits == nil {
			j.StepVisits = make(map[string]int)
		}
		if j.Attempts == nil {
			j.Attempts = make(AttemptTracker)
		}
	}
	for _, c := range s.Crews {
		if c.Attempts == nil {
			c.Attempts = make(AttemptTracker)
		}
	}
}

// OwnerTerminal reports whether the owner's record has ended (or vanished).
func (s *State) OwnerTerminal(o event.Owner) bool {
	switch o.Kind {
	case event.OwnerJob:
		j, ok := s.Jobs[o.ID]
		return !ok || j.Terminal()
	case event.OwnerCrew:
		c, ok := s.Crews[o.ID]
		return !ok || c.Terminal()
	}
	return true
}

// UnresolvedDecision returns the owner's unresolved decision, if any.
// At most one exists (supersession enforces this in Apply).
func (s *State) UnresolvedDecision(o event.Owner) *Decision {
	for _, d := range s.Decisions {
		if !d.Resolved && d.Owner == o {
			return d
		}
	}
	return nil
}

// AgentsOwnedBy returns all agents mapped to the owner.
func (s *State) AgentsOwnedBy(o event.Owner) []*Agent {
	var out []*Agent
	for _, a := range s.Agents {
		if a.Owner == o {
			out = append(out, a)
		}
	}
	return out
}

// FindQueueItemByData returns a pending/active item in the queue with an
// equal data map (push dedup).
func (s *State) FindQueueItemByData(scopedQueue string, data map[string]string) *QueueItem {
	for _, it := range s.QueueItems {
		if ScopedName(it.Namespace, it.Queue) != scopedQueue {
			continue
		}
		if it.Status != event.ItemPending && it.Status != event.ItemActive {
			continue
		}
		if mapsEqual(it.Data, data) {
			return it
		}
	}
	return nil
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// resolvePrefix resolves a full id or unique short prefix among ids.
func resolvePrefix(prefix string, ids []string) (string, error) {
	var matches []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousPrefixError{Prefix: prefix, Matches: matches}
	}
}

// ResolveJob resolves a job id by full id or unique prefix.
func (s *State) ResolveJob(prefix string) (*Job, error) {
	id, err := resolvePrefix(prefix, keys(s.Jobs))
	if err != nil {
		return nil, err
	}
	return s.Jobs[id], nil
}

// ResolveCrew resolves a crew id by full id or unique prefix.
func (s *State) ResolveCrew(prefix string) (*Crew, error) {
	id, err := resolvePrefix(prefix, keys(s.Crews))
	if err != nil {
		return nil, err
	}
	return s.Crews[id], nil
}

// ResolveDecision resolves a decision id by full id or unique prefix.
func (s *State) ResolveDecision(prefix string) (*Decision, error) {
	id, err := resolvePrefix(prefix, keys(s.Decisions))
	if err != nil {
		return nil, err
	}
	return s.Decisions[id], nil
}

// ResolveWorkspace resolves a workspace id by full id or unique prefix.
func (s *State) ResolveWorkspace(prefix string) (*Workspace, error) {
	id, err := resolvePrefix(prefix, keys(s.Workspaces))
	if err != nil {
		return nil, err
	}
	return s.Workspaces[id], nil
}

// ResolveQueueItem resolves a queue item id by full id or unique prefix.
func (s *State) ResolveQueueItem(prefix string) (*QueueItem, error) {
	id, err := resolvePrefix(prefix, keys(s.QueueItems))
	if err != nil {
		return nil, err
	}
	return s.QueueItems[id], nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
