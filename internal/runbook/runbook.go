// Package runbook holds the declarative data model the daemon executes:
// job kinds, agents, queues, workers, crons, and commands. Documents are
// loaded from disk, decoded from YAML, and cached content-addressed by the
// SHA-256 of their raw bytes. The surface HCL syntax is produced by an
// external parser; this package only consumes the resulting model.
package runbook

// Runbook is one immutable, content-addressed document.
type Runbook struct {
	Hash string `yaml:"-"` // SHA-256 of the raw document
	Path string `yaml:"-"`

	Jobs     map[string]*JobDef     `yaml:"jobs"`
	Agents   map[string]*AgentDef   `yaml:"agents"`
	Queues   map[string]*QueueDef   `yaml:"queues"`
	Workers  map[string]*WorkerDef  `yaml:"workers"`
	Crons    map[string]*CronDef    `yaml:"crons"`
	Commands map[string]*CommandDef `yaml:"commands"`
}

// JobDef declares a job kind: an ordered step graph plus job-level routing.
type JobDef struct {
	Name      string              `yaml:"-"`
	NameTmpl  string              `yaml:"name,omitempty"` // human-name template
	Vars      []string            `yaml:"vars,omitempty"` // declared input names, first one namespaces worker dispatch
	Locals    []LocalDef          `yaml:"locals,omitempty"`
	Start     string              `yaml:"start,omitempty"` // defaults to first declared step
	StepOrder []string            `yaml:"step_order,omitempty"`
	Steps     map[string]*StepDef `yaml:"steps"`
	OnDone    *Transition         `yaml:"on_done,omitempty"`
	OnFail    *Transition         `yaml:"on_fail,omitempty"`
	OnCancel  *Transition         `yaml:"on_cancel,omitempty"`
	OnSuspend *Transition         `yaml:"on_suspend,omitempty"`
	Workspace *WorkspaceDef       `yaml:"workspace,omitempty"`
}

// LocalDef is one local.<name> entry, evaluated in declaration order.
// Values containing $(...) are shell-evaluated with a bounded timeout.
type LocalDef struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// StepDef declares one step of a job.
type StepDef struct {
	Name   string        `yaml:"-"`
	Run    *RunDirective `yaml:"run"`
	Next   string        `yaml:"next,omitempty"` // default next step
	OnDone *Transition   `yaml:"on_done,omitempty"`
	OnFail *Transition   `yaml:"on_fail,omitempty"`
}

// RunDirective is what a step executes: exactly one of Shell or Agent.
type RunDirective struct {
	Shell string `yaml:"shell,omitempty"`
	Agent string `yaml:"agent,omitempty"`
}

// Transition routes a finished step. Step may be a declared step or a
// terminal name.
type Transition struct {
	Step string `yaml:"step"`
}

// WorkspaceDef declares optional git-worktree-backed provisioning.
type WorkspaceDef struct {
	Source SourceDef `yaml:"source,omitempty"`
}

// SourceDef carries interpolated templates for the workspace branch/ref.
type SourceDef struct {
	Branch string `yaml:"branch,omitempty"`
	Ref    string `yaml:"ref,omitempty"`
}

// AgentDef declares a supervised agent and its reaction policies.
type AgentDef struct {
	Name    string `yaml:"-"`
	Runtime string `yaml:"runtime,omitempty"` // local (default), docker, kubernetes
	Run     string `yaml:"run"`               // shell template, sees {prompt} among vars
	Prompt  string `yaml:"prompt,omitempty"`  // prompt template

	OnIdle   *ActionDef            `yaml:"on_idle,omitempty"`
	OnDead   *ActionDef            `yaml:"on_dead,omitempty"`
	OnPrompt *ActionDef            `yaml:"on_prompt,omitempty"`
	OnError  map[string]*ActionDef `yaml:"on_error,omitempty"` // keyed by error category, "" or "default" for fallback
}

// ActionKind is a reaction verb.
type ActionKind string

const (
	ActionDone     ActionKind = "done"
	ActionFail     ActionKind = "fail"
	ActionEscalate ActionKind = "escalate"
	ActionNudge    ActionKind = "nudge"
	ActionGate     ActionKind = "gate"
	ActionRespond  ActionKind = "respond"
	ActionRetry    ActionKind = "retry"
)

// ActionDef declares a reaction to a trigger.
type ActionDef struct {
	Kind     ActionKind    `yaml:"kind"`
	Message  string        `yaml:"message,omitempty"`  // nudge
	Attempts int           `yaml:"attempts,omitempty"` // nudge/retry bound, 0 means 1
	Cooldown Duration      `yaml:"cooldown,omitempty"`
	Run      string        `yaml:"run,omitempty"` // gate command
	OnPass   *ActionDef    `yaml:"on_pass,omitempty"`
	OnFail   *ActionDef    `yaml:"on_fail,omitempty"`
	Accept   bool          `yaml:"accept,omitempty"` // respond
}

// Bound returns the attempt bound, treating zero as one.
func (a *ActionDef) Bound() int {
	if a.Attempts <= 0 {
		return 1
	}
	return a.Attempts
}

// ErrorAction resolves the on_error table for a category, falling back to the
// default entry.
func (a *AgentDef) ErrorAction(category string) *ActionDef {
	if a.OnError == nil {
		return nil
	}
	if act, ok := a.OnError[category]; ok {
		return act
	}
	if act, ok := a.OnError["default"]; ok {
		return act
	}
	return a.OnError[""]
}

// QueueDef declares a queue. Persisted queues keep items in daemon state;
// external queues shell out to list/take commands.
type QueueDef struct {
	Name string `yaml:"-"`
	Type string `yaml:"type"` // persisted | external
	List string `yaml:"list,omitempty"`
	Take string `yaml:"take,omitempty"`
}

// WorkerDef declares a queue consumer.
type WorkerDef struct {
	Name        string `yaml:"-"`
	Queue       string `yaml:"queue"`
	Job         string `yaml:"job"` // job kind dispatched per item
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// CronDef declares a recurring trigger.
type CronDef struct {
	Name        string   `yaml:"-"`
	Interval    Duration `yaml:"interval"`
	Job         string   `yaml:"job,omitempty"`
	Agent       string   `yaml:"agent,omitempty"`
	Shell       string   `yaml:"shell,omitempty"`
	Concurrency int      `yaml:"concurrency,omitempty"`
}

// CommandDef declares an invocable command: exactly one of Job, Agent, Shell.
type CommandDef struct {
	Name  string `yaml:"-"`
	Job   string `yaml:"job,omitempty"`
	Agent string `yaml:"agent,omitempty"`
	Shell string `yaml:"shell,omitempty"`
}

// StartStep returns the job's initial step name.
func (j *JobDef) StartStep() string {
	if j.Start != "" {
		return j.Start
	}
	if len(j.StepOrder) > 0 {
		return j.StepOrder[0]
	}
	return ""
}

// NextAfter resolves the default next step after the named step, using the
// declared order when the step has no explicit Next.
func (j *JobDef) NextAfter(step string) string {
	if s, ok := j.Steps[step]; ok && s.Next != "" {
		return s.Next
	}
	for i, name := range j.StepOrder {
		if name == step && i+1 < len(j.StepOrder) {
			return j.StepOrder[i+1]
		}
	}
	return ""
}
