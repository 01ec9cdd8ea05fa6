package event

// Terminal step names for jobs.
const (
	StepDone      = "done"
	StepFailed    = "failed"
	StepCancelled = "cancelled"
	StepSuspended = "suspended"
)

// TerminalStep reports whether step names a terminal job state.
func TerminalStep(step string) bool {
	switch step {
	case StepDone, StepFailed, StepCancelled, StepSuspended:
		return true
	}
	return false
}

// StepStatus is the status of a job's current step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusWaiting   StepStatus = "waiting"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSuspended StepStatus = "suspended"
)

// CommandRun asks the runtime to resolve and run a runbook command.
// Transient: its durable consequence is JobCreated or CrewCreated.
type CommandRun struct {
	Command     string            `json:"command"`
	Project     string            `json:"project,omitempty"`
	Dir         string            `json:"dir"`
	RunbookPath string            `json:"runbook_path"`
	Vars        map[string]string `json:"vars,omitempty"`
}

func (*CommandRun) Kind() string    { return "CommandRun" }
func (*CommandRun) Persisted() bool { return false }

// RunbookLoaded records that a runbook was loaded and content-addressed.
type RunbookLoaded struct {
	Hash string `json:"hash"`
	Path string `json:"path"`
}

func (*RunbookLoaded) Kind() string    { return "RunbookLoaded" }
func (*RunbookLoaded) Persisted() bool { return true }

// JobCreated materialises a new job.
type JobCreated struct {
	JobID       string            `json:"job_id"`
	Name        string            `json:"name"`
	JobKind     string            `json:"job_kind"`
	Project     string            `json:"project,omitempty"`
	Dir         string            `json:"dir"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	RunbookHash string            `json:"runbook_hash"`
	CronName    string            `json:"cron_name,omitempty"`
	InitialStep string            `json:"initial_step"`
}

func (*JobCreated) Kind() string    { return "JobCreated" }
func (*JobCreated) Persisted() bool { return true }

// StepStarted records entry into a step; it opens a step-history record and
// increments the per-step visit counter.
type StepStarted struct {
	JobID     string `json:"job_id"`
	Step      string `json:"step"`
	AgentName string `json:"agent_name,omitempty"`
}

func (*StepStarted) Kind() string    { return "StepStarted" }
func (*StepStarted) Persisted() bool { return true }

// JobAdvanced transitions a job to a new step. A terminal step name ends the
// job.
type JobAdvanced struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
	Error string `json:"error,omitempty"`
}

func (*JobAdvanced) Kind() string    { return "JobAdvanced" }
func (*JobAdvanced) Persisted() bool { return true }

// JobStatusChanged updates a job's step status. DecisionID is set when the
// status is waiting on a decision.
type JobStatusChanged struct {
	JobID      string     `json:"job_id"`
	Status     StepStatus `json:"status"`
	DecisionID string     `json:"decision_id,omitempty"`
}

func (*JobStatusChanged) Kind() string    { return "JobStatusChanged" }
func (*JobStatusChanged) Persisted() bool { return true }

// JobFlagged sets the cooperative-termination flags on a job.
type JobFlagged struct {
	JobID      string `json:"job_id"`
	Cancelling bool   `json:"cancelling"`
	Failing    bool   `json:"failing"`
	Suspending bool   `json:"suspending"`
}

func (*JobFlagged) Kind() string    { return "JobFlagged" }
func (*JobFlagged) Persisted() bool { return true }

// JobVarsMerged merges additional variables into a job (smart resume).
type JobVarsMerged struct {
	JobID string            `json:"job_id"`
	Vars  map[string]string `json:"vars"`
}

func (*JobVarsMerged) Kind() string    { return "JobVarsMerged" }
func (*JobVarsMerged) Persisted() bool { return true }

// JobDeleted removes a job and everything anchored to it.
type JobDeleted struct {
	JobID string `json:"job_id"`
}

func (*JobDeleted) Kind() string    { return "JobDeleted" }
func (*JobDeleted) Persisted() bool { return true }

// OwnerNudged records a message sent to an owner's agent. Its timestamp backs
// the auto-resume suppression window.
type OwnerNudged struct {
	Owner   Owner  `json:"owner"`
	Message string `json:"message"`
}

func (*OwnerNudged) Kind() string    { return "OwnerNudged" }
func (*OwnerNudged) Persisted() bool { return true }

// JobResume is the smart-resume request. Transient.
type JobResume struct {
	JobID   string            `json:"job_id"`
	Message string            `json:"message,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
	Kill    bool              `json:"kill"`
}

func (*JobResume) Kind() string    { return "JobResume" }
func (*JobResume) Persisted() bool { return false }

// JobCancelRequested asks for cooperative cancellation. Transient.
type JobCancelRequested struct {
	JobID string `json:"job_id"`
}

func (*JobCancelRequested) Kind() string    { return "JobCancelRequested" }
func (*JobCancelRequested) Persisted() bool { return false }

// CrewCancelRequested asks a crew run to terminate. Transient.
type CrewCancelRequested struct {
	CrewID string `json:"crew_id"`
}

func (*CrewCancelRequested) Kind() string    { return "CrewCancelRequested" }
func (*CrewCancelRequested) Persisted() bool { return false }

// JobSuspendRequested asks for cooperative suspension. Transient.
type JobSuspendRequested struct {
	JobID string `json:"job_id"`
}

func (*JobSuspendRequested) Kind() string    { return "JobSuspendRequested" }
func (*JobSuspendRequested) Persisted() bool { return false }

// ShellExited reports a finished step subprocess.
type ShellExited struct {
	Owner    Owner  `json:"owner"`
	Step     string `json:"step"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (*ShellExited) Kind() string    { return "ShellExited" }
func (*ShellExited) Persisted() bool { return true }

// CrewCreated materialises a standalone agent run.
type CrewCreated struct {
	CrewID      string `json:"crew_id"`
	AgentName   string `json:"agent_name"`
	CommandName string `json:"command_name"`
	Project     string `json:"project,omitempty"`
	Dir         string `json:"dir"`
	RunbookHash string `json:"runbook_hash"`
}

func (*CrewCreated) Kind() string    { return "CrewCreated" }
func (*CrewCreated) Persisted() bool { return true }

// CrewStatus is the lifecycle status of a crew run.
type CrewStatus string

const (
	CrewStarting  CrewStatus = "starting"
	CrewRunning   CrewStatus = "running"
	CrewWaiting   CrewStatus = "waiting"
	CrewEscalated CrewStatus = "escalated"
	CrewCompleted CrewStatus = "completed"
	CrewFailed    CrewStatus = "failed"
	CrewCancelled CrewStatus = "cancelled"
)

// TerminalCrewStatus reports whether s ends a crew run.
func TerminalCrewStatus(s CrewStatus) bool {
	switch s {
	case CrewCompleted, CrewFailed, CrewCancelled:
		return true
	}
	return false
}

// CrewUpdated changes a crew run's status and/or assigns its agent.
type CrewUpdated struct {
	CrewID  string     `json:"crew_id"`
	Status  CrewStatus `json:"status,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

func (*CrewUpdated) Kind() string    { return "CrewUpdated" }
func (*CrewUpdated) Persisted() bool { return true }

func init() {
	register("CommandRun", func() Payload { return &CommandRun{} })
	register("RunbookLoaded", func() Payload { return &RunbookLoaded{} })
	register("JobCreated", func() Payload { return &JobCreated{} })
	register("StepStarted", func() Payload { return &StepStarted{} })
	register("JobAdvanced", func() Payload { return &JobAdvanced{} })
	register("JobStatusChanged", func() Payload { return &JobStatusChanged{} })
	register("JobFlagged", func() Payload { return &JobFlagged{} })
	register("JobVarsMerged", func() Payload { return &JobVarsMerged{} })
	register("JobDeleted", func() Payload { return &JobDeleted{} })
	register("OwnerNudged", func() Payload { return &OwnerNudged{} })
	register("JobResume", func() Payload { return &JobResume{} })
	register("JobCancelRequested", func() Payload { return &JobCancelRequested{} })
	register("CrewCancelRequested", func() Payload { return &CrewCancelRequested{} })
	register("JobSuspendRequested", func() Payload { return &JobSuspendRequested{} })
	register("ShellExited", func() Payload { return &ShellExited{} })
	register("CrewCreated", func() Payload { return &CrewCreated{} })
	register("CrewUpdated", func() Payload { return &CrewUpdated{} })
}
