package event

// ErrorCategory classifies agent failures for on_error branching.
type ErrorCategory string

const (
	ErrUnauthorized ErrorCategory = "unauthorized"
	ErrOutOfCredits ErrorCategory = "out_of_credits"
	ErrOther        ErrorCategory = "other"
)

// AgentSpawned records a successful sidecar spawn. It carries the owner so
// the agent → owner mapping survives replay.
type AgentSpawned struct {
	AgentID   string `json:"agent_id"`
	Owner     Owner  `json:"owner"`
	AgentName string `json:"agent_name"`
	Runtime   string `json:"runtime"`
	AuthToken string `json:"auth_token,omitempty"`
	Step      string `json:"step,omitempty"`
}

func (*AgentSpawned) Kind() string    { return "AgentSpawned" }
func (*AgentSpawned) Persisted() bool { return true }

// AgentSpawnFailed records a spawn attempt that produced no agent.
type AgentSpawnFailed struct {
	Owner  Owner  `json:"owner"`
	Reason string `json:"reason"`
}

func (*AgentSpawnFailed) Kind() string    { return "AgentSpawnFailed" }
func (*AgentSpawnFailed) Persisted() bool { return true }

// AgentExited reports that the agent process finished on its own.
type AgentExited struct {
	AgentID     string `json:"agent_id"`
	ExitCode    int    `json:"exit_code"`
	LastMessage string `json:"last_message,omitempty"`
}

func (*AgentExited) Kind() string    { return "AgentExited" }
func (*AgentExited) Persisted() bool { return true }

// AgentGone reports a lost sidecar: closed stream, failed liveness probe, or
// a dead process discovered during reconciliation.
type AgentGone struct {
	AgentID string `json:"agent_id"`
}

func (*AgentGone) Kind() string    { return "AgentGone" }
func (*AgentGone) Persisted() bool { return true }

// AgentFailed reports an agent-level error with its category.
type AgentFailed struct {
	AgentID  string        `json:"agent_id"`
	Category ErrorCategory `json:"category"`
	Detail   string        `json:"detail,omitempty"`
}

func (*AgentFailed) Kind() string    { return "AgentFailed" }
func (*AgentFailed) Persisted() bool { return true }

// PromptInfo describes a sidecar prompt awaiting a response.
type PromptInfo struct {
	Type      string          `json:"type"`
	Questions []PromptEntry   `json:"questions,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
}

// PromptEntry is one question inside a grouped prompt.
type PromptEntry struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// Transient agent state-stream events, translated from sidecar WS frames.

// AgentWorking reports the agent made progress.
type AgentWorking struct {
	AgentID string `json:"agent_id"`
}

func (*AgentWorking) Kind() string    { return "AgentWorking" }
func (*AgentWorking) Persisted() bool { return false }

// AgentWaiting reports the agent paused for input.
type AgentWaiting struct {
	AgentID string `json:"agent_id"`
}

func (*AgentWaiting) Kind() string    { return "AgentWaiting" }
func (*AgentWaiting) Persisted() bool { return false }

// AgentIdle reports the agent has been quiescent.
type AgentIdle struct {
	AgentID string `json:"agent_id"`
}

func (*AgentIdle) Kind() string    { return "AgentIdle" }
func (*AgentIdle) Persisted() bool { return false }

// AgentPrompt reports the agent raised a prompt.
type AgentPrompt struct {
	AgentID string     `json:"agent_id"`
	Prompt  PromptInfo `json:"prompt"`
}

func (*AgentPrompt) Kind() string    { return "AgentPrompt" }
func (*AgentPrompt) Persisted() bool { return false }

// AgentStopBlocked reports a stop hook held the agent.
type AgentStopBlocked struct {
	AgentID string `json:"agent_id"`
}

func (*AgentStopBlocked) Kind() string    { return "AgentStopBlocked" }
func (*AgentStopBlocked) Persisted() bool { return false }

// AgentStopAllowed reports the stop hook released the agent.
type AgentStopAllowed struct {
	AgentID string `json:"agent_id"`
}

func (*AgentStopAllowed) Kind() string    { return "AgentStopAllowed" }
func (*AgentStopAllowed) Persisted() bool { return false }

// AgentSignal is an explicit escalation raised by the agent itself.
type AgentSignal struct {
	AgentID string   `json:"agent_id"`
	Message string   `json:"message"`
	Options []string `json:"options,omitempty"`
}

func (*AgentSignal) Kind() string    { return "AgentSignal" }
func (*AgentSignal) Persisted() bool { return false }

func init() {
	register("AgentSpawned", func() Payload { return &AgentSpawned{} })
	register("AgentSpawnFailed", func() Payload { return &AgentSpawnFailed{} })
	register("AgentExited", func() Payload { return &AgentExited{} })
	register("AgentGone", func() Payload { return &AgentGone{} })
	register("AgentFailed", func() Payload { return &AgentFailed{} })
	register("AgentWorking", func() Payload { return &AgentWorking{} })
	register("AgentWaiting", func() Payload { return &AgentWaiting{} })
	register("AgentIdle", func() Payload { return &AgentIdle{} })
	register("AgentPrompt", func() Payload { return &AgentPrompt{} })
	register("AgentStopBlocked", func() Payload { return &AgentStopBlocked{} })
	register("AgentStopAllowed", func() Payload { return &AgentStopAllowed{} })
	register("AgentSignal", func() Payload { return &AgentSignal{} })
}
