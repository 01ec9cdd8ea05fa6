// Package effect defines side-effect intents. Handlers return effects; the
// executor carries them out and feeds the resulting events back into the
// runtime. Only events are persisted, which keeps replay deterministic: an
// effect is "what we want to happen", an event is "what did happen".
package effect

import (
	"time"

	"github.com/oj-sh/oj/internal/event"
)

// Effect is one side-effect intent.
type Effect interface {
	isEffect()
}

// Emit appends the event if persisted, applies it to the materialised state,
// and returns it for propagation.
type Emit struct {
	Event event.Payload
}

// SpawnAgent asks the adapter router to start a sidecar for the owner.
type SpawnAgent struct {
	Owner     event.Owner
	AgentName string
	Runtime   string
	Step      string
	Command   string            // interpolated run command
	Dir       string
	Env       map[string]string
}

// KillAgent is a fire-and-forget adapter call.
type KillAgent struct {
	AgentID string
}

// SendToAgent delivers user text to the agent (nudge path).
type SendToAgent struct {
	AgentID string
	Owner   event.Owner
	Text    string
}

// RespondToAgent delivers a structured prompt response.
type RespondToAgent struct {
	AgentID string
	Accept  bool
	Option  string
	Text    string
}

// Shell runs a subprocess and reports ShellExited when it finishes.
type Shell struct {
	Owner event.Owner
	Step  string
	Cmd   string
	Dir   string
	Env   map[string]string
}

// SetTimer arms (or re-arms) a scheduler timer.
type SetTimer struct {
	Key string
	In  time.Duration
}

// CancelTimer removes a scheduler timer.
type CancelTimer struct {
	Key string
}

// Notify delegates a user notification to the notifier adapter.
type Notify struct {
	Title   string
	Message string
}

// TakeQueueItem runs an external queue's take command; a WorkerTook event
// reports the outcome.
type TakeQueueItem struct {
	Worker    string
	Namespace string
	ItemID    string
	Item      map[string]any
	Cmd       string
	Dir       string
}

func (Emit) isEffect()           {}
func (SpawnAgent) isEffect()     {}
func (KillAgent) isEffect()      {}
func (SendToAgent) isEffect()    {}
func (RespondToAgent) isEffect() {}
func (Shell) isEffect()          {}
func (SetTimer) isEffect()       {}
func (CancelTimer) isEffect()    {}
func (Notify) isEffect()         {}
func (TakeQueueItem) isEffect()  {}
