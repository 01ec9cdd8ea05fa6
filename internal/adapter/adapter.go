// Package adapter abstracts agent sidecar lifecycles behind a capability
// set. A router fans out by the agent's declared runtime; reconnect uses the
// runtime hint persisted with AgentSpawned.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/sidecar"
)

// Runtime tags understood by the router.
const (
	RuntimeLocal      = "local"
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
)

// ErrUnknownRuntime reports a runtime tag with no registered adapter.
var ErrUnknownRuntime = errors.New("adapter: unknown runtime")

// Handle identifies a spawned agent: enough to reconnect after a restart.
type Handle struct {
	AgentID   string
	Runtime   string
	AuthToken string
}

// SpawnSpec carries everything an adapter needs to start a sidecar.
type SpawnSpec struct {
	AgentID   string
	Owner     event.Owner
	AgentName string
	Command   string // interpolated run command
	Dir       string
	Env       map[string]string
	AuthToken string
}

// Adapter is the capability set every agent runtime provides.
type Adapter interface {
	// Spawn starts a sidecar and returns its handle.
	Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error)
	// Reconnect re-establishes a client for a surviving sidecar.
	Reconnect(ctx context.Context, agentID string) (*sidecar.Client, error)
	// Send delivers user text (nudge with raw-input fallback).
	Send(ctx context.Context, agentID, text string) error
	// Respond delivers a structured prompt response.
	Respond(ctx context.Context, agentID string, accept bool, option, text string) error
	// Kill terminates the sidecar; best-effort.
	Kill(ctx context.Context, agentID string) error
	// State fetches the sidecar's agent status.
	State(ctx context.Context, agentID string) (*sidecar.AgentStatus, error)
	// LastMessage returns the agent's last message, if any.
	LastMessage(ctx context.Context, agentID string) (string, error)
	// ResolveStop releases a stop-hook hold.
	ResolveStop(ctx context.Context, agentID string) error
	// IsAlive probes sidecar health.
	IsAlive(ctx context.Context, agentID string) bool
	// CaptureOutput grabs the sidecar's rendered screen text.
	CaptureOutput(ctx context.Context, agentID string) (string, error)
	// FetchUsage fetches session token usage.
	FetchUsage(ctx context.Context, agentID string) (*sidecar.UsageResponse, error)
	// Adopt registers a client for an agent spawned by a previous daemon
	// process, without probing it.
	Adopt(agentID, authToken string)
	// IsRemoteOnly reports whether the runtime has no local process to signal.
	IsRemoteOnly() bool
	// Client returns the sidecar client for bridge subscription.
	Client(agentID string) *sidecar.Client
}

// CoopSocketPath returns the per-agent control socket under stateDir.
func CoopSocketPath(stateDir, agentID string) string {
	return filepath.Join(stateDir, "agents", agentID, "coop.sock")
}

// Router dispatches adapter calls by runtime tag.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	// hints remembers agentID -> runtime for routing after spawn.
	hints map[string]string
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		adapters: make(map[string]Adapter),
		hints:    make(map[string]string),
	}
}

// Register installs an adapter for a runtime tag.
func (r *Router) Register(runtime string, a Adapter) {
	r.mu.Lock()
	r.adapters[runtime] = a
	r.mu.Unlock()
}

// Hint records the runtime for an agent id (persisted spawns and
// reconciliation both feed this).
func (r *Router) Hint(agentID, runtime string) {
	r.mu.Lock()
	r.hints[agentID] = runtime
	r.mu.Unlock()
}

// Forget drops the hint for a terminated agent.
func (r *Router) Forget(agentID string) {
	r.mu.Lock()
	delete(r.hints, agentID)
	r.mu.Unlock()
}

// ForRuntime returns the adapter registered for a runtime tag.
func (r *Router) ForRuntime(runtime string) (Adapter, error) {
	if runtime == "" {
		runtime = RuntimeLocal
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, runtime)
	}
	return a, nil
}

// ForAgent routes by the recorded runtime hint, defaulting to local.
func (r *Router) ForAgent(agentID string) (Adapter, error) {
	r.mu.RLock()
	runtime := r.hints[agentID]
	r.mu.RUnlock()
	return r.ForRuntime(runtime)
}

// Notifier delivers user-facing notifications. Back-end specifics are out of
// the engine's scope; the default rides the bus.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NopNotifier drops notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }

var _ Notifier = NopNotifier{}

// LogNotifier writes notifications to the daemon log; useful when no
// notification transport is configured.
type LogNotifier struct {
	Logger *logger.Logger
}

func (n LogNotifier) Notify(_ context.Context, title, message string) error {
	n.Logger.Info("notification",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}
