package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/sidecar"
)

// ErrAgentNotFound reports an agent id with no known sidecar.
var ErrAgentNotFound = errors.New("adapter: agent not found")

// Local runs agent sidecars as detached host processes. Each agent gets a
// directory under <stateDir>/agents/<id> holding its control socket and pid
// file; the spawned command is expected to bring up the sidecar on the
// socket it finds in the environment.
type Local struct {
	stateDir string
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[string]*sidecar.Client
	tokens  map[string]string
}

// NewLocal creates the host-process adapter.
func NewLocal(stateDir string, log *logger.Logger) *Local {
	return &Local{
		stateDir: stateDir,
		logger:   log.WithFields(zap.String("component", "adapter.local")),
		clients:  make(map[string]*sidecar.Client),
		tokens:   make(map[string]string),
	}
}

func (l *Local) agentDir(agentID string) string {
	return filepath.Join(l.stateDir, "agents", agentID)
}

func (l *Local) pidPath(agentID string) string {
	return filepath.Join(l.agentDir(agentID), "agent.pid")
}

// Spawn launches the agent command detached in its own process group.
func (l *Local) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	dir := l.agentDir(spec.AgentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}
	sock := CoopSocketPath(l.stateDir, spec.AgentID)
	// A stale socket from a previous run refuses binds.
	_ = os.Remove(sock)

	cmd := exec.Command("bash", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"COOP_SOCKET="+sock,
		"COOP_TOKEN="+spec.AuthToken,
		"OJ_AGENT_ID="+spec.AgentID,
		"OJ_OWNER="+spec.Owner.String(),
	)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	logPath := filepath.Join(dir, "agent.log")
	if out, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(l.pidPath(spec.AgentID), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		l.logger.WithError(err).Warn("write pid file", zap.String("agent_id", spec.AgentID))
	}
	// Reap in the background so the child never zombies.
	go func() { _ = cmd.Wait() }()

	l.mu.Lock()
	l.tokens[spec.AgentID] = spec.AuthToken
	l.clients[spec.AgentID] = sidecar.NewClient(sock, spec.AuthToken, l.logger)
	l.mu.Unlock()

	l.logger.Info("agent spawned",
		zap.String("agent_id", spec.AgentID),
		zap.String("owner", spec.Owner.String()),
		zap.Int("pid", pid))
	return &Handle{AgentID: spec.AgentID, Runtime: RuntimeLocal, AuthToken: spec.AuthToken}, nil
}

// Reconnect builds a client for a sidecar that survived a daemon restart and
// verifies it responds.
func (l *Local) Reconnect(ctx context.Context, agentID string) (*sidecar.Client, error) {
	l.mu.Lock()
	c, ok := l.clients[agentID]
	if !ok {
		token := l.tokens[agentID]
		c = sidecar.NewClient(CoopSocketPath(l.stateDir, agentID), token, l.logger)
		l.clients[agentID] = c
	}
	l.mu.Unlock()
	if err := c.Health(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Adopt installs a client with a known token without probing, used when
// rehydrating routing state from durable records.
func (l *Local) Adopt(agentID, authToken string) {
	l.mu.Lock()
	l.tokens[agentID] = authToken
	l.clients[agentID] = sidecar.NewClient(CoopSocketPath(l.stateDir, agentID), authToken, l.logger)
	l.mu.Unlock()
}

func (l *Local) Client(agentID string) *sidecar.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clients[agentID]
}

func (l *Local) client(agentID string) (*sidecar.Client, error) {
	if c := l.Client(agentID); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

func (l *Local) Send(ctx context.Context, agentID, text string) error {
	c, err := l.client(agentID)
	if err != nil {
		return err
	}
	return c.Nudge(ctx, text)
}

func (l *Local) Respond(ctx context.Context, agentID string, accept bool, option, text string) error {
	c, err := l.client(agentID)
	if err != nil {
		return err
	}
	return c.Respond(ctx, accept, option, text)
}

// Kill asks the sidecar to shut down, then hard-kills the process group if
// it lingers.
func (l *Local) Kill(ctx context.Context, agentID string) error {
	if c, err := l.client(agentID); err == nil {
		_ = c.Shutdown(ctx)
	}
	var killErr error
	if pid, err := l.readPid(agentID); err == nil {
		// Negative pid signals the whole group.
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			killErr = err
		}
	}
	l.cleanup(agentID)
	return killErr
}

func (l *Local) cleanup(agentID string) {
	l.mu.Lock()
	delete(l.clients, agentID)
	delete(l.tokens, agentID)
	l.mu.Unlock()
	_ = os.Remove(l.pidPath(agentID))
	_ = os.Remove(CoopSocketPath(l.stateDir, agentID))
}

func (l *Local) readPid(agentID string) (int, error) {
	raw, err := os.ReadFile(l.pidPath(agentID))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func (l *Local) State(ctx context.Context, agentID string) (*sidecar.AgentStatus, error) {
	c, err := l.client(agentID)
	if err != nil {
		return nil, err
	}
	return c.Agent(ctx)
}

func (l *Local) LastMessage(ctx context.Context, agentID string) (string, error) {
	st, err := l.State(ctx, agentID)
	if err != nil {
		return "", err
	}
	return st.LastMessage, nil
}

func (l *Local) ResolveStop(ctx context.Context, agentID string) error {
	c, err := l.client(agentID)
	if err != nil {
		return err
	}
	return c.ResolveStop(ctx)
}

// IsAlive treats a responsive health endpoint as liveness; a live pid with a
// dead socket counts as dead, matching how reconciliation decides.
func (l *Local) IsAlive(ctx context.Context, agentID string) bool {
	c := l.Client(agentID)
	if c == nil {
		c = sidecar.NewClient(CoopSocketPath(l.stateDir, agentID), l.tokenFor(agentID), l.logger)
	}
	return c.Health(ctx) == nil
}

func (l *Local) tokenFor(agentID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[agentID]
}

func (l *Local) CaptureOutput(ctx context.Context, agentID string) (string, error) {
	c, err := l.client(agentID)
	if err != nil {
		return "", err
	}
	return c.ScreenText(ctx)
}

func (l *Local) FetchUsage(ctx context.Context, agentID string) (*sidecar.UsageResponse, error) {
	c, err := l.client(agentID)
	if err != nil {
		return nil, err
	}
	return c.Usage(ctx)
}

func (l *Local) IsRemoteOnly() bool { return false }

var _ Adapter = (*Local)(nil)
