package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/sidecar"
)

const (
	dockerManagedLabel = "oj.managed"
	dockerAgentLabel   = "oj.agent_id"
	dockerOwnerLabel   = "oj.owner"

	// containerAgentDir is where the per-agent state dir is mounted inside
	// the container; the sidecar binds its socket there so the host can
	// reach it through the bind mount.
	containerAgentDir  = "/run/oj"
	containerWorkspace = "/workspace"
)

// ErrDockerDisabled reports a docker spawn when no docker runtime is
// configured.
var ErrDockerDisabled = errors.New("adapter: docker runtime disabled")

// Docker runs agent sidecars inside containers. The agent dir is
// bind-mounted in so the control socket stays reachable from the host and
// the sidecar client code is shared with the local runtime.
type Docker struct {
	cli      *client.Client
	cfg      config.DockerConfig
	stateDir string
	logger   *logger.Logger

	mu         sync.Mutex
	clients    map[string]*sidecar.Client
	tokens     map[string]string
	containers map[string]string // agentID -> containerID
}

// NewDocker creates the container adapter, connecting to the daemon
// configured in cfg.
func NewDocker(cfg config.DockerConfig, stateDir string, log *logger.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{
		cli:        cli,
		cfg:        cfg,
		stateDir:   stateDir,
		logger:     log.WithFields(zap.String("component", "adapter.docker")),
		clients:    make(map[string]*sidecar.Client),
		tokens:     make(map[string]string),
		containers: make(map[string]string),
	}, nil
}

// Close releases the docker connection.
func (d *Docker) Close() error { return d.cli.Close() }

// Ping verifies the docker daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Spawn creates and starts a labelled container running the agent command.
// The image comes from the OJ_IMAGE entry in spec.Env; the rest of the env
// is passed through.
func (d *Docker) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	if !d.cfg.Enabled {
		return nil, ErrDockerDisabled
	}
	image := spec.Env["OJ_IMAGE"]
	if image == "" {
		return nil, fmt.Errorf("docker spawn for %s: no OJ_IMAGE in environment", spec.AgentID)
	}

	agentDir := filepath.Join(d.stateDir, "agents", spec.AgentID)
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}
	_ = os.Remove(filepath.Join(agentDir, "coop.sock"))

	env := []string{
		"COOP_SOCKET=" + filepath.Join(containerAgentDir, "coop.sock"),
		"COOP_TOKEN=" + spec.AuthToken,
		"OJ_AGENT_ID=" + spec.AgentID,
		"OJ_OWNER=" + spec.Owner.String(),
	}
	for k, v := range spec.Env {
		if k == "OJ_IMAGE" {
			continue
		}
		env = append(env, k+"="+v)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: agentDir, Target: containerAgentDir},
	}
	if spec.Dir != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeBind, Source: spec.Dir, Target: containerWorkspace,
		})
	}

	containerCfg := &container.Config{
		Image:      image,
		Cmd:        []string{"bash", "-c", spec.Command},
		Env:        env,
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			dockerManagedLabel: "true",
			dockerAgentLabel:   spec.AgentID,
			dockerOwnerLabel:   spec.Owner.String(),
		},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "oj-agent-"+spec.AgentID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	sock := CoopSocketPath(d.stateDir, spec.AgentID)
	d.mu.Lock()
	d.tokens[spec.AgentID] = spec.AuthToken
	d.clients[spec.AgentID] = sidecar.NewClient(sock, spec.AuthToken, d.logger)
	d.containers[spec.AgentID] = resp.ID
	d.mu.Unlock()

	d.logger.Info("agent container started",
		zap.String("agent_id", spec.AgentID),
		zap.String("container_id", resp.ID),
		zap.String("image", image))
	return &Handle{AgentID: spec.AgentID, Runtime: RuntimeDocker, AuthToken: spec.AuthToken}, nil
}

// Reconnect finds the agent's labelled container and rebuilds the client.
func (d *Docker) Reconnect(ctx context.Context, agentID string) (*sidecar.Client, error) {
	id, err := d.findContainer(ctx, agentID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.containers[agentID] = id
	c, ok := d.clients[agentID]
	if !ok {
		c = sidecar.NewClient(CoopSocketPath(d.stateDir, agentID), d.tokens[agentID], d.logger)
		d.clients[agentID] = c
	}
	d.mu.Unlock()
	if err := c.Health(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Adopt installs a client for an agent known from durable records.
func (d *Docker) Adopt(agentID, authToken string) {
	d.mu.Lock()
	d.tokens[agentID] = authToken
	d.clients[agentID] = sidecar.NewClient(CoopSocketPath(d.stateDir, agentID), authToken, d.logger)
	d.mu.Unlock()
}

func (d *Docker) findContainer(ctx context.Context, agentID string) (string, error) {
	f := filters.NewArgs(
		filters.Arg("label", dockerManagedLabel+"=true"),
		filters.Arg("label", dockerAgentLabel+"="+agentID),
	)
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, ctr := range list {
		if ctr.State == "running" {
			return ctr.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

func (d *Docker) Client(agentID string) *sidecar.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[agentID]
}

func (d *Docker) client(agentID string) (*sidecar.Client, error) {
	if c := d.Client(agentID); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
}

func (d *Docker) Send(ctx context.Context, agentID, text string) error {
	c, err := d.client(agentID)
	if err != nil {
		return err
	}
	return c.Nudge(ctx, text)
}

func (d *Docker) Respond(ctx context.Context, agentID string, accept bool, option, text string) error {
	c, err := d.client(agentID)
	if err != nil {
		return err
	}
	return c.Respond(ctx, accept, option, text)
}

// Kill asks the sidecar to exit, then removes the container.
func (d *Docker) Kill(ctx context.Context, agentID string) error {
	if c, err := d.client(agentID); err == nil {
		_ = c.Shutdown(ctx)
	}
	d.mu.Lock()
	id := d.containers[agentID]
	delete(d.clients, agentID)
	delete(d.tokens, agentID)
	delete(d.containers, agentID)
	d.mu.Unlock()

	if id == "" {
		var err error
		if id, err = d.findContainer(ctx, agentID); err != nil {
			return nil
		}
	}
	timeout := 10 // seconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		d.logger.WithError(err).Warn("stop container", zap.String("agent_id", agentID))
	}
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d *Docker) State(ctx context.Context, agentID string) (*sidecar.AgentStatus, error) {
	c, err := d.client(agentID)
	if err != nil {
		return nil, err
	}
	return c.Agent(ctx)
}

func (d *Docker) LastMessage(ctx context.Context, agentID string) (string, error) {
	st, err := d.State(ctx, agentID)
	if err != nil {
		return "", err
	}
	return st.LastMessage, nil
}

func (d *Docker) ResolveStop(ctx context.Context, agentID string) error {
	c, err := d.client(agentID)
	if err != nil {
		return err
	}
	return c.ResolveStop(ctx)
}

func (d *Docker) IsAlive(ctx context.Context, agentID string) bool {
	c := d.Client(agentID)
	if c == nil {
		d.mu.Lock()
		token := d.tokens[agentID]
		d.mu.Unlock()
		c = sidecar.NewClient(CoopSocketPath(d.stateDir, agentID), token, d.logger)
	}
	return c.Health(ctx) == nil
}

func (d *Docker) CaptureOutput(ctx context.Context, agentID string) (string, error) {
	c, err := d.client(agentID)
	if err != nil {
		return "", err
	}
	return c.ScreenText(ctx)
}

func (d *Docker) FetchUsage(ctx context.Context, agentID string) (*sidecar.UsageResponse, error) {
	c, err := d.client(agentID)
	if err != nil {
		return nil, err
	}
	return c.Usage(ctx)
}

func (d *Docker) IsRemoteOnly() bool { return false }

var _ Adapter = (*Docker)(nil)
