package event

// WorkspaceStatus is the provisioning status of a workspace directory.
type WorkspaceStatus string

const (
	WorkspacePending WorkspaceStatus = "pending"
	WorkspaceReady   WorkspaceStatus = "ready"
	WorkspaceFailed  WorkspaceStatus = "failed"
)

// WorkspaceCreated registers a workspace owned by a job or crew.
type WorkspaceCreated struct {
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`
	Branch      string `json:"branch,omitempty"`
	Owner       Owner  `json:"owner"`
}

func (*WorkspaceCreated) Kind() string    { return "WorkspaceCreated" }
func (*WorkspaceCreated) Persisted() bool { return true }

// WorkspaceUpdated changes a workspace's provisioning status.
type WorkspaceUpdated struct {
	WorkspaceID string          `json:"workspace_id"`
	Status      WorkspaceStatus `json:"status"`
	Path        string          `json:"path,omitempty"`
}

func (*WorkspaceUpdated) Kind() string    { return "WorkspaceUpdated" }
func (*WorkspaceUpdated) Persisted() bool { return true }

// WorkspaceDeleted removes a workspace from state.
type WorkspaceDeleted struct {
	WorkspaceID string `json:"workspace_id"`
}

func (*WorkspaceDeleted) Kind() string    { return "WorkspaceDeleted" }
func (*WorkspaceDeleted) Persisted() bool { return true }

func init() {
	register("WorkspaceCreated", func() Payload { return &WorkspaceCreated{} })
	register("WorkspaceUpdated", func() Payload { return &WorkspaceUpdated{} })
	register("WorkspaceDeleted", func() Payload { return &WorkspaceDeleted{} })
}
