package event

// QueueType distinguishes persisted queues (items live in state) from
// external queues (items come from a list command).
type QueueType string

const (
	QueuePersisted QueueType = "persisted"
	QueueExternal  QueueType = "external"
)

// WorkerStarted starts (or, for an already-running worker, wakes) a queue
// consumer.
type WorkerStarted struct {
	Name        string    `json:"name"`
	Namespace   string    `json:"namespace,omitempty"`
	Queue       string    `json:"queue"`
	QueueType   QueueType `json:"queue_type"`
	Concurrency int       `json:"concurrency"`
	RunbookHash string    `json:"runbook_hash"`
	Dir         string    `json:"dir"`
}

func (*WorkerStarted) Kind() string    { return "WorkerStarted" }
func (*WorkerStarted) Persisted() bool { return true }

// WorkerStopped stops a worker and clears its in-memory dispatch sets.
type WorkerStopped struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

func (*WorkerStopped) Kind() string    { return "WorkerStopped" }
func (*WorkerStopped) Persisted() bool { return true }

// WorkerResized changes a running worker's concurrency.
type WorkerResized struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace,omitempty"`
	Concurrency int    `json:"concurrency"`
}

func (*WorkerResized) Kind() string    { return "WorkerResized" }
func (*WorkerResized) Persisted() bool { return true }

// WorkerDispatched binds a dispatched owner to the queue item it is working.
type WorkerDispatched struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Owner     Owner  `json:"owner"`
	ItemID    string `json:"item_id"`
}

func (*WorkerDispatched) Kind() string    { return "WorkerDispatched" }
func (*WorkerDispatched) Persisted() bool { return true }

// WorkerWake asks a worker to poll its queue. Transient.
type WorkerWake struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

func (*WorkerWake) Kind() string    { return "WorkerWake" }
func (*WorkerWake) Persisted() bool { return false }

// WorkerPolled carries the result of an external queue's list command.
// Transient.
type WorkerPolled struct {
	Name      string           `json:"name"`
	Namespace string           `json:"namespace,omitempty"`
	Items     []map[string]any `json:"items"`
	ExitCode  int              `json:"exit_code"`
	Stderr    string           `json:"stderr,omitempty"`
}

func (*WorkerPolled) Kind() string    { return "WorkerPolled" }
func (*WorkerPolled) Persisted() bool { return false }

// WorkerTook carries the result of an external queue's take command.
// Transient.
type WorkerTook struct {
	Name      string         `json:"name"`
	Namespace string         `json:"namespace,omitempty"`
	ItemID    string         `json:"item_id"`
	Item      map[string]any `json:"item,omitempty"`
	ExitCode  int            `json:"exit_code"`
	Stderr    string         `json:"stderr,omitempty"`
}

func (*WorkerTook) Kind() string    { return "WorkerTook" }
func (*WorkerTook) Persisted() bool { return false }

func init() {
	register("WorkerStarted", func() Payload { return &WorkerStarted{} })
	register("WorkerStopped", func() Payload { return &WorkerStopped{} })
	register("WorkerResized", func() Payload { return &WorkerResized{} })
	register("WorkerDispatched", func() Payload { return &WorkerDispatched{} })
	register("WorkerWake", func() Payload { return &WorkerWake{} })
	register("WorkerPolled", func() Payload { return &WorkerPolled{} })
	register("WorkerTook", func() Payload { return &WorkerTook{} })
}
