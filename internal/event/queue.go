package event

// QueueItemStatus is the lifecycle status of a persisted queue item.
type QueueItemStatus string

const (
	ItemPending   QueueItemStatus = "pending"
	ItemActive    QueueItemStatus = "active"
	ItemCompleted QueueItemStatus = "completed"
	ItemFailed    QueueItemStatus = "failed"
	ItemDead      QueueItemStatus = "dead"
	ItemRetried   QueueItemStatus = "retried"
)

// TerminalItemStatus reports whether s ends an item's processing.
func TerminalItemStatus(s QueueItemStatus) bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemDead:
		return true
	}
	return false
}

// QueuePushed appends an item to a persisted queue. Pushes whose data map
// equals an existing pending/active item dedup in apply.
type QueuePushed struct {
	ItemID    string            `json:"item_id"`
	Queue     string            `json:"queue"`
	Namespace string            `json:"namespace,omitempty"`
	Data      map[string]string `json:"data"`
}

func (*QueuePushed) Kind() string    { return "QueuePushed" }
func (*QueuePushed) Persisted() bool { return true }

// QueueTaken marks a pending item active under a worker.
type QueueTaken struct {
	ItemID string `json:"item_id"`
	Worker string `json:"worker"`
}

func (*QueueTaken) Kind() string    { return "QueueTaken" }
func (*QueueTaken) Persisted() bool { return true }

// QueueItemUpdated resolves an item (done, fail, dead, retry). A retry puts
// the item back to pending with its failure count bumped.
type QueueItemUpdated struct {
	ItemID string          `json:"item_id"`
	Status QueueItemStatus `json:"status"`
}

func (*QueueItemUpdated) Kind() string    { return "QueueItemUpdated" }
func (*QueueItemUpdated) Persisted() bool { return true }

// QueueDropped removes an item from state entirely (drain, drop, prune).
type QueueDropped struct {
	ItemID string `json:"item_id"`
}

func (*QueueDropped) Kind() string    { return "QueueDropped" }
func (*QueueDropped) Persisted() bool { return true }

func init() {
	register("QueuePushed", func() Payload { return &QueuePushed{} })
	register("QueueTaken", func() Payload { return &QueueTaken{} })
	register("QueueItemUpdated", func() Payload { return &QueueItemUpdated{} })
	register("QueueDropped", func() Payload { return &QueueDropped{} })
}
