package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

// pruneAge is how old a terminal queue item must be before prune removes it.
const pruneAge = 12 * time.Hour

// StartWorker loads the runbook at path and starts (or wakes) the named
// worker. Called from the listener goroutine.
func (e *Engine) StartWorker(path, name, ns, dir string) error {
	rb, err := e.books.LoadPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRunbookLoad, path)
	}
	wd, ok := rb.Workers[name]
	if !ok {
		return fmt.Errorf("worker %q not in runbook", name)
	}
	qd, ok := rb.Queues[wd.Queue]
	if !ok {
		return fmt.Errorf("queue %q not in runbook", wd.Queue)
	}
	qt := event.QueueExternal
	if qd.Type == "persisted" {
		qt = event.QueuePersisted
	}
	conc := wd.Concurrency
	if conc == 0 {
		conc = 1
	}
	if err := e.ProcessSync(&event.RunbookLoaded{Hash: rb.Hash, Path: path}); err != nil {
		return err
	}
	return e.ProcessSync(&event.WorkerStarted{
		Name:        name,
		Namespace:   ns,
		Queue:       wd.Queue,
		QueueType:   qt,
		Concurrency: conc,
		RunbookHash: rb.Hash,
		Dir:         dir,
	})
}

// StopWorker stops a running worker.
func (e *Engine) StopWorker(name, ns string) error {
	if !e.workerExists(name, ns) {
		return fmt.Errorf("worker %s %w", state.ScopedName(ns, name), state.ErrNotFound)
	}
	return e.ProcessSync(&event.WorkerStopped{Name: name, Namespace: ns})
}

// ResizeWorker changes a running worker's concurrency.
func (e *Engine) ResizeWorker(name, ns string, concurrency int) error {
	if concurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	if !e.workerExists(name, ns) {
		return fmt.Errorf("worker %s %w", state.ScopedName(ns, name), state.ErrNotFound)
	}
	return e.ProcessSync(&event.WorkerResized{Name: name, Namespace: ns, Concurrency: concurrency})
}

func (e *Engine) workerExists(name, ns string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.st.Workers[state.ScopedName(ns, name)]
	return ok
}

// StartCron loads the runbook at path and starts the named cron.
func (e *Engine) StartCron(path, name, ns, dir string) error {
	rb, err := e.books.LoadPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRunbookLoad, path)
	}
	cd, ok := rb.Crons[name]
	if !ok {
		return fmt.Errorf("cron %q not in runbook", name)
	}
	target := event.CronTarget{}
	switch {
	case cd.Job != "":
		target = event.CronTarget{Kind: event.CronTargetJob, Name: cd.Job}
	case cd.Agent != "":
		target = event.CronTarget{Kind: event.CronTargetAgent, Name: cd.Agent}
	case cd.Shell != "":
		target = event.CronTarget{Kind: event.CronTargetShell, Command: cd.Shell}
	default:
		return fmt.Errorf("cron %q has no target", name)
	}
	conc := cd.Concurrency
	if conc == 0 {
		conc = 1
	}
	if err := e.ProcessSync(&event.RunbookLoaded{Hash: rb.Hash, Path: path}); err != nil {
		return err
	}
	return e.ProcessSync(&event.CronStarted{
		Name:        name,
		Namespace:   ns,
		Interval:    cd.Interval.Std(),
		Target:      target,
		Concurrency: conc,
		RunbookHash: rb.Hash,
		Dir:         dir,
	})
}

// StopCron stops a running cron.
func (e *Engine) StopCron(name, ns string) error {
	e.mu.Lock()
	_, ok := e.st.Crons[state.ScopedName(ns, name)]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron %s %w", state.ScopedName(ns, name), state.ErrNotFound)
	}
	return e.ProcessSync(&event.CronStopped{Name: name, Namespace: ns})
}

// PushQueueItem appends to a persisted queue. Returns the item id — the
// existing one when the data map dedups against a pending or active item.
func (e *Engine) PushQueueItem(queue, ns string, data map[string]string) (string, error) {
	e.mu.Lock()
	existing := e.st.FindQueueItemByData(state.ScopedName(ns, queue), data)
	e.mu.Unlock()
	if existing != nil {
		return existing.ID, nil
	}
	id := uuid.New().String()
	if err := e.ProcessSync(&event.QueuePushed{
		ItemID:    id,
		Queue:     queue,
		Namespace: ns,
		Data:      data,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// ResolveQueueItemStatus resolves an item by id prefix and applies a
// lifecycle update (done, fail, retry, dead).
func (e *Engine) ResolveQueueItemStatus(prefix string, status event.QueueItemStatus) (string, error) {
	var id string
	var rerr error
	e.View(func(st *state.State) {
		it, err := st.ResolveQueueItem(prefix)
		if err != nil {
			rerr = err
			return
		}
		id = it.ID
	})
	if rerr != nil {
		return "", rerr
	}
	return id, e.ProcessSync(&event.QueueItemUpdated{ItemID: id, Status: status})
}

// DropQueueItem removes an item entirely.
func (e *Engine) DropQueueItem(prefix string) (string, error) {
	var id string
	var rerr error
	e.View(func(st *state.State) {
		it, err := st.ResolveQueueItem(prefix)
		if err != nil {
			rerr = err
			return
		}
		id = it.ID
	})
	if rerr != nil {
		return "", rerr
	}
	return id, e.ProcessSync(&event.QueueDropped{ItemID: id})
}

// DrainQueue drops every pending item in the queue and returns the dropped
// ids.
func (e *Engine) DrainQueue(queue, ns string) ([]string, error) {
	var ids []string
	e.View(func(st *state.State) {
		for _, it := range st.QueueItems {
			if state.ScopedName(it.Namespace, it.Queue) == state.ScopedName(ns, queue) && it.Status == event.ItemPending {
				ids = append(ids, it.ID)
			}
		}
	})
	for _, id := range ids {
		if err := e.ProcessSync(&event.QueueDropped{ItemID: id}); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// PruneQueueItems removes terminal items older than 12 h, or all terminal
// items when all is set.
func (e *Engine) PruneQueueItems(all bool) (int, error) {
	cutoff := e.clk.Now().Add(-pruneAge)
	var ids []string
	e.View(func(st *state.State) {
		for _, it := range st.QueueItems {
			if !event.TerminalItemStatus(it.Status) {
				continue
			}
			if all || it.UpdatedAt.Before(cutoff) {
				ids = append(ids, it.ID)
			}
		}
	})
	for _, id := range ids {
		if err := e.ProcessSync(&event.QueueDropped{ItemID: id}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
