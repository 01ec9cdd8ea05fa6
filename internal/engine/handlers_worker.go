package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/state"
)

// handleWorkerStarted follows a start (or a degraded restart) with an
// immediate poll.
func (e *Engine) handleWorkerStarted(p *event.WorkerStarted) ([]effect.Effect, error) {
	return []effect.Effect{effect.Emit{Event: &event.WorkerWake{
		Name:      p.Name,
		Namespace: p.Namespace,
	}}}, nil
}

// handleWorkerWake refreshes the worker's runbook from disk and polls its
// queue up to the available concurrency.
func (e *Engine) handleWorkerWake(p *event.WorkerWake) ([]effect.Effect, error) {
	scoped := state.ScopedName(p.Namespace, p.Name)

	e.mu.Lock()
	w, ok := e.st.Workers[scoped]
	var running bool
	var hash, path, queue, dir string
	var available int
	if ok {
		running = w.Running
		hash = w.RunbookHash
		path = e.st.Runbooks[hash]
		queue = w.Queue
		dir = w.Dir
		available = w.Available()
	}
	e.mu.Unlock()
	if !ok || !running {
		return nil, nil
	}

	var effects []effect.Effect
	rb, err := e.books.LoadPath(path)
	if err != nil {
		e.logger.WithError(err).Warn("worker runbook refresh failed",
			zap.String("worker", scoped))
		rb, ok = e.books.Get(hash)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunbookLoad, path)
		}
	} else if rb.Hash != hash {
		wd, found := rb.Workers[p.Name]
		if !found {
			// The worker was removed from the runbook; stop it.
			return []effect.Effect{effect.Emit{Event: &event.WorkerStopped{
				Name:      p.Name,
				Namespace: p.Namespace,
			}}}, nil
		}
		conc := wd.Concurrency
		if conc == 0 {
			conc = 1
		}
		qd := rb.Queues[wd.Queue]
		qt := event.QueueExternal
		if qd != nil && qd.Type == "persisted" {
			qt = event.QueuePersisted
		}
		effects = append(effects,
			effect.Emit{Event: &event.RunbookLoaded{Hash: rb.Hash, Path: path}},
			effect.Emit{Event: &event.WorkerStarted{
				Name:        p.Name,
				Namespace:   p.Namespace,
				Queue:       wd.Queue,
				QueueType:   qt,
				Concurrency: conc,
				RunbookHash: rb.Hash,
				Dir:         dir,
			}},
		)
		// The refreshed WorkerStarted wakes again with the new definition.
		return effects, nil
	}

	if available <= 0 {
		return effects, nil
	}
	qd, found := rb.Queues[queue]
	if !found {
		return effects, fmt.Errorf("queue %q not in runbook", queue)
	}

	if qd.Type == "persisted" {
		return append(effects, e.takePersisted(scoped, p.Name, p.Namespace, queue, available, rb)...), nil
	}

	listCmd := qd.List
	e.goAsync(func(ctx context.Context) {
		items, code, stderr := pollQueueList(ctx, listCmd, dir)
		e.Submit(&event.WorkerPolled{
			Name:      p.Name,
			Namespace: p.Namespace,
			Items:     items,
			ExitCode:  code,
			Stderr:    stderr,
		})
	})
	return effects, nil
}

// takePersisted claims pending items from a persisted queue and dispatches
// them inline; nothing external can race the take.
func (e *Engine) takePersisted(scoped, name, ns, queue string, available int, rb *runbook.Runbook) []effect.Effect {
	e.mu.Lock()
	var pending []*state.QueueItem
	for _, it := range e.st.QueueItems {
		if state.ScopedName(it.Namespace, it.Queue) == state.ScopedName(ns, queue) && it.Status == event.ItemPending {
			pending = append(pending, it)
		}
	}
	e.mu.Unlock()

	var effects []effect.Effect
	for _, it := range pending {
		if available <= 0 {
			break
		}
		data := make(map[string]any, len(it.Data))
		for k, v := range it.Data {
			data[k] = v
		}
		dispatch, err := e.dispatchItem(scoped, rb, it.ID, data)
		if err != nil {
			e.logger.WithError(err).Warn("queue item dispatch failed",
				zap.String("worker", scoped), zap.String("item_id", it.ID))
			continue
		}
		effects = append(effects, effect.Emit{Event: &event.QueueTaken{
			ItemID: it.ID,
			Worker: scoped,
		}})
		effects = append(effects, dispatch...)
		available--
	}
	return effects
}

// handleWorkerPolled filters the listed items against the dedup sets and
// fires take commands for what remains.
func (e *Engine) handleWorkerPolled(p *event.WorkerPolled) ([]effect.Effect, error) {
	scoped := state.ScopedName(p.Namespace, p.Name)
	if p.ExitCode != 0 {
		e.logger.Warn("queue list command failed",
			zap.String("worker", scoped),
			zap.Int("exit_code", p.ExitCode),
			zap.String("stderr", truncate(p.Stderr, 200)))
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.st.Workers[scoped]
	if !ok || !w.Running {
		return nil, nil
	}
	rb, found := e.books.Get(w.RunbookHash)
	if !found {
		return nil, fmt.Errorf("%w: worker %s", ErrRunbookLoad, scoped)
	}
	qd, found := rb.Queues[w.Queue]
	if !found {
		return nil, fmt.Errorf("queue %q not in runbook", w.Queue)
	}

	var effects []effect.Effect
	for _, item := range p.Items {
		if w.Available() <= 0 {
			break
		}
		key := itemDedupKey(item)
		if w.Inflight[key] || workerHasItem(w, key) {
			continue
		}
		w.PendingTakes++
		w.Inflight[key] = true
		effects = append(effects, effect.TakeQueueItem{
			Worker:    p.Name,
			Namespace: p.Namespace,
			ItemID:    key,
			Item:      item,
			Cmd:       interpolate(qd.Take, itemVars(item)),
			Dir:       w.Dir,
		})
	}
	return effects, nil
}

// handleWorkerTook clears the inflight marker and dispatches on success.
func (e *Engine) handleWorkerTook(p *event.WorkerTook) ([]effect.Effect, error) {
	scoped := state.ScopedName(p.Namespace, p.Name)

	e.mu.Lock()
	w, ok := e.st.Workers[scoped]
	var hash string
	if ok {
		if w.PendingTakes > 0 {
			w.PendingTakes--
		}
		delete(w.Inflight, p.ItemID)
		hash = w.RunbookHash
	}
	running := ok && w.Running
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if p.ExitCode != 0 {
		e.logger.Warn("queue take command failed",
			zap.String("worker", scoped),
			zap.String("item_id", p.ItemID),
			zap.Int("exit_code", p.ExitCode),
			zap.String("stderr", truncate(p.Stderr, 200)))
		return nil, nil
	}
	if !running {
		return nil, nil
	}
	rb, found := e.books.Get(hash)
	if !found {
		return nil, fmt.Errorf("%w: worker %s", ErrRunbookLoad, scoped)
	}
	return e.dispatchItem(scoped, rb, p.ItemID, p.Item)
}

// dispatchItem creates a job for a queue item. The job's first declared var
// name namespaces the item fields, so an item {title} dispatched into a job
// declaring vars [bug] is visible as {var.bug.title}.
func (e *Engine) dispatchItem(scoped string, rb *runbook.Runbook, itemID string, item map[string]any) ([]effect.Effect, error) {
	e.mu.Lock()
	w, ok := e.st.Workers[scoped]
	var dir, ns, name string
	if ok {
		dir, ns, name = w.Dir, w.Namespace, w.Name
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker %s not found", scoped)
	}
	wd, found := rb.Workers[name]
	if !found {
		return nil, fmt.Errorf("worker %q not in runbook", name)
	}
	def, found := rb.Jobs[wd.Job]
	if !found {
		return nil, fmt.Errorf("%w: job kind %q", ErrJobNotFound, wd.Job)
	}

	inputs := make(map[string]string)
	if len(def.Vars) > 0 {
		prefix := def.Vars[0] + "."
		for k, v := range item {
			inputs[prefix+k] = stringifyValue(v)
		}
	}
	effects, err := e.createAndStartJob(rb, def, ns, dir, inputs, "")
	if err != nil {
		return nil, err
	}
	for _, ef := range effects {
		em, isEmit := ef.(effect.Emit)
		if !isEmit {
			continue
		}
		if jc, isCreate := em.Event.(*event.JobCreated); isCreate {
			effects = append(effects, effect.Emit{Event: &event.WorkerDispatched{
				Name:      name,
				Namespace: ns,
				Owner:     event.JobOwner(jc.JobID),
				ItemID:    itemID,
			}})
			break
		}
	}
	return effects, nil
}

// handleQueuePushed wakes every running worker consuming the queue.
func (e *Engine) handleQueuePushed(p *event.QueuePushed) ([]effect.Effect, error) {
	e.mu.Lock()
	var wakes []effect.Effect
	for _, w := range e.st.Workers {
		if !w.Running {
			continue
		}
		if state.ScopedName(w.Namespace, w.Queue) == state.ScopedName(p.Namespace, p.Queue) {
			wakes = append(wakes, effect.Emit{Event: &event.WorkerWake{
				Name:      w.Name,
				Namespace: w.Namespace,
			}})
		}
	}
	e.mu.Unlock()
	return wakes, nil
}

func workerHasItem(w *state.Worker, itemID string) bool {
	for _, id := range w.Items {
		if id == itemID {
			return true
		}
	}
	return false
}

// itemDedupKey prefers the item's id, then number, then a stable hash of
// the whole item. Numeric fields stringify rather than coerce.
func itemDedupKey(item map[string]any) string {
	for _, field := range []string{"id", "number"} {
		if v, ok := item[field]; ok {
			if s := stringifyValue(v); s != "" {
				return s
			}
		}
	}
	raw, _ := json.Marshal(item)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// itemVars exposes item fields as {item.<field>} for take-command
// interpolation.
func itemVars(item map[string]any) map[string]string {
	out := make(map[string]string, len(item))
	for k, v := range item {
		out["item."+k] = stringifyValue(v)
	}
	return out
}

func stringifyValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}
