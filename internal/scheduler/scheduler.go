// Package scheduler is the in-memory timer wheel: a priority queue keyed by
// fire time. Timers are not persisted; the reconciler recomputes them from
// state on boot.
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/oj-sh/oj/internal/clock"
	"github.com/oj-sh/oj/internal/event"
)

// Timer key prefixes. Keys are structured so callers can address a specific
// concern per owner.
const (
	KeyLiveness     = "liveness"
	KeyCooldown     = "cooldown"
	KeyIdleGrace    = "idle_grace"
	KeyCron         = "cron"
	KeyExitDeferred = "exit_deferred"
	KeyWorkspace    = "workspace"
)

// Key builds a structured timer key from parts, e.g.
// Key(KeyCooldown, owner, trigger, pos) -> "cooldown:job:x:on_idle:0".
func Key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ":" + p
	}
	return out
}

type entry struct {
	key   string
	due   time.Time
	index int
}

type timerHeap []*entry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler owns the timer queue. Set replaces an existing timer with the
// same key; Poll drains everything due and returns TimerStart events.
type Scheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	heap    timerHeap
	byKey   map[string]*entry
	changed chan struct{}
}

// New returns an empty scheduler.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:     clk,
		byKey:   make(map[string]*entry),
		changed: make(chan struct{}, 1),
	}
}

// Set inserts or replaces the timer for key, due after d.
func (s *Scheduler) Set(key string, d time.Duration) {
	s.mu.Lock()
	due := s.clk.Now().Add(d)
	if e, ok := s.byKey[key]; ok {
		e.due = due
		heap.Fix(&s.heap, e.index)
	} else {
		e := &entry{key: key, due: due}
		heap.Push(&s.heap, e)
		s.byKey[key] = e
	}
	s.mu.Unlock()
	s.notify()
}

// Cancel removes the timer for key if present.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if e, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byKey, key)
	}
	s.mu.Unlock()
	s.notify()
}

// CancelPrefix removes every timer whose key starts with prefix followed by
// a separator (used when an owner terminates).
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	for key, e := range s.byKey {
		if key == prefix || (len(key) > len(prefix) && key[:len(prefix)] == prefix && key[len(prefix)] == ':') {
			heap.Remove(&s.heap, e.index)
			delete(s.byKey, key)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Pending reports whether a timer exists for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// Poll drains all timers due at or before now and returns their TimerStart
// events in fire order.
func (s *Scheduler) Poll(now time.Time) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fired []event.Event
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byKey, e.key)
		fired = append(fired, event.New(now, &event.TimerStart{Key: e.key}))
	}
	return fired
}

// NextDue returns the earliest due time, or false when no timers exist.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].due, true
}

// Changed signals whenever the timer set mutates, so a wait loop can
// recompute its deadline.
func (s *Scheduler) Changed() <-chan struct{} { return s.changed }

func (s *Scheduler) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// SplitKey returns the key's prefix and remainder around the first colon.
func SplitKey(key string) (prefix, rest string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// OwnerKey renders an owner for embedding in timer keys.
func OwnerKey(o event.Owner) string {
	return fmt.Sprintf("%s:%s", o.Kind, o.ID)
}
