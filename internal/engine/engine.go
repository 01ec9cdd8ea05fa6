// Package engine is the daemon's supervision runtime: it consumes events,
// folds them into the materialised state, and turns handler decisions into
// side effects whose outcomes re-enter the loop as further events.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/bus"
	"github.com/oj-sh/oj/internal/clock"
	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/scheduler"
	"github.com/oj-sh/oj/internal/sidecar"
	"github.com/oj-sh/oj/internal/state"
	"github.com/oj-sh/oj/internal/wal"
)

// EventSubject is the bus subject prefix persisted events are mirrored to.
const EventSubject = "oj.events"

const (
	defaultLivenessInterval = 20 * time.Second
	defaultExitDeferred     = 2 * time.Second

	// idleGracePeriod absorbs between-turns idle blips before the idle
	// policy fires.
	idleGracePeriod = 5 * time.Second

	// lastMessageTimeout bounds the best-effort sidecar fetch that decorates
	// escalations.
	lastMessageTimeout = 3 * time.Second
)

// pendingAction is a reaction whose execution was parked behind a cooldown
// timer; the timer key maps back to it.
type pendingAction struct {
	owner    event.Owner
	agentID  string
	trigger  string
	chainPos int
	action   *runbook.ActionDef
	esc      *escalation
	tracked  bool
}

// pendingGate tracks an in-flight gate command so its ShellExited can be
// routed back into the action chain.
type pendingGate struct {
	agentID  string
	trigger  string
	chainPos int
	action   *runbook.ActionDef
}

// syncReq carries a payload onto the event loop together with a reply
// channel, so callers outside the loop get the handler's error back.
type syncReq struct {
	payload event.Payload
	done    chan error
}

// pendingExit holds a deferred agent exit until its exit_deferred timer
// fires or an escalation cancels it.
type pendingExit struct {
	agentID     string
	exitCode    int
	lastMessage string
}

// Engine owns the materialised state and the event loop. All mutations go
// through emit under mu; long I/O runs in goroutines and rejoins via Submit.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	log    *wal.WAL
	sched  *scheduler.Scheduler
	books  *runbook.Cache
	router *adapter.Router
	notify adapter.Notifier
	bus    bus.Bus
	logger *logger.Logger

	mu sync.Mutex
	st *state.State

	inbox chan event.Payload
	calls chan syncReq

	bridgeMu sync.Mutex
	bridges  map[string]*sidecar.Bridge

	// Engine-local bookkeeping keyed by timer/step markers; never persisted.
	cooldowns map[string]pendingAction
	gates     map[string]pendingGate
	exits     map[string]pendingExit // owner key -> deferred exit

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Options collects the engine's collaborators.
type Options struct {
	Config   *config.Config
	Clock    clock.Clock
	WAL      *wal.WAL
	State    *state.State
	Books    *runbook.Cache
	Router   *adapter.Router
	Notifier adapter.Notifier
	Bus      bus.Bus // optional event mirror
	Logger   *logger.Logger
}

// New assembles an engine. State must already be recovered (snapshot +
// replay) before the first Submit.
func New(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	st := opts.State
	if st == nil {
		st = state.New()
	}
	notify := opts.Notifier
	if notify == nil {
		notify = adapter.NopNotifier{}
	}
	return &Engine{
		cfg:       opts.Config,
		clk:       clk,
		log:       opts.WAL,
		sched:     scheduler.New(clk),
		books:     opts.Books,
		router:    opts.Router,
		notify:    notify,
		bus:       opts.Bus,
		logger:    opts.Logger.WithFields(zap.String("component", "engine")),
		st:        st,
		inbox:     make(chan event.Payload, 256),
		calls:     make(chan syncReq),
		bridges:   make(map[string]*sidecar.Bridge),
		cooldowns: make(map[string]pendingAction),
		gates:     make(map[string]pendingGate),
		exits:     make(map[string]pendingExit),
	}
}

// Scheduler exposes the timer scheduler (reconciler re-arms timers on boot).
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// View runs fn with the state lock held for read-only queries.
func (e *Engine) View(fn func(st *state.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.st)
}

// Submit enqueues an event payload for processing. Safe from any goroutine;
// bridges, timers, and async effect completions all feed through here.
func (e *Engine) Submit(p event.Payload) {
	select {
	case e.inbox <- p:
	case <-e.ctx.Done():
	}
}

// Start launches the run loop and the timer poll loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.timerLoop()
	}()
}

// Stop drains the loop and waits for in-flight work.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.stopAllBridges()
}

func (e *Engine) runLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case p := <-e.inbox:
			e.Process(p)
		case req := <-e.calls:
			req.done <- e.Process(req.payload)
		}
	}
}

// ProcessSync runs a payload on the event loop and reports the first handler
// error. The listener uses it for request/response turnaround.
func (e *Engine) ProcessSync(p event.Payload) error {
	req := syncReq{payload: p, done: make(chan error, 1)}
	select {
	case e.calls <- req:
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// timerLoop sleeps until the next timer is due, drains the scheduler, and
// injects TimerStart events into the same queue as everything else.
func (e *Engine) timerLoop() {
	for {
		var wait time.Duration = time.Hour
		if due, ok := e.sched.NextDue(); ok {
			wait = due.Sub(e.clk.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-e.sched.Changed():
			timer.Stop()
		case <-timer.C:
			for _, ev := range e.sched.Poll(e.clk.Now()) {
				e.Submit(ev.Payload)
			}
		}
	}
}

// Process runs one payload through the handler loop to a fixpoint: every
// produced event is emitted, handled, and its synchronously-produced effects
// executed in order. The first handler error is returned (after logging); it
// stops that event's processing but never the loop.
func (e *Engine) Process(p event.Payload) error {
	var firstErr error
	queue := []event.Payload{p}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		ev, ok := e.emit(head)
		if !ok {
			continue
		}
		effects, err := e.handle(ev)
		if err != nil {
			e.logger.WithError(err).Warn("handler error",
				zap.String("kind", head.Kind()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		queue = append(queue, e.executeAll(effects)...)
	}
	return firstErr
}

// emit appends the event to the WAL if persisted, applies it to the
// materialised state, and mirrors it onto the bus. The lock is held only
// across the append + apply.
func (e *Engine) emit(p event.Payload) (event.Event, bool) {
	e.mu.Lock()
	ev := event.New(e.clk.Now(), p)
	if p.Persisted() {
		if _, err := e.log.Append(&ev); err != nil {
			e.mu.Unlock()
			e.logger.WithError(err).Error("wal append failed",
				zap.String("kind", p.Kind()))
			return event.Event{}, false
		}
	}
	e.st.Apply(ev)
	e.mu.Unlock()

	e.mirror(ev)
	return ev, true
}

// mirror publishes persisted events to the bus, when one is configured.
func (e *Engine) mirror(ev event.Event) {
	if e.bus == nil || !ev.Payload.Persisted() {
		return
	}
	raw, err := ev.MarshalJSON()
	if err != nil {
		return
	}
	msg := bus.NewMessage(ev.Payload.Kind(), "ojd", map[string]any{
		"seq":   ev.Seq,
		"event": string(raw),
	})
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	if err := e.bus.Publish(ctx, EventSubject+"."+ev.Payload.Kind(), msg); err != nil {
		e.logger.WithError(err).Debug("bus mirror failed")
	}
}

// startBridge subscribes to the agent's sidecar stream and feeds the
// translated events back through Submit.
func (e *Engine) startBridge(agentID string) {
	a, err := e.router.ForAgent(agentID)
	if err != nil {
		e.logger.WithError(err).Warn("no adapter for agent", zap.String("agent_id", agentID))
		return
	}
	client := a.Client(agentID)
	if client == nil {
		e.logger.Warn("no sidecar client for agent", zap.String("agent_id", agentID))
		return
	}
	cfg := sidecar.DefaultBridgeConfig()
	if e.cfg != nil {
		cfg.SubscribeRetries = e.cfg.Agent.SubscribeRetries
		cfg.SubscribeRetryDelay = time.Duration(e.cfg.Agent.SubscribeRetryDelayMs) * time.Millisecond
	}
	b := sidecar.NewBridge(agentID, client, cfg, e.Submit, e.logger)

	e.bridgeMu.Lock()
	if old, ok := e.bridges[agentID]; ok {
		old.Stop()
	}
	e.bridges[agentID] = b
	e.bridgeMu.Unlock()

	b.Start(e.ctx)
}

func (e *Engine) stopBridge(agentID string) {
	e.bridgeMu.Lock()
	b, ok := e.bridges[agentID]
	delete(e.bridges, agentID)
	e.bridgeMu.Unlock()
	if ok {
		b.Stop()
	}
}

func (e *Engine) stopAllBridges() {
	e.bridgeMu.Lock()
	bridges := e.bridges
	e.bridges = make(map[string]*sidecar.Bridge)
	e.bridgeMu.Unlock()
	for _, b := range bridges {
		b.Stop()
	}
}

// KillAllAgents terminates every supervised sidecar; used by daemon stop
// with the kill flag.
func (e *Engine) KillAllAgents(ctx context.Context) {
	var ids []string
	e.View(func(st *state.State) {
		for id := range st.Agents {
			ids = append(ids, id)
		}
	})
	for _, id := range ids {
		e.stopBridge(id)
		if a, err := e.router.ForAgent(id); err == nil {
			if err := a.Kill(ctx, id); err != nil {
				e.logger.WithError(err).Warn("kill agent", zap.String("agent_id", id))
			}
		}
	}
}
