// Package daemon assembles the oj daemon: recovered state, engine, unix
// socket listener, and the background snapshot loop. Boot order matters:
// state is recovered before the engine starts, the engine reconciles the
// outside world before the listener accepts requests.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/bus"
	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/engine"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/listener"
	"github.com/oj-sh/oj/internal/runbook"
	"github.com/oj-sh/oj/internal/snapshot"
	"github.com/oj-sh/oj/internal/state"
	"github.com/oj-sh/oj/internal/wal"
)

// Daemon is the composed process. Build with New, drive with Run.
type Daemon struct {
	cfg     *config.Config
	logger  *logger.Logger
	version string

	wal      *wal.WAL
	eng      *engine.Engine
	lis      *listener.Server
	eventBus bus.Bus

	// seq of the state captured by the newest snapshot on disk.
	snapSeq uint64
}

// New recovers state from the snapshot and WAL and wires the engine and
// listener. Nothing is started; the socket is not bound.
func New(cfg *config.Config, log *logger.Logger, version string) (*Daemon, error) {
	stateDir := cfg.Daemon.StateDir
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	w, err := wal.Open(filepath.Join(stateDir, "wal"), log)
	if err != nil {
		return nil, err
	}

	st, snapSeq, err := recoverState(stateDir, w, log)
	if err != nil {
		w.Close()
		return nil, err
	}

	books := runbook.NewCache(log)
	rehydrateRunbooks(books, st, log)

	router := adapter.NewRouter()
	router.Register(adapter.RuntimeLocal, adapter.NewLocal(stateDir, log))
	if cfg.Docker.Enabled {
		dk, err := adapter.NewDocker(cfg.Docker, stateDir, log)
		if err != nil {
			log.Warn("docker runtime unavailable", zap.Error(err))
		} else {
			router.Register(adapter.RuntimeDocker, dk)
		}
	}

	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		nb, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		eventBus = nb
	} else {
		eventBus = bus.NewMemoryBus(log)
	}

	eng := engine.New(engine.Options{
		Config:   cfg,
		WAL:      w,
		State:    st,
		Books:    books,
		Router:   router,
		Notifier: adapter.BusNotifier{Bus: eventBus},
		Bus:      eventBus,
		Logger:   log,
	})

	d := &Daemon{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "daemon")),
		version:  version,
		wal:      w,
		eng:      eng,
		eventBus: eventBus,
		snapSeq:  snapSeq,
	}
	d.lis = listener.New(cfg, eng, log, version)
	return d, nil
}

// Run starts the engine, reconciles against surviving processes, binds the
// socket, and blocks until ctx is cancelled. Shutdown is graceful within the
// configured timeout; agents are left running for the next daemon to adopt.
func (d *Daemon) Run(ctx context.Context) error {
	d.eng.Start(ctx)
	d.eng.Reconcile(ctx)

	if err := d.lis.Start(ctx); err != nil {
		d.eng.Stop()
		return err
	}
	d.logger.Info("daemon started", zap.String("version", d.version))

	snapTick := time.NewTicker(d.cfg.Daemon.SnapshotIntervalDuration())
	defer snapTick.Stop()

	for {
		select {
		case <-snapTick.C:
			d.maybeSnapshot()
		case <-ctx.Done():
			return d.shutdown()
		}
	}
}

func (d *Daemon) shutdown() error {
	timeout := d.cfg.Daemon.ShutdownTimeoutDuration()
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.logger.Info("shutting down", zap.Duration("timeout", timeout))
	err := d.lis.Stop(sctx)
	d.eng.Stop()
	d.writeSnapshot(true)
	if cerr := d.wal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.eventBus.Close()
	d.logger.Info("daemon stopped")
	return err
}

// maybeSnapshot writes a snapshot when enough events accumulated since the
// previous one.
func (d *Daemon) maybeSnapshot() {
	threshold := uint64(d.cfg.Daemon.SnapshotThreshold)
	var due bool
	d.eng.View(func(st *state.State) {
		due = st.Seq >= d.snapSeq+threshold
	})
	if due {
		d.writeSnapshot(false)
	}
}

// writeSnapshot persists the current state and prunes WAL segments wholly
// covered by it. On shutdown it writes unconditionally so the next boot
// replays nothing.
func (d *Daemon) writeSnapshot(force bool) {
	var seq uint64
	var werr error
	d.eng.View(func(st *state.State) {
		if !force && st.Seq == d.snapSeq {
			return
		}
		seq = st.Seq
		werr = snapshot.Write(d.cfg.Daemon.StateDir, st, st.Seq, time.Now())
	})
	if werr != nil {
		d.logger.WithError(werr).Error("snapshot write failed")
		return
	}
	if seq == 0 {
		return
	}
	d.snapSeq = seq
	if err := d.wal.Prune(seq); err != nil {
		d.logger.WithError(err).Warn("wal prune failed")
	}
	d.logger.Debug("snapshot written", zap.Uint64("seq", seq))
}

// recoverState loads the snapshot (if any) and replays the WAL suffix past
// it. A snapshot from a newer daemon aborts boot.
func recoverState(stateDir string, w *wal.WAL, log *logger.Logger) (*state.State, uint64, error) {
	st := state.New()
	var snapSeq uint64

	env, err := snapshot.Load(stateDir)
	switch {
	case err == nil:
		st = env.State
		snapSeq = env.Seq
	case errors.Is(err, snapshot.ErrNoSnapshot):
		// First boot, or snapshot pruned by hand. Full replay.
	default:
		var tooNew *snapshot.MigrationTooNewError
		if errors.As(err, &tooNew) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}

	replayed := 0
	if err := w.Replay(snapSeq, func(ev event.Event) error {
		st.Apply(ev)
		replayed++
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("replay wal: %w", err)
	}
	log.Info("state recovered",
		zap.Uint64("snapshot_seq", snapSeq),
		zap.Int("replayed", replayed),
		zap.Uint64("seq", st.Seq))
	return st, snapSeq, nil
}

// rehydrateRunbooks reloads every runbook path the recovered state refers
// to. A missing file is not fatal; the engine reports it when the runbook
// is next needed.
func rehydrateRunbooks(books *runbook.Cache, st *state.State, log *logger.Logger) {
	for hash, path := range st.Runbooks {
		rb, err := books.LoadPath(path)
		if err != nil {
			log.Warn("runbook rehydrate failed",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if rb.Hash != hash {
			log.Debug("runbook changed since last run",
				zap.String("path", path))
		}
	}
}
