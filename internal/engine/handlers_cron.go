package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/scheduler"
	"github.com/oj-sh/oj/internal/state"
)

// handleCronStarted arms the interval timer.
func (e *Engine) handleCronStarted(p *event.CronStarted) ([]effect.Effect, error) {
	scoped := state.ScopedName(p.Namespace, p.Name)
	return []effect.Effect{effect.SetTimer{
		Key: scheduler.Key(scheduler.KeyCron, scoped),
		In:  p.Interval,
	}}, nil
}

func (e *Engine) handleCronStopped(p *event.CronStopped) ([]effect.Effect, error) {
	scoped := state.ScopedName(p.Namespace, p.Name)
	return []effect.Effect{effect.CancelTimer{
		Key: scheduler.Key(scheduler.KeyCron, scoped),
	}}, nil
}

// cronFired runs one tick: skip when the cron's live jobs fill its
// concurrency cap, otherwise trigger the target. The timer always re-arms
// while the cron is running.
func (e *Engine) cronFired(scoped string) []effect.Effect {
	e.mu.Lock()
	c, ok := e.st.Crons[scoped]
	var snapshot state.Cron
	active := 0
	if ok {
		snapshot = *c
		for _, j := range e.st.Jobs {
			if j.CronName == scoped && !j.Terminal() {
				active++
			}
		}
	}
	e.mu.Unlock()
	if !ok || !snapshot.Running {
		return nil
	}

	rearm := effect.SetTimer{
		Key: scheduler.Key(scheduler.KeyCron, scoped),
		In:  snapshot.Interval,
	}
	limit := snapshot.Concurrency
	if limit == 0 {
		limit = 1
	}
	if active >= limit {
		e.logger.Debug("cron tick skipped at concurrency cap",
			zap.String("cron", scoped), zap.Int("active", active))
		return []effect.Effect{rearm}
	}

	effects, err := e.cronTrigger(&snapshot, scoped)
	if err != nil {
		e.logger.WithError(err).Warn("cron trigger failed", zap.String("cron", scoped))
		return []effect.Effect{rearm}
	}
	return append(effects, rearm)
}

func (e *Engine) cronTrigger(c *state.Cron, scoped string) ([]effect.Effect, error) {
	rb, ok := e.books.Get(c.RunbookHash)
	if !ok {
		e.mu.Lock()
		path := e.st.Runbooks[c.RunbookHash]
		e.mu.Unlock()
		var err error
		rb, err = e.books.LoadPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRunbookLoad, path)
		}
	}

	switch c.Target.Kind {
	case event.CronTargetJob:
		def, found := rb.Jobs[c.Target.Name]
		if !found {
			return nil, fmt.Errorf("%w: job kind %q", ErrJobNotFound, c.Target.Name)
		}
		effects, err := e.createAndStartJob(rb, def, c.Namespace, c.Dir, nil, scoped)
		if err != nil {
			return nil, err
		}
		return effects, nil

	case event.CronTargetAgent:
		return e.spawnCrew(rb, c.Target.Name, "cron:"+scoped, c.Namespace, c.Dir, nil)

	case event.CronTargetShell:
		cronOwner := event.Owner{}
		return []effect.Effect{effect.Shell{
			Owner: cronOwner,
			Step:  "cron|" + scoped,
			Cmd:   c.Target.Command,
			Dir:   c.Dir,
		}}, nil
	}
	return nil, fmt.Errorf("unknown cron target kind %q", c.Target.Kind)
}
