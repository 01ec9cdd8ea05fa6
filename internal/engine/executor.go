package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/adapter"
	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
)

// executeAll interprets each effect in order and returns the events produced
// synchronously. Long-running effects (spawn, shell, take, adapter calls)
// run in goroutines and rejoin the loop through Submit at their completion
// events.
func (e *Engine) executeAll(effects []effect.Effect) []event.Payload {
	var out []event.Payload
	for _, ef := range effects {
		switch ef := ef.(type) {
		case effect.Emit:
			out = append(out, ef.Event)

		case effect.SpawnAgent:
			e.execSpawn(ef)

		case effect.KillAgent:
			e.execKill(ef.AgentID)

		case effect.SendToAgent:
			e.execSend(ef)

		case effect.RespondToAgent:
			e.execRespond(ef)

		case effect.Shell:
			e.execShell(ef)

		case effect.SetTimer:
			e.sched.Set(ef.Key, ef.In)

		case effect.CancelTimer:
			e.sched.Cancel(ef.Key)

		case effect.Notify:
			e.goAsync(func(ctx context.Context) {
				if err := e.notify.Notify(ctx, ef.Title, ef.Message); err != nil {
					e.logger.WithError(err).Debug("notify failed")
				}
			})

		case effect.TakeQueueItem:
			e.execTake(ef)
		}
	}
	return out
}

func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// execSpawn calls the adapter off the loop; eventually exactly one of
// AgentSpawned or AgentSpawnFailed is submitted.
func (e *Engine) execSpawn(ef effect.SpawnAgent) {
	e.goAsync(func(ctx context.Context) {
		a, err := e.router.ForRuntime(ef.Runtime)
		if err != nil {
			e.Submit(&event.AgentSpawnFailed{Owner: ef.Owner, Reason: err.Error()})
			return
		}
		agentID := uuid.New().String()
		token := uuid.New().String()
		e.router.Hint(agentID, ef.Runtime)

		handle, err := a.Spawn(ctx, adapterSpawnSpec(ef, agentID, token))
		if err != nil {
			e.router.Forget(agentID)
			e.Submit(&event.AgentSpawnFailed{Owner: ef.Owner, Reason: err.Error()})
			return
		}
		e.Submit(&event.AgentSpawned{
			AgentID:   handle.AgentID,
			Owner:     ef.Owner,
			AgentName: ef.AgentName,
			Runtime:   handle.Runtime,
			AuthToken: handle.AuthToken,
			Step:      ef.Step,
		})
	})
}

func (e *Engine) execKill(agentID string) {
	e.stopBridge(agentID)
	e.goAsync(func(ctx context.Context) {
		a, err := e.router.ForAgent(agentID)
		if err != nil {
			return
		}
		if err := a.Kill(ctx, agentID); err != nil {
			e.logger.WithError(err).Debug("kill agent", zap.String("agent_id", agentID))
		}
		e.router.Forget(agentID)
	})
}

func (e *Engine) execSend(ef effect.SendToAgent) {
	e.goAsync(func(ctx context.Context) {
		a, err := e.router.ForAgent(ef.AgentID)
		if err != nil {
			e.logger.WithError(err).Warn("send: no adapter", zap.String("agent_id", ef.AgentID))
			return
		}
		if err := a.Send(ctx, ef.AgentID, ef.Text); err != nil {
			e.logger.WithError(err).Warn("send to agent failed", zap.String("agent_id", ef.AgentID))
			return
		}
		if !ef.Owner.IsZero() {
			e.Submit(&event.OwnerNudged{Owner: ef.Owner, Message: ef.Text})
		}
	})
}

func (e *Engine) execRespond(ef effect.RespondToAgent) {
	e.goAsync(func(ctx context.Context) {
		a, err := e.router.ForAgent(ef.AgentID)
		if err != nil {
			return
		}
		if err := a.Respond(ctx, ef.AgentID, ef.Accept, ef.Option, ef.Text); err != nil {
			e.logger.WithError(err).Warn("respond to agent failed", zap.String("agent_id", ef.AgentID))
		}
	})
}

// execShell runs the subprocess and submits ShellExited with the captured
// output when it finishes.
func (e *Engine) execShell(ef effect.Shell) {
	e.goAsync(func(ctx context.Context) {
		code, stdout, stderr := runShell(ctx, ef.Cmd, ef.Dir, ef.Env)
		e.Submit(&event.ShellExited{
			Owner:    ef.Owner,
			Step:     ef.Step,
			ExitCode: code,
			Stdout:   stdout,
			Stderr:   stderr,
		})
	})
}

// execTake runs the external queue's take command; the WorkerTook completion
// carries the item along so dispatch doesn't depend on transient poll state.
func (e *Engine) execTake(ef effect.TakeQueueItem) {
	e.goAsync(func(ctx context.Context) {
		code := 0
		var stderr string
		if ef.Cmd != "" {
			var c int
			c, _, stderr = runShell(ctx, ef.Cmd, ef.Dir, nil)
			code = c
		}
		e.Submit(&event.WorkerTook{
			Name:      ef.Worker,
			Namespace: ef.Namespace,
			ItemID:    ef.ItemID,
			Item:      ef.Item,
			ExitCode:  code,
			Stderr:    stderr,
		})
	})
}

// runShell executes cmd via bash -c, returning exit code and captured
// streams. A spawn failure reports exit code -1 with the error on stderr.
func runShell(ctx context.Context, command, dir string, env map[string]string) (int, string, string) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = environWith(env)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			stderr.WriteString(err.Error())
		}
	}
	return code, stdout.String(), stderr.String()
}

// pollQueueList runs an external queue's list command and decodes the JSON
// array it prints. Decoding uses json.Number so numeric item ids survive
// stringification.
func pollQueueList(ctx context.Context, command, dir string) ([]map[string]any, int, string) {
	code, stdout, stderr := runShell(ctx, command, dir, nil)
	if code != 0 {
		return nil, code, stderr
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(stdout)))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return nil, -1, "decode list output: " + err.Error()
	}
	return items, 0, stderr
}

// waitClamp bounds a context deadline for adapter probes.
func waitClamp(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func adapterSpawnSpec(ef effect.SpawnAgent, agentID, token string) adapter.SpawnSpec {
	return adapter.SpawnSpec{
		AgentID:   agentID,
		Owner:     ef.Owner,
		AgentName: ef.AgentName,
		Command:   ef.Command,
		Dir:       ef.Dir,
		Env:       ef.Env,
		AuthToken: token,
	}
}

func environWith(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
