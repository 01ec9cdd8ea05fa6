package runbook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/common/logger"
)

const sampleDoc = `
jobs:
  deploy:
    vars: [ticket]
    steps:
      build:
        run:
          shell: make build
      review:
        run:
          agent: reviewer
        on_fail:
          step: build
      ship:
        run:
          shell: make ship
        next: done
agents:
  reviewer:
    run: "agent --prompt {prompt}"
    prompt: "Review {ticket}"
    on_idle:
      kind: nudge
      attempts: 3
      cooldown: 30s
queues:
  tickets: {}
workers:
  ticket-worker:
    queue: tickets
    job: deploy
crons:
  nightly:
    interval: 1h
    shell: make report
commands:
  deploy:
    job: deploy
`

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func writeDoc(t *testing.T, doc string) string {
	path := filepath.Join(t.TempDir(), "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestDecodeBackfillsNamesAndDefaults(t *testing.T) {
	rb, err := Decode([]byte(sampleDoc))
	require.NoError(t, err)

	job := rb.Jobs["deploy"]
	require.NotNil(t, job)
	assert.Equal(t, "deploy", job.Name)
	assert.Equal(t, []string{"build", "review", "ship"}, job.StepOrder)
	assert.Equal(t, "build", job.StartStep())
	assert.Equal(t, "review", job.NextAfter("build"))
	assert.Equal(t, "done", job.NextAfter("ship"))

	assert.Equal(t, "persisted", rb.Queues["tickets"].Type)
	assert.Equal(t, 1, rb.Workers["ticket-worker"].Concurrency)
	assert.Equal(t, 1, rb.Crons["nightly"].Concurrency)
	assert.Equal(t, time.Hour, rb.Crons["nightly"].Interval.Std())

	agent := rb.Agents["reviewer"]
	require.NotNil(t, agent)
	require.NotNil(t, agent.OnIdle)
	assert.Equal(t, ActionNudge, agent.OnIdle.Kind)
	assert.Equal(t, 3, agent.OnIdle.Bound())
	assert.Equal(t, 30*time.Second, agent.OnIdle.Cooldown.Std())
}

func TestLoadPathIsContentAddressed(t *testing.T) {
	cache := NewCache(newTestLogger(t))
	path := writeDoc(t, sampleDoc)

	rb, err := cache.LoadPath(path)
	require.NoError(t, err)
	assert.NotEmpty(t, rb.Hash)
	assert.Equal(t, path, rb.Path)

	// Identical content returns the cached document.
	again, err := cache.LoadPath(path)
	require.NoError(t, err)
	assert.Same(t, rb, again)

	got, ok := cache.Get(rb.Hash)
	require.True(t, ok)
	assert.Same(t, rb, got)
}

func TestLoadPathNewHashOnEdit(t *testing.T) {
	cache := NewCache(newTestLogger(t))
	path := writeDoc(t, sampleDoc)

	rb, err := cache.LoadPath(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(sampleDoc+"\n# edited\n"), 0o644))
	edited, err := cache.LoadPath(path)
	require.NoError(t, err)
	assert.NotEqual(t, rb.Hash, edited.Hash)
}

func TestErrorActionFallback(t *testing.T) {
	agent := &AgentDef{OnError: map[string]*ActionDef{
		"unauthorized": {Kind: ActionEscalate},
		"default":      {Kind: ActionRetry},
	}}
	assert.Equal(t, ActionEscalate, agent.ErrorAction("unauthorized").Kind)
	assert.Equal(t, ActionRetry, agent.ErrorAction("out_of_credits").Kind)

	var bare AgentDef
	assert.Nil(t, bare.ErrorAction("other"))
}

func TestBoundTreatsZeroAsOne(t *testing.T) {
	assert.Equal(t, 1, (&ActionDef{}).Bound())
	assert.Equal(t, 5, (&ActionDef{Attempts: 5}).Bound())
}
