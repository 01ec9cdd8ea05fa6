package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/event"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func jobCreated(id string) event.Event {
	return event.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), &event.JobCreated{
		JobID:       id,
		Name:        "deploy",
		JobKind:     "job",
		Dir:         "/tmp",
		RunbookHash: "abc",
		InitialStep: "build",
	})
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	w, err := Open(t.TempDir(), newTestLogger(t))
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 3; i++ {
		ev := jobCreated("j1")
		seq, err := w.Append(&ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
		assert.Equal(t, uint64(i), ev.Seq)
	}
	assert.Equal(t, uint64(3), w.LastSeq())
}

func TestAppendRejectsTransientEvents(t *testing.T) {
	w, err := Open(t.TempDir(), newTestLogger(t))
	require.NoError(t, err)
	defer w.Close()

	ev := event.New(time.Now(), &event.CommandRun{Command: "deploy"})
	_, err = w.Append(&ev)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestReplayReturnsRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, newTestLogger(t))
	require.NoError(t, err)

	ids := []string{"j1", "j2", "j3"}
	for _, id := range ids {
		ev := jobCreated(id)
		_, err := w.Append(&ev)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Reopen: last seq must be recovered from the segment on disk.
	w2, err := Open(dir, newTestLogger(t))
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(3), w2.LastSeq())

	var got []string
	err = w2.Replay(0, func(ev event.Event) error {
		got = append(got, ev.Payload.(*event.JobCreated).JobID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestReplayFromSeqSkipsEarlierRecords(t *testing.T) {
	w, err := Open(t.TempDir(), newTestLogger(t))
	require.NoError(t, err)
	defer w.Close()

	for _, id := range []string{"j1", "j2", "j3"} {
		ev := jobCreated(id)
		_, err := w.Append(&ev)
		require.NoError(t, err)
	}

	var seqs []uint64
	err = w.Replay(2, func(ev event.Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, seqs)
}

func TestAppendAfterCloseFails(t *testing.T) {
	w, err := Open(t.TempDir(), newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ev := jobCreated("j1")
	_, err = w.Append(&ev)
	assert.ErrorIs(t, err, ErrClosed)
}
