package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oj-sh/oj/internal/event"
	"github.com/oj-sh/oj/internal/state"
)

func TestWriteLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	st := state.New()
	st.Apply(event.Event{Seq: 1, Time: time.Now(), Payload: &event.JobCreated{
		JobID:       "j1",
		Name:        "deploy",
		JobKind:     "job",
		Dir:         "/tmp",
		RunbookHash: "abc",
		InitialStep: "build",
	}})

	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, Write(dir, st, st.Seq, now))

	env, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Version, env.V)
	assert.Equal(t, uint64(1), env.Seq)
	assert.Equal(t, now, env.CreatedAt)
	require.Contains(t, env.State.Jobs, "j1")
	assert.Equal(t, "deploy", env.State.Jobs["j1"].Name)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestLoadRefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(Envelope{V: Version + 1, Seq: 7, State: state.New()})
	require.NoError(t, err)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), compressed, 0o644))

	_, err = Load(dir)
	var tooNew *MigrationTooNewError
	require.ErrorAs(t, err, &tooNew)
	assert.Equal(t, Version+1, tooNew.Found)
}

func TestWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, state.New(), 1, time.Now()))
	require.NoError(t, Write(dir, state.New(), 2, time.Now()))

	env, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.Seq)

	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}
