// Package snapshot persists the materialised state as a zstd-compressed JSON
// envelope so boot can replay only the WAL suffix past the snapshot.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/oj-sh/oj/internal/state"
)

// Version is the schema version this process writes and the newest it can
// load.
const Version = 1

// FileName is the snapshot file name inside the state directory.
const FileName = "snapshot.json"

// ErrNoSnapshot is returned by Load when no snapshot exists.
var ErrNoSnapshot = errors.New("snapshot: none present")

// MigrationTooNewError reports a snapshot written by a newer daemon.
// Startup must abort; downgrading state is not supported.
type MigrationTooNewError struct {
	Found     int
	Supported int
}

func (e *MigrationTooNewError) Error() string {
	return fmt.Sprintf("snapshot schema v%d is newer than supported v%d; refusing to downgrade", e.Found, e.Supported)
}

// Envelope is the on-disk snapshot shape.
type Envelope struct {
	V         int          `json:"v"`
	Seq       uint64       `json:"seq"`
	State     *state.State `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// migrations upgrade an envelope from version i to i+1 in process.
// Index 0 is unused; migrations[i] migrates v=i to v=i+1.
var migrations = map[int]func(*Envelope) error{}

// Write atomically replaces the snapshot at dir/FileName.
func Write(dir string, st *state.State, seq uint64, now time.Time) error {
	env := Envelope{V: Version, Seq: seq, State: st, CreatedAt: now.UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("snapshot: zstd: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("snapshot: write: %w", err)
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("snapshot: replace: %w", err)
	}
	return nil
}

// Load reads the newest snapshot from dir. A schema version greater than
// Version is a hard failure; older versions run forward migrations.
func Load(dir string) (*Envelope, error) {
	compressed, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: zstd: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if env.V > Version {
		return nil, &MigrationTooNewError{Found: env.V, Supported: Version}
	}
	for v := env.V; v < Version; v++ {
		migrate, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("snapshot: no migration from v%d", v)
		}
		if err := migrate(&env); err != nil {
			return nil, fmt.Errorf("snapshot: migrate v%d: %w", v, err)
		}
		env.V = v + 1
	}
	if env.State != nil {
		env.State.Normalize()
	}
	return &env, nil
}
