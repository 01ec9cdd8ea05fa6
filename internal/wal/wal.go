// Package wal implements the append-only durable event log. Records are
// JSON-encoded events framed with a big-endian uint32 length prefix, written
// to segment files named wal/<first-seq>.log and fsynced at each commit
// boundary.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/event"
)

const (
	segmentSuffix = ".log"

	// DefaultMaxSegmentBytes rotates segments once they pass 8 MiB.
	DefaultMaxSegmentBytes = 8 << 20

	// maxRecordBytes guards against corrupt length prefixes on replay.
	maxRecordBytes = 64 << 20
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("wal: closed")

	// ErrTransient is returned when a transient event is offered for append.
	ErrTransient = errors.New("wal: transient event is not persisted")
)

// WAL is the append-only event log. Append is atomic and totally ordered;
// Replay yields records in append order.
type WAL struct {
	dir             string
	maxSegmentBytes int64
	logger          *logger.Logger

	mu           sync.Mutex
	active       *os.File
	activeStart  uint64
	activeBytes  int64
	lastSeq      uint64
	closed       bool
}

// Open opens (or creates) the log in dir and recovers the last sequence
// number from the newest segment.
func Open(dir string, log *logger.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	w := &WAL{
		dir:             dir,
		maxSegmentBytes: DefaultMaxSegmentBytes,
		logger:          log.WithFields(zap.String("component", "wal")),
	}
	segs, err := w.segments()
	if err != nil {
		return nil, err
	}
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		if err := w.scanSegment(last, func(ev event.Event) error {
			if ev.Seq > w.lastSeq {
				w.lastSeq = ev.Seq
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	w.logger.Info("wal opened",
		zap.Int("segments", len(segs)),
		zap.Uint64("last_seq", w.lastSeq))
	return w, nil
}

// LastSeq returns the sequence number of the newest appended record.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Append assigns the next sequence number to ev, writes it durably, and
// returns the assigned seq. Transient events are rejected.
func (w *WAL) Append(ev *event.Event) (uint64, error) {
	if ev.Payload == nil || !ev.Payload.Persisted() {
		return 0, ErrTransient
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	seq := w.lastSeq + 1
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("wal: encode event: %w", err)
	}

	if err := w.ensureSegment(seq, int64(len(data))); err != nil {
		return 0, err
	}

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := w.active.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("wal: write frame: %w", err)
	}
	if _, err := w.active.Write(data); err != nil {
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	// fsync barrier marks the commit boundary.
	if err := w.active.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync: %w", err)
	}

	w.activeBytes += int64(len(frame)) + int64(len(data))
	w.lastSeq = seq
	return seq, nil
}

// Replay calls fn for every record with seq > fromSeq, in append order.
// Replay may run concurrently with appends; it only observes records synced
// before it reached their segment.
func (w *WAL) Replay(fromSeq uint64, fn func(event.Event) error) error {
	segs, err := w.segments()
	if err != nil {
		return err
	}
	for i, seg := range segs {
		// Skip segments fully below fromSeq: the next segment's start
		// tells us this one's upper bound.
		if i+1 < len(segs) && segmentStart(segs[i+1]) <= fromSeq+1 {
			continue
		}
		if err := w.scanSegment(seg, func(ev event.Event) error {
			if ev.Seq <= fromSeq {
				return nil
			}
			return fn(ev)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes segments whose records are all covered by seq (exclusive of
// the segment containing seq+1). Called after a snapshot.
func (w *WAL) Prune(seq uint64) error {
	segs, err := w.segments()
	if err != nil {
		return err
	}
	for i, seg := range segs {
		if i+1 >= len(segs) {
			break // never remove the active segment
		}
		if segmentStart(segs[i+1]) > seq+1 {
			break
		}
		if err := os.Remove(seg); err != nil {
			return fmt.Errorf("wal: prune %s: %w", filepath.Base(seg), err)
		}
		w.logger.Debug("pruned segment", zap.String("segment", filepath.Base(seg)))
	}
	return nil
}

// Close syncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.active == nil {
		return nil
	}
	if err := w.active.Sync(); err != nil {
		return err
	}
	err := w.active.Close()
	w.active = nil
	return err
}

func (w *WAL) ensureSegment(seq uint64, recordLen int64) error {
	if w.active != nil && w.activeBytes+recordLen+4 <= w.maxSegmentBytes {
		return nil
	}
	if w.active != nil {
		if err := w.active.Sync(); err != nil {
			return err
		}
		if err := w.active.Close(); err != nil {
			return err
		}
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%020d%s", seq, segmentSuffix))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.active = f
	w.activeStart = seq
	w.activeBytes = info.Size()
	return nil
}

func (w *WAL) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var segs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		segs = append(segs, filepath.Join(w.dir, e.Name()))
	}
	sort.Slice(segs, func(i, j int) bool {
		return segmentStart(segs[i]) < segmentStart(segs[j])
	})
	return segs, nil
}

func (w *WAL) scanSegment(path string, fn func(event.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	var frame [4]byte
	for {
		if _, err := io.ReadFull(f, frame[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				// Torn write at the tail of the last segment; drop it.
				w.logger.Warn("truncated frame at segment tail", zap.String("segment", filepath.Base(path)))
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(frame[:])
		if n == 0 || n > maxRecordBytes {
			return fmt.Errorf("wal: corrupt record length %d in %s", n, filepath.Base(path))
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				w.logger.Warn("truncated record at segment tail", zap.String("segment", filepath.Base(path)))
				return nil
			}
			return err
		}
		var ev event.Event
		if err := json.Unmarshal(buf, &ev); err != nil {
			return fmt.Errorf("wal: decode record in %s: %w", filepath.Base(path), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func segmentStart(path string) uint64 {
	base := strings.TrimSuffix(filepath.Base(path), segmentSuffix)
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
