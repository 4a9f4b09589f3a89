// Package wal implements the crash-safe write-ahead log described in spec
// §4.2 and §6: fixed-header DATA/COMMIT records, segment files rolled by
// size, a separate commit marker file, and recovery by scanning.
//
// Grounded on the teacher's internal/events/log.go (sequence assignment on
// append, CRC verification on read, recover-by-scan-on-open, replay with
// gap detection) — adapted from a single gob-encoded file to the spec's
// explicit fixed-width binary header and multi-segment rolling.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SyncMode controls how aggressively Append forces bytes to durable
// storage, per spec §4.2.
type SyncMode int

const (
	// PerRecordSync fsyncs after every Append. Strongest durability,
	// lowest throughput.
	PerRecordSync SyncMode = iota
	// BatchedSync fsyncs after BatchSize appends or MaxDelay elapsed,
	// whichever comes first. The spec's default (§9): trades durability
	// for throughput, tolerable recovery window left to the caller.
	BatchedSync
	// NoSync never fsyncs explicitly, relying on the OS page cache.
	// Waives the post-Append durability guarantee per spec §4.2.
	NoSync
)

// Config configures a WAL instance.
type Config struct {
	Dir             string
	SyncMode        SyncMode
	BatchSize       int           // used when SyncMode == BatchedSync
	MaxDelay        time.Duration // used when SyncMode == BatchedSync
	SegmentBytes    int64         // roll to a new segment after this many bytes; default 64MiB
	Logger          zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 * 1024 * 1024
	}
	if c.SyncMode == BatchedSync {
		if c.BatchSize <= 0 {
			c.BatchSize = 200
		}
		if c.MaxDelay <= 0 {
			c.MaxDelay = 50 * time.Millisecond
		}
	}
}

type segment struct {
	startSeq uint64
	path     string
	size     int64
}

// WAL is a segmented, crash-safe append log.
type WAL struct {
	cfg    Config
	log    zerolog.Logger
	runID  string

	mu           sync.Mutex
	segments     []*segment // sorted ascending by startSeq
	file         *os.File
	writer       *bufio.Writer
	nextSeq      uint64 // next sequence to assign
	committedSeq uint64 // highest sequence known durable in the sink
	pendingSync  int
	lastSyncAt   time.Time
}

// New creates a WAL rooted at cfg.Dir and calls Initialize.
func New(cfg Config) (*WAL, error) {
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	w := &WAL{
		cfg:   cfg,
		log:   cfg.Logger,
		runID: uuid.NewString(),
	}
	if err := w.Initialize(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentPath(dir string, startSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%016x.log", startSeq))
}

func commitPath(dir string) string {
	return filepath.Join(dir, "wal-commit")
}

// Initialize scans the WAL directory, rebuilds the segment list and the
// in-memory cursor to the latest committed sequence, per spec §4.2.
func (w *WAL) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("wal: read dir: %w", err)
	}

	w.segments = w.segments[:0]
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		hex := name[len("wal-") : len(name)-len(".log")]
		startSeq, perr := strconv.ParseUint(hex, 16, 64)
		if perr != nil {
			continue
		}
		info, serr := ent.Info()
		if serr != nil {
			return serr
		}
		w.segments = append(w.segments, &segment{
			startSeq: startSeq,
			path:     filepath.Join(w.cfg.Dir, name),
			size:     info.Size(),
		})
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].startSeq < w.segments[j].startSeq })

	if commitSeq, ok, err := readCommitFile(w.cfg.Dir); err != nil {
		return err
	} else if ok {
		w.committedSeq = commitSeq
	}

	maxSeq, err := w.scanMaxSequence()
	if err != nil {
		return err
	}
	w.nextSeq = maxSeq + 1
	if w.committedSeq > maxSeq {
		// Commit file ahead of any segment data means all segments were
		// already truncated past it; keep the watermark as-is.
		w.nextSeq = w.committedSeq + 1
	}

	if len(w.segments) == 0 {
		w.segments = append(w.segments, &segment{startSeq: w.nextSeq, path: segmentPath(w.cfg.Dir, w.nextSeq)})
	}

	last := w.segments[len(w.segments)-1]
	f, err := os.OpenFile(last.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open active segment: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.lastSyncAt = time.Now()

	w.log.Info().
		Str("run_id", w.runID).
		Uint64("next_seq", w.nextSeq).
		Uint64("committed_seq", w.committedSeq).
		Int("segments", len(w.segments)).
		Msg("wal initialized")

	return nil
}

func (w *WAL) scanMaxSequence() (uint64, error) {
	var max uint64
	for _, seg := range w.segments {
		f, err := os.Open(seg.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		r := bufio.NewReader(f)
		for {
			rec, derr := decode(r)
			if derr == io.EOF {
				break
			}
			if derr == ErrCorrupt {
				w.log.Warn().Str("segment", seg.path).Msg("wal: corrupt record, truncating scan")
				break
			}
			if derr != nil {
				f.Close()
				return 0, derr
			}
			if rec.Sequence > max {
				max = rec.Sequence
			}
		}
		f.Close()
	}
	return max, nil
}

func readCommitFile(dir string) (uint64, bool, error) {
	data, err := os.ReadFile(commitPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("wal: malformed commit file (%d bytes)", len(data))
	}
	seq, err := DecodeCommitPayload(data)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// Append assigns a new sequence, writes a DATA (or COMMIT, internally)
// record, and returns it. Callers normally use Append for DATA payloads;
// Commit below handles the COMMIT record's own durability.
func (w *WAL) Append(payload []byte, recordType RecordType) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(payload, recordType)
}

func (w *WAL) appendLocked(payload []byte, recordType RecordType) (Record, error) {
	seq := w.nextSeq
	rec := Record{
		Sequence: seq,
		Type:     recordType,
		Payload:  payload,
		CRC32C:   computeCRC(seq, recordType, payload),
	}

	if err := rec.encode(w.writer); err != nil {
		return Record{}, fmt.Errorf("wal: encode: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return Record{}, fmt.Errorf("wal: flush: %w", err)
	}

	w.nextSeq++
	active := w.segments[len(w.segments)-1]
	active.size += int64(headerSize + len(payload))

	if err := w.maybeSync(); err != nil {
		return Record{}, err
	}
	if err := w.maybeRoll(); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func (w *WAL) maybeSync() error {
	switch w.cfg.SyncMode {
	case PerRecordSync:
		return w.file.Sync()
	case NoSync:
		return nil
	case BatchedSync:
		w.pendingSync++
		if w.pendingSync >= w.cfg.BatchSize || time.Since(w.lastSyncAt) >= w.cfg.MaxDelay {
			if err := w.file.Sync(); err != nil {
				return err
			}
			w.pendingSync = 0
			w.lastSyncAt = time.Now()
		}
		return nil
	default:
		return nil
	}
}

func (w *WAL) maybeRoll() error {
	active := w.segments[len(w.segments)-1]
	if active.size < w.cfg.SegmentBytes {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	next := &segment{startSeq: w.nextSeq, path: segmentPath(w.cfg.Dir, w.nextSeq)}
	f, err := os.OpenFile(next.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: roll segment: %w", err)
	}
	w.segments = append(w.segments, next)
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.log.Debug().Str("segment", next.path).Msg("wal: rolled segment")
	return nil
}

// Commit writes a COMMIT marker covering all DATA records with sequence <=
// seq, then atomically updates the wal-commit file. Monotone: committing a
// sequence <= the current watermark is a no-op, per spec §4.2/§8.
func (w *WAL) Commit(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.committedSeq {
		return nil
	}

	if _, err := w.appendLocked(EncodeCommitPayload(seq), RecordCommit); err != nil {
		return fmt.Errorf("wal: append commit record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync commit record: %w", err)
	}

	if err := writeCommitFileAtomic(w.cfg.Dir, seq); err != nil {
		return err
	}
	w.committedSeq = seq
	return nil
}

func writeCommitFileAtomic(dir string, seq uint64) error {
	tmp := commitPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, EncodeCommitPayload(seq), 0o644); err != nil {
		return fmt.Errorf("wal: write commit tmp: %w", err)
	}
	if err := os.Rename(tmp, commitPath(dir)); err != nil {
		return fmt.Errorf("wal: rename commit file: %w", err)
	}
	return nil
}

// CommittedSequence returns the last sequence known durable in the sink.
func (w *WAL) CommittedSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committedSeq
}

// GetUncommittedRecords returns all DATA records with sequence greater
// than the last committed sequence, in ascending order, per spec §4.2.
func (w *WAL) GetUncommittedRecords() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Record
	for _, seg := range w.segments {
		f, err := os.Open(seg.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		r := bufio.NewReader(f)
		for {
			rec, derr := decode(r)
			if derr == io.EOF {
				break
			}
			if derr == ErrCorrupt {
				w.log.Warn().Str("segment", seg.path).Msg("wal: corrupt record during uncommitted scan, stopping")
				break
			}
			if derr != nil {
				f.Close()
				return nil, derr
			}
			if rec.Type == RecordData && rec.Sequence > w.committedSeq {
				out = append(out, rec)
			}
		}
		f.Close()
	}
	return out, nil
}

// Truncate reclaims space for records with sequence <= seq. It preserves
// the active (currently-written-to) segment and the segment containing
// the last COMMIT marker, so restart recovery still converges, per §4.2.
func (w *WAL) Truncate(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.segments) <= 1 {
		return nil
	}

	keepFrom := 0
	for i := 0; i < len(w.segments)-1; i++ {
		// A segment is reclaimable once the NEXT segment's startSeq is
		// itself <= seq+1, i.e. every record in this segment has sequence
		// < next.startSeq <= seq+1, so <= seq.
		next := w.segments[i+1]
		if next.startSeq > seq+1 {
			break
		}
		keepFrom = i + 1
	}
	if keepFrom == 0 {
		return nil
	}

	for _, seg := range w.segments[:keepFrom] {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: remove segment %s: %w", seg.path, err)
		}
	}
	w.segments = append([]*segment{}, w.segments[keepFrom:]...)
	return nil
}

// Close flushes and closes the active segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
