// Package wal implements the Segmented WAL: an append-only sequence of
// records across rolling segments, with a checksum per record, a persisted
// checkpoint tracking two independent downstream cursors, and a replay
// function. Checkpoint persistence delegates to internal/store rather than a
// bespoke file format, since the checkpoint is itself exactly a resilient
// JSON document.
package wal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/internal/mutex"
	"github.com/hollowware/substrate/internal/store"
	"github.com/hollowware/substrate/pkg/clock"
	suberrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
)

// Op values a record may carry.
const (
	OpWrite  = "write"
	OpDelete = "delete"
	OpMkdir  = "mkdir"
)

// Record is a single WAL entry.
type Record struct {
	TS       time.Time `json:"ts"`
	Seq      int64     `json:"seq"`
	Op       string    `json:"op"`
	Path     string    `json:"path"`
	Checksum string    `json:"checksum,omitempty"`
	Data     string    `json:"data,omitempty"`
	SyncedA  bool      `json:"synced_A,omitempty"`
	SyncedB  bool      `json:"synced_B,omitempty"`
}

const (
	currentSegmentName = "wal.current.jsonl"
	cursorA            = "A"
	cursorB            = "B"
)

// DefaultMaxSegmentBytes is the rotation threshold when no override is given.
const DefaultMaxSegmentBytes = 8 * 1024 * 1024

// DefaultMaxSegmentEntries is the entry-count rotation threshold.
const DefaultMaxSegmentEntries = 50_000

// WAL is a segmented, checksum-per-record append-only log over a directory.
type WAL struct {
	dir  string
	root string

	mu *mutex.Scoped

	checkpoint *store.Store
	clock      clock.Clock
	logger     *logx.Logger
	metrics    metrics.Recorder

	maxSegmentBytes   int64
	maxSegmentEntries int

	lastSeq             int64
	currentSegmentPath  string
	currentFile         *os.File
	entryCount          int
	cursorASeq          int64
	cursorBSeq          int64
	cursorATs           *time.Time
	cursorBTs           *time.Time
	openedAt            time.Time
	closed              bool
}

// Option configures a WAL at Open time.
type Option func(*WAL)

// WithMaxSegmentBytes overrides the rotation size threshold.
func WithMaxSegmentBytes(n int64) Option {
	return func(w *WAL) { w.maxSegmentBytes = n }
}

// WithMaxSegmentEntries overrides the rotation entry-count threshold.
func WithMaxSegmentEntries(n int) Option {
	return func(w *WAL) { w.maxSegmentEntries = n }
}

// Open opens (or creates) a segmented WAL rooted at dir, whose append paths
// resolve under root. checkpoint is a Resilient JSON Store dedicated to this
// WAL's checkpoint document.
func Open(ctx context.Context, dir, root string, checkpoint *store.Store, clk clock.Clock, logger *logx.Logger, rec metrics.Recorder, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	w := &WAL{
		dir:               dir,
		root:              root,
		mu:                mutex.New(),
		checkpoint:        checkpoint,
		clock:             clk,
		logger:            logger,
		metrics:           rec,
		maxSegmentBytes:   DefaultMaxSegmentBytes,
		maxSegmentEntries: DefaultMaxSegmentEntries,
		currentSegmentPath: filepath.Join(dir, currentSegmentName),
	}
	for _, opt := range opts {
		opt(w)
	}

	if cp, ok, err := checkpoint.Get(ctx); err == nil && ok {
		w.cursorASeq = int64(asFloat(cp["last_cursor_A_seq"]))
		w.cursorBSeq = int64(asFloat(cp["last_cursor_B_seq"]))
		if s, ok := cp["last_cursor_A_ts"].(string); ok && s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				w.cursorATs = &t
			}
		}
		if s, ok := cp["last_cursor_B_ts"].(string); ok && s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				w.cursorBTs = &t
			}
		}
	}

	maxSeq, err := w.scanMaxSeq()
	if err != nil {
		return nil, err
	}
	w.lastSeq = maxSeq

	f, err := os.OpenFile(w.currentSegmentPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open current segment: %w", err)
	}
	w.currentFile = f
	w.entryCount = w.countLines(w.currentSegmentPath)
	w.openedAt = clk.Now()

	return w, nil
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// segmentFiles returns archived segments (sorted lexicographically, which is
// also chronological given the ISO-8601 archive name) followed by the
// current segment.
func (w *WAL) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var archived []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "segment.") && strings.HasSuffix(e.Name(), ".jsonl") {
			archived = append(archived, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(archived)
	if _, err := os.Stat(w.currentSegmentPath); err == nil {
		archived = append(archived, w.currentSegmentPath)
	}
	return archived, nil
}

func (w *WAL) scanMaxSeq() (int64, error) {
	files, err := w.segmentFiles()
	if err != nil {
		return 0, err
	}
	var max int64
	for _, f := range files {
		recs, _ := readRecords(f)
		for _, r := range recs {
			if r.Seq > max {
				max = r.Seq
			}
		}
	}
	return max, nil
}

func (w *WAL) countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 4*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			// Torn or corrupt trailing line: tolerated, caller decides whether
			// to treat as terminal (Replay skips it and stops reading further
			// lines in this file since a torn write is always last).
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// safePath resolves path under w.root, rejecting traversal.
func safePath(root, rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", suberrors.ErrPathTraversal
	}
	full := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(os.PathSeparator)) {
		return "", suberrors.ErrPathTraversal
	}
	return full, nil
}

// Append records op against path (relative to root) under the writer mutex,
// returning its assigned seq.
func (w *WAL) Append(ctx context.Context, op, relPath string, data []byte) (int64, error) {
	switch op {
	case OpWrite, OpDelete, OpMkdir:
	default:
		return 0, suberrors.ErrUnknownOp
	}
	if _, err := safePath(w.root, relPath); err != nil {
		return 0, err
	}

	if err := w.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer w.mu.Release()

	if w.closed {
		return 0, suberrors.ErrSegmentClosed
	}

	// A full segment whose cursors caught up since the last append rotates
	// now, before the new record re-opens the cursor gap.
	if err := w.maybeRotateLocked(ctx); err != nil {
		w.logger.Warn("wal: rotation check failed", logx.Fields{"error": err.Error()})
	}

	seq := w.lastSeq + 1
	rec := Record{TS: w.clock.Now(), Seq: seq, Op: op, Path: relPath}
	if op == OpWrite {
		sum := sha256.Sum256(data)
		rec.Checksum = hex.EncodeToString(sum[:])
		rec.Data = base64.StdEncoding.EncodeToString(data)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal record: %w", err)
	}
	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync: %w", err)
	}

	w.lastSeq = seq
	w.entryCount++
	w.metrics.IncCounter("wal_appends_total", map[string]string{"op": op})

	if err := w.persistCheckpointLocked(ctx); err != nil {
		return seq, err
	}
	if err := w.maybeRotateLocked(ctx); err != nil {
		w.logger.Warn("wal: rotation check failed", logx.Fields{"error": err.Error()})
	}

	return seq, nil
}

func (w *WAL) persistCheckpointLocked(ctx context.Context) error {
	cp := map[string]interface{}{
		"last_cursor_A_seq":    float64(w.cursorASeq),
		"last_cursor_B_seq":    float64(w.cursorBSeq),
		"current_segment_path": w.currentSegmentPath,
		"entry_count":          float64(w.entryCount),
	}
	if w.cursorATs != nil {
		cp["last_cursor_A_ts"] = w.cursorATs.Format(time.RFC3339Nano)
	}
	if w.cursorBTs != nil {
		cp["last_cursor_B_ts"] = w.cursorBTs.Format(time.RFC3339Nano)
	}
	return w.checkpoint.Set(ctx, cp)
}

// maybeRotateLocked rotates the current segment when its size or entry count
// exceeds the configured threshold and both cursors have caught up to its
// last seq. Caller must hold w.mu.
func (w *WAL) maybeRotateLocked(ctx context.Context) error {
	info, err := os.Stat(w.currentSegmentPath)
	if err != nil {
		return err
	}
	overSize := info.Size() >= w.maxSegmentBytes
	overEntries := w.entryCount >= w.maxSegmentEntries
	if !overSize && !overEntries {
		return nil
	}

	caughtUp := w.cursorASeq >= w.lastSeq && w.cursorBSeq >= w.lastSeq
	if !caughtUp {
		return nil // rotation deferred
	}

	if err := w.currentFile.Close(); err != nil {
		return err
	}
	archiveName := fmt.Sprintf("segment.%s.jsonl", isoForFilename(w.clock.Now()))
	archivePath := filepath.Join(w.dir, archiveName)
	if err := os.Rename(w.currentSegmentPath, archivePath); err != nil {
		return err
	}

	f, err := os.OpenFile(w.currentSegmentPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.entryCount = 0
	w.metrics.IncCounter("wal_rotations_total", nil)
	w.logger.Info("wal: rotated segment", logx.Fields{"archive": archivePath})

	return w.persistCheckpointLocked(ctx)
}

func isoForFilename(t time.Time) string {
	s := t.UTC().Format(time.RFC3339Nano)
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

// Drain reads records with seq > the named cursor's current value in order,
// applies each via apply, and advances the cursor after every successful
// apply. It stops at the first apply error, leaving the cursor at the last
// successfully applied seq so a retry resumes from there; this failure never
// blocks the other cursor's Drain.
func (w *WAL) Drain(ctx context.Context, which string, apply func(Record) error) error {
	if err := w.mu.Acquire(ctx); err != nil {
		return err
	}
	defer w.mu.Release()

	cursor := w.cursorFor(which)
	files, err := w.segmentFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		recs, _ := readRecords(f)
		for _, r := range recs {
			if r.Seq <= cursor {
				continue
			}
			if applyErr := apply(r); applyErr != nil {
				w.setCursor(which, r.Seq-1, w.clock.Now())
				w.persistCheckpointLocked(ctx)
				return applyErr
			}
			w.setCursor(which, r.Seq, w.clock.Now())
		}
	}
	if err := w.maybeRotateLocked(ctx); err != nil {
		w.logger.Warn("wal: rotation check failed", logx.Fields{"error": err.Error()})
	}
	return w.persistCheckpointLocked(ctx)
}

func (w *WAL) cursorFor(which string) int64 {
	if which == cursorA {
		return w.cursorASeq
	}
	return w.cursorBSeq
}

func (w *WAL) setCursor(which string, seq int64, ts time.Time) {
	if which == cursorA {
		w.cursorASeq = seq
		w.cursorATs = &ts
		return
	}
	w.cursorBSeq = seq
	w.cursorBTs = &ts
}

// CursorLag returns lastSeq - cursor for the named cursor.
func (w *WAL) CursorLag(which string) int64 {
	return w.lastSeq - w.cursorFor(which)
}

// CursorStaleness reports how long the named cursor has been behind: zero
// when caught up, otherwise the time since it last advanced (or since the
// WAL opened, if it never has). Feeds the staleness gauge; no automatic
// action is taken on it — rotation simply keeps deferring.
func (w *WAL) CursorStaleness(which string) time.Duration {
	if w.CursorLag(which) <= 0 {
		return 0
	}
	ts := w.cursorATs
	if which != cursorA {
		ts = w.cursorBTs
	}
	since := w.openedAt
	if ts != nil {
		since = *ts
	}
	return w.clock.Now().Sub(since)
}

// Replay reads all records across segments in seq order and applies each to
// the filesystem under root: write decodes and writes the file (verifying
// its checksum first), delete removes it (tolerating absence), mkdir creates
// the directory recursively. Records failing checksum verification are
// logged and skipped, not fatal. A torn trailing record is likewise skipped.
func (w *WAL) Replay() error {
	files, err := w.segmentFiles()
	if err != nil {
		return err
	}

	var all []Record
	for _, f := range files {
		recs, _ := readRecords(f)
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	for _, r := range all {
		if err := w.applyRecord(r); err != nil {
			w.logger.Warn("wal: skipped record during replay", logx.Fields{"seq": r.Seq, "op": r.Op, "error": err.Error()})
		}
	}
	return nil
}

func (w *WAL) applyRecord(r Record) error {
	full, err := safePath(w.root, r.Path)
	if err != nil {
		return err
	}

	switch r.Op {
	case OpWrite:
		data, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != r.Checksum {
			return suberrors.ErrChecksumMismatch
		}
		if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
			return err
		}
		return os.WriteFile(full, data, 0600)
	case OpDelete:
		err := os.Remove(full)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case OpMkdir:
		return os.MkdirAll(full, 0700)
	default:
		return suberrors.ErrUnknownOp
	}
}

// GCArchivedSegments removes archived segments older than maxAge, measured by
// file modification time. The current segment is never a candidate. Returns
// how many segments were removed.
func (w *WAL) GCArchivedSegments(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := w.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer w.mu.Release()

	files, err := w.segmentFiles()
	if err != nil {
		return 0, err
	}
	cutoff := w.clock.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		if f == w.currentSegmentPath {
			continue
		}
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		w.logger.Info("wal: garbage-collected archived segments", logx.Fields{"removed": removed})
	}
	return removed, nil
}

// Close closes the current segment file and persists a final checkpoint.
func (w *WAL) Close(ctx context.Context) error {
	if err := w.mu.Acquire(ctx); err != nil {
		return err
	}
	defer w.mu.Release()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.persistCheckpointLocked(ctx); err != nil {
		return err
	}
	return w.currentFile.Close()
}
