// Package audit implements the Audit Trail: an append-only hash-chained
// JSONL log with intent/result pairing, size-rotation, torn-write truncation
// on open, an optional keyed MAC, and a queryable intent->result index.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hollowware/substrate/internal/canon"
	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/internal/mutex"
	"github.com/hollowware/substrate/pkg/clock"
	suberrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
	"github.com/hollowware/substrate/pkg/redact"
)

// Phase values a record may carry.
const (
	PhaseIntent  = "intent"
	PhaseResult  = "result"
	PhaseDenied  = "denied"
	PhaseDryRun  = "dry_run"
	genesisHash  = "genesis"
	fileName     = "audit.jsonl"
	batchedFsync = 100 * time.Millisecond
)

// ResultStatus is the value held in the intent->result index.
type ResultStatus struct {
	HasResult bool
	Error     string
}

// ChainVerification is the structured outcome of VerifyChain.
type ChainVerification struct {
	Valid       bool
	RecordCount int
	BrokenAt    *int
	Expected    string
	Actual      string
	HMACError   bool
}

// Trail is a single audit log file with its in-memory chain state.
type Trail struct {
	dir          string
	path         string
	mu           *mutex.Scoped
	clock        clock.Clock
	logger       *logx.Logger
	metrics      metrics.Recorder
	redactor     *redact.Redactor
	hmacKey      []byte
	maxSizeBytes int64

	seq         int64
	lastHash    string
	pending     map[int64]bool
	resultIndex map[int64]ResultStatus
	file        *os.File
}

// DefaultMaxSizeBytes is the rotation threshold when no override is given.
const DefaultMaxSizeBytes = 8 * 1024 * 1024

// Option configures a Trail at Open time.
type Option func(*Trail)

// WithHMACKey configures a MAC key: every record is stamped with an hmac
// field and recovery/verification check it.
func WithHMACKey(key []byte) Option {
	return func(t *Trail) { t.hmacKey = key }
}

// WithMaxSizeBytes overrides the rotation size threshold.
func WithMaxSizeBytes(n int64) Option {
	return func(t *Trail) { t.maxSizeBytes = n }
}

// Open opens (or creates) an audit trail in dir, recovering from any torn
// write and rebuilding the pending-intent set and intent->result index from
// the surviving prefix.
func Open(dir string, clk clock.Clock, logger *logx.Logger, rec metrics.Recorder, redactor *redact.Redactor, opts ...Option) (*Trail, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	t := &Trail{
		dir:          dir,
		path:         filepath.Join(dir, fileName),
		mu:           mutex.New(),
		clock:        clk,
		logger:       logger,
		metrics:      rec,
		redactor:     redactor,
		maxSizeBytes: DefaultMaxSizeBytes,
		lastHash:     genesisHash,
		pending:      map[int64]bool{},
		resultIndex:  map[int64]ResultStatus{},
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.recoverOnOpen(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	t.file = f
	return t, nil
}

func (t *Trail) recoverOnOpen() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: read for recovery: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	var valid []map[string]interface{}
	expectedPrev := genesisHash
	parseErrors, chainBreaks := 0, 0

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			parseErrors++
			break
		}
		prevHash, _ := rec["prevHash"].(string)
		if prevHash != expectedPrev {
			chainBreaks++
			break
		}
		canonical, err := canon.Marshal(canon.Without(rec, "hash", "hmac"))
		if err != nil {
			parseErrors++
			break
		}
		computedHash := sha256Hex(canonical)
		recHash, _ := rec["hash"].(string)
		if recHash != computedHash {
			chainBreaks++
			break
		}
		if t.hmacKey != nil {
			if recHMAC, ok := rec["hmac"].(string); ok {
				if hmacHex(t.hmacKey, canonical) != recHMAC {
					chainBreaks++
					break
				}
			}
		}

		valid = append(valid, rec)
		expectedPrev = computedHash
	}

	if parseErrors+chainBreaks > 0 {
		t.logger.Warn("audit: truncating on recovery", logx.Fields{
			"parseErrors": parseErrors,
			"chainBreaks": chainBreaks,
			"survived":    len(valid),
		})
		if err := t.rewriteLocked(valid); err != nil {
			return err
		}
	}

	t.rebuildIndexes(valid)
	return nil
}

func (t *Trail) rebuildIndexes(records []map[string]interface{}) {
	t.seq = 0
	t.lastHash = genesisHash
	t.pending = map[int64]bool{}
	t.resultIndex = map[int64]ResultStatus{}

	for _, rec := range records {
		seq := int64(asFloat(rec["seq"]))
		if seq > t.seq {
			t.seq = seq
		}
		if h, ok := rec["hash"].(string); ok {
			t.lastHash = h
		}
		phase, _ := rec["phase"].(string)
		switch phase {
		case PhaseIntent:
			t.pending[seq] = true
		case PhaseResult:
			intentSeq := int64(asFloat(rec["intentSeq"]))
			delete(t.pending, intentSeq)
			errStr, _ := rec["error"].(string)
			t.resultIndex[intentSeq] = ResultStatus{HasResult: true, Error: errStr}
		}
	}
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// rewriteLocked atomically rewrites the audit file to contain exactly
// records, using the same tmp+fsync+rename+dir-fsync pattern as the
// Resilient JSON Store.
func (t *Trail) rewriteLocked(records []map[string]interface{}) error {
	tmp := t.path + fmt.Sprintf(".%d.rewrite.tmp", os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := canon.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return fsyncDir(t.dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// RecordIntent appends an intent record and returns its seq.
func (t *Trail) RecordIntent(ctx context.Context, action, target string, params map[string]interface{}, dedupeKey string) (int64, error) {
	return t.append(ctx, PhaseIntent, action, target, params, nil, nil, nil, dedupeKey)
}

// RecordResult appends a result record paired to intentSeq.
func (t *Trail) RecordResult(ctx context.Context, intentSeq int64, action, target string, result interface{}, resultErr error) (int64, error) {
	var errStr *string
	if resultErr != nil {
		s := resultErr.Error()
		errStr = &s
	}
	return t.append(ctx, PhaseResult, action, target, nil, &intentSeq, result, errStr, "")
}

// RecordDenied appends a denied record.
func (t *Trail) RecordDenied(ctx context.Context, action, target string, params map[string]interface{}, reason string) (int64, error) {
	return t.append(ctx, PhaseDenied, action, target, params, nil, nil, &reason, "")
}

// RecordDryRun appends a dry_run record; its fsync is batched rather than
// immediate, since dry-run phases are non-critical for crash durability.
func (t *Trail) RecordDryRun(ctx context.Context, action, target string, params map[string]interface{}) (int64, error) {
	return t.append(ctx, PhaseDryRun, action, target, params, nil, nil, nil, "")
}

func (t *Trail) append(ctx context.Context, phase, action, target string, params map[string]interface{}, intentSeq *int64, result interface{}, errStr *string, dedupeKey string) (int64, error) {
	if params != nil {
		if redactedParams, ok := t.redactor.RedactAny(params).(map[string]interface{}); ok {
			params = redactedParams
		}
	}
	if result != nil {
		result = t.redactor.RedactAny(result)
	}
	if errStr != nil {
		redacted := t.redactor.Redact(*errStr)
		errStr = &redacted
	}

	if err := t.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer t.mu.Release()

	seq := t.seq + 1
	prevHash := t.lastHash

	rec := map[string]interface{}{
		"seq":      float64(seq),
		"prevHash": prevHash,
		"phase":    phase,
		"ts":       t.clock.Now().UTC().Format(time.RFC3339Nano),
		"action":   action,
		"target":   target,
		"dryRun":   phase == PhaseDryRun,
	}
	if params != nil {
		rec["params"] = params
	}
	if intentSeq != nil {
		rec["intentSeq"] = float64(*intentSeq)
	}
	if result != nil {
		rec["result"] = result
	}
	if errStr != nil {
		rec["error"] = *errStr
	}
	if dedupeKey != "" {
		rec["dedupeKey"] = dedupeKey
	}

	canonical, err := canon.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("audit: canonicalize: %w", err)
	}
	hash := sha256Hex(canonical)
	rec["hash"] = hash
	if t.hmacKey != nil {
		rec["hmac"] = hmacHex(t.hmacKey, canonical)
	}

	line, err := canon.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	if err := writeAllRetry(t.file, line, 3); err != nil {
		// Roll back: seq/prevHash were never committed to t.seq/t.lastHash yet.
		return 0, fmt.Errorf("audit: append: %w", err)
	}

	switch phase {
	case PhaseIntent, PhaseResult, PhaseDenied:
		if err := t.file.Sync(); err != nil {
			return 0, fmt.Errorf("audit: fsync: %w", err)
		}
	case PhaseDryRun:
		f := t.file
		go func() {
			time.Sleep(batchedFsync)
			_ = f.Sync()
		}()
	}

	t.seq = seq
	t.lastHash = hash
	t.metrics.IncCounter("audit_appends_total", map[string]string{"phase": phase})

	switch phase {
	case PhaseIntent:
		t.pending[seq] = true
	case PhaseResult:
		if intentSeq != nil {
			delete(t.pending, *intentSeq)
			es := ""
			if errStr != nil {
				es = *errStr
			}
			t.resultIndex[*intentSeq] = ResultStatus{HasResult: true, Error: es}
		}
	}

	if err := t.maybeRotateLocked(); err != nil {
		t.logger.Warn("audit: rotation check failed", logx.Fields{"error": err.Error()})
	}

	return seq, nil
}

func writeAllRetry(f *os.File, data []byte, attempts int) error {
	remaining := data
	for i := 0; i < attempts && len(remaining) > 0; i++ {
		n, err := f.Write(remaining)
		if err != nil {
			return err
		}
		if n == 0 {
			return suberrors.ErrShortWrite
		}
		remaining = remaining[n:]
	}
	if len(remaining) > 0 {
		return suberrors.ErrShortWrite
	}
	return nil
}

// maybeRotateLocked rotates when the file exceeds maxSizeBytes and the
// pending-intent set is empty; otherwise rotation is deferred so that every
// result can still be linked to its intent within a single file. Caller must
// hold t.mu.
func (t *Trail) maybeRotateLocked() error {
	info, err := os.Stat(t.path)
	if err != nil {
		return err
	}
	if info.Size() < t.maxSizeBytes {
		return nil
	}
	if len(t.pending) > 0 {
		return nil // deferred
	}

	if err := t.file.Close(); err != nil {
		return err
	}
	archiveName := fmt.Sprintf("audit.%s.jsonl", isoForFilename(t.clock.Now()))
	archivePath := filepath.Join(t.dir, archiveName)
	if err := os.Rename(t.path, archivePath); err != nil {
		return err
	}
	if err := fsyncDir(t.dir); err != nil {
		return err
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	t.file = f
	t.seq = 0
	t.lastHash = genesisHash
	t.metrics.IncCounter("audit_rotations_total", nil)
	t.logger.Info("audit: rotated", logx.Fields{"archive": archivePath})
	return nil
}

func isoForFilename(tm time.Time) string {
	s := tm.UTC().Format(time.RFC3339Nano)
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

// FindResultByIntentSeq serves the intent->result index built at open time
// and maintained on every append.
func (t *Trail) FindResultByIntentSeq(seq int64) (ResultStatus, bool) {
	status, ok := t.resultIndex[seq]
	return status, ok
}

// VerifyChain re-reads the audit file from disk and checks the prevHash
// chain, recomputed hash, and (when key is non-nil) recomputed HMAC on every
// record that carries one.
func VerifyChain(path string, key []byte) (ChainVerification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChainVerification{}, err
	}
	lines := strings.Split(string(data), "\n")

	expectedPrev := genesisHash
	count := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			idx := i
			return ChainVerification{Valid: false, RecordCount: count, BrokenAt: &idx}, nil
		}
		prevHash, _ := rec["prevHash"].(string)
		if prevHash != expectedPrev {
			idx := i
			return ChainVerification{Valid: false, RecordCount: count, BrokenAt: &idx, Expected: expectedPrev, Actual: prevHash}, nil
		}
		canonical, err := canon.Marshal(canon.Without(rec, "hash", "hmac"))
		if err != nil {
			idx := i
			return ChainVerification{Valid: false, RecordCount: count, BrokenAt: &idx}, nil
		}
		computedHash := sha256Hex(canonical)
		recHash, _ := rec["hash"].(string)
		if recHash != computedHash {
			idx := i
			return ChainVerification{Valid: false, RecordCount: count, BrokenAt: &idx, Expected: computedHash, Actual: recHash}, nil
		}
		if key != nil {
			if recHMAC, ok := rec["hmac"].(string); ok {
				if hmacHex(key, canonical) != recHMAC {
					idx := i
					return ChainVerification{Valid: false, RecordCount: count, BrokenAt: &idx, HMACError: true}, nil
				}
			}
		}
		expectedPrev = computedHash
		count++
	}

	return ChainVerification{Valid: true, RecordCount: count}, nil
}

// GCArchives removes archived audit files older than maxAge, measured by file
// modification time. The live audit file is never a candidate. Returns how
// many archives were removed.
func (t *Trail) GCArchives(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := t.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer t.mu.Release()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, err
	}
	cutoff := t.clock.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || e.Name() == fileName {
			continue
		}
		if !strings.HasPrefix(e.Name(), "audit.") || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		full := filepath.Join(t.dir, e.Name())
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(full); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		t.logger.Info("audit: garbage-collected archives", logx.Fields{"removed": removed})
	}
	return removed, nil
}

// Close flushes and closes the underlying file handle.
func (t *Trail) Close(ctx context.Context) error {
	if err := t.mu.Acquire(ctx); err != nil {
		return err
	}
	defer t.mu.Release()
	return t.file.Close()
}
