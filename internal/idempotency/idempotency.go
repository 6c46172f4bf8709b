// Package idempotency implements the Idempotency Index: a persistent mapping
// from a deterministic action fingerprint to {pending, completed, failed},
// with TTL eviction, a FIFO entry cap, and boot-time reconciliation driven by
// an injected audit-query function. Persistence delegates to internal/store
// rather than a bespoke file: the index state is exactly one resilient JSON
// document.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/hollowware/substrate/internal/canon"
	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/internal/mutex"
	"github.com/hollowware/substrate/internal/store"
	"github.com/hollowware/substrate/pkg/clock"
	suberrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
)

// Status values an entry may hold. failed is terminal: no transition out of
// it is permitted.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Compensation strategies recorded with a pending entry, consumed by whatever
// recovers the side effect after a crash.
const (
	StrategySafeRetry      = "safe_retry"
	StrategyCheckThenRetry = "check_then_retry"
	StrategySkip           = "skip"
)

// Defaults for the eviction policy.
const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultMaxEntries = 10_000
)

// Entry is one idempotency record.
type Entry struct {
	Key                  string
	Status               string
	CreatedAt            time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
	IntentSeq            *int64
	CompensationStrategy string
	LastError            string
	Attempts             int
}

func (e Entry) terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// AuditResult is the answer an injected audit-query function gives for an
// intent seq: whether a result record exists and what error it carried.
type AuditResult struct {
	HasResult bool
	Error     string
}

// QueryFunc looks up the result recorded for an intent seq. It mirrors the
// audit trail's FindResultByIntentSeq without importing that package, so the
// index stays decoupled from the trail's concrete type.
type QueryFunc func(intentSeq int64) (AuditResult, bool)

// Fingerprint derives the deterministic dedupe key for (action, scope,
// resource, params): the first 16 hex characters of SHA-256 over the
// canonical (sorted-keys) JSON of params, so parameter insertion order never
// affects the key.
func Fingerprint(action, scope, resource string, params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	canonical, err := canon.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s/%s:%s", action, scope, resource, hex.EncodeToString(sum[:])[:16]), nil
}

// Index is the persistent idempotency map. All mutations run under one Scoped
// mutex and are persisted to the backing resilient store before returning.
type Index struct {
	mu      *mutex.Scoped
	backing *store.Store
	clock   clock.Clock
	logger  *logx.Logger
	metrics metrics.Recorder

	ttl        time.Duration
	maxEntries int

	entries map[string]Entry
	loaded  bool
}

// Option configures an Index at construction.
type Option func(*Index)

// WithTTL overrides the eviction TTL.
func WithTTL(d time.Duration) Option {
	return func(i *Index) { i.ttl = d }
}

// WithMaxEntries overrides the FIFO entry cap.
func WithMaxEntries(n int) Option {
	return func(i *Index) { i.maxEntries = n }
}

// New constructs an Index over backing. State is loaded lazily on first use
// so construction itself never touches disk.
func New(backing *store.Store, clk clock.Clock, logger *logx.Logger, rec metrics.Recorder, opts ...Option) *Index {
	i := &Index{
		mu:         mutex.New(),
		backing:    backing,
		clock:      clk,
		logger:     logger,
		metrics:    rec,
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		entries:    map[string]Entry{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Index) loadLocked(ctx context.Context) error {
	if i.loaded {
		return nil
	}
	doc, ok, err := i.backing.Get(ctx)
	if err != nil {
		return err
	}
	if ok {
		raw, _ := doc["entries"].(map[string]interface{})
		for k, v := range raw {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			i.entries[k] = entryFromMap(k, m)
		}
	}
	i.loaded = true
	return nil
}

func (i *Index) persistLocked(ctx context.Context) error {
	out := make(map[string]interface{}, len(i.entries))
	for k, e := range i.entries {
		out[k] = entryToMap(e)
	}
	return i.backing.Set(ctx, map[string]interface{}{"entries": out})
}

// Check returns the entry for key, if any.
func (i *Index) Check(ctx context.Context, key string) (Entry, bool, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return Entry{}, false, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return Entry{}, false, err
	}
	e, ok := i.entries[key]
	return e, ok, nil
}

// MarkPending creates a pending entry for key unless the entry is already
// terminal, in which case the existing terminal entry is returned unchanged.
// A repeat MarkPending on an existing pending entry increments its attempt
// count. The FIFO cap is enforced inline so growth never exceeds the limit
// between scheduled evictions.
func (i *Index) MarkPending(ctx context.Context, key string, intentSeq int64, strategy string) (Entry, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return Entry{}, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return Entry{}, err
	}

	if existing, ok := i.entries[key]; ok {
		if existing.terminal() {
			return existing, nil
		}
		existing.Attempts++
		i.entries[key] = existing
		if err := i.persistLocked(ctx); err != nil {
			return Entry{}, err
		}
		return existing, nil
	}

	seq := intentSeq
	e := Entry{
		Key:                  key,
		Status:               StatusPending,
		CreatedAt:            i.clock.Now().UTC(),
		IntentSeq:            &seq,
		CompensationStrategy: strategy,
		Attempts:             1,
	}
	i.entries[key] = e
	i.enforceCapLocked()
	if err := i.persistLocked(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// MarkCompleted transitions an existing non-failed entry to completed.
func (i *Index) MarkCompleted(ctx context.Context, key string) (Entry, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return Entry{}, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return Entry{}, err
	}

	e, ok := i.entries[key]
	if !ok {
		return Entry{}, suberrors.ErrUnknownKey
	}
	if e.Status == StatusFailed {
		return Entry{}, suberrors.ErrTerminalTransition
	}
	now := i.clock.Now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	i.entries[key] = e
	if err := i.persistLocked(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// MarkFailed transitions a pending or completed entry to failed, recording
// the error. failed is terminal thereafter.
func (i *Index) MarkFailed(ctx context.Context, key string, failure string) (Entry, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return Entry{}, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return Entry{}, err
	}

	e, ok := i.entries[key]
	if !ok {
		return Entry{}, suberrors.ErrUnknownKey
	}
	if e.Status == StatusFailed {
		return Entry{}, suberrors.ErrTerminalTransition
	}
	now := i.clock.Now().UTC()
	e.Status = StatusFailed
	e.FailedAt = &now
	e.LastError = failure
	i.entries[key] = e
	if err := i.persistLocked(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Evict removes entries older than the TTL, then, if the count still exceeds
// the cap, removes oldest-by-createdAt until under it. Returns how many
// entries were removed.
func (i *Index) Evict(ctx context.Context) (int, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return 0, err
	}

	removed := 0
	cutoff := i.clock.Now().UTC().Add(-i.ttl)
	for k, e := range i.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(i.entries, k)
			removed++
		}
	}
	removed += i.enforceCapLocked()

	if removed > 0 {
		if err := i.persistLocked(ctx); err != nil {
			return removed, err
		}
		i.metrics.IncCounter("idempotency_evictions_total", nil)
		i.logger.Info("idempotency: evicted entries", logx.Fields{"removed": removed, "remaining": len(i.entries)})
	}
	return removed, nil
}

// enforceCapLocked removes oldest-by-createdAt entries until the count is
// within maxEntries. Caller must hold i.mu.
func (i *Index) enforceCapLocked() int {
	if len(i.entries) <= i.maxEntries {
		return 0
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(i.entries))
	for k, e := range i.entries {
		all = append(all, aged{k, e.CreatedAt})
	}
	sort.Slice(all, func(a, b int) bool { return all[a].at.Before(all[b].at) })

	removed := 0
	for _, a := range all {
		if len(i.entries) <= i.maxEntries {
			break
		}
		delete(i.entries, a.key)
		removed++
	}
	return removed
}

// ReconcilePending resolves pending entries against the audit trail at boot
// and returns those still needing compensation. When query is non-nil, each
// pending entry with an intent seq is checked: a recorded error auto-promotes
// the entry to failed, a recorded success to completed, and absence leaves it
// pending and returned to the caller. Entries already failed are never
// returned.
func (i *Index) ReconcilePending(ctx context.Context, query QueryFunc) ([]Entry, error) {
	if err := i.mu.Acquire(ctx); err != nil {
		return nil, err
	}
	defer i.mu.Release()
	if err := i.loadLocked(ctx); err != nil {
		return nil, err
	}

	var unresolved []Entry
	dirty := false
	now := i.clock.Now().UTC()

	for k, e := range i.entries {
		if e.Status != StatusPending {
			continue
		}
		if query != nil && e.IntentSeq != nil {
			if res, ok := query(*e.IntentSeq); ok && res.HasResult {
				if res.Error != "" {
					e.Status = StatusFailed
					e.FailedAt = &now
					e.LastError = res.Error
					i.metrics.IncCounter("idempotency_reconciliations_total", map[string]string{"outcome": "failed"})
				} else {
					e.Status = StatusCompleted
					e.CompletedAt = &now
					i.metrics.IncCounter("idempotency_reconciliations_total", map[string]string{"outcome": "completed"})
				}
				i.entries[k] = e
				dirty = true
				continue
			}
		}
		i.metrics.IncCounter("idempotency_reconciliations_total", map[string]string{"outcome": "unresolved"})
		unresolved = append(unresolved, e)
	}

	if dirty {
		if err := i.persistLocked(ctx); err != nil {
			return nil, err
		}
	}

	sort.Slice(unresolved, func(a, b int) bool {
		return unresolved[a].CreatedAt.Before(unresolved[b].CreatedAt)
	})
	return unresolved, nil
}

func entryToMap(e Entry) map[string]interface{} {
	m := map[string]interface{}{
		"status":               e.Status,
		"createdAt":            e.CreatedAt.Format(time.RFC3339Nano),
		"compensationStrategy": e.CompensationStrategy,
		"attempts":             float64(e.Attempts),
	}
	if e.CompletedAt != nil {
		m["completedAt"] = e.CompletedAt.Format(time.RFC3339Nano)
	}
	if e.FailedAt != nil {
		m["failedAt"] = e.FailedAt.Format(time.RFC3339Nano)
	}
	if e.IntentSeq != nil {
		m["intentSeq"] = float64(*e.IntentSeq)
	}
	if e.LastError != "" {
		m["lastError"] = e.LastError
	}
	return m
}

func entryFromMap(key string, m map[string]interface{}) Entry {
	e := Entry{Key: key}
	e.Status, _ = m["status"].(string)
	e.CompensationStrategy, _ = m["compensationStrategy"].(string)
	e.LastError, _ = m["lastError"].(string)
	if f, ok := m["attempts"].(float64); ok {
		e.Attempts = int(f)
	}
	if s, ok := m["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.CreatedAt = t
		}
	}
	if s, ok := m["completedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.CompletedAt = &t
		}
	}
	if s, ok := m["failedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.FailedAt = &t
		}
	}
	if f, ok := m["intentSeq"].(float64); ok {
		seq := int64(f)
		e.IntentSeq = &seq
	}
	return e
}
