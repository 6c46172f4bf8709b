// Package store implements the Resilient JSON Store: atomic read/write of a
// single JSON document with an envelope (schema version, write epoch),
// backup rotation, tmp-scan recovery, quarantine, and schema migration.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hollowware/substrate/internal/canon"
	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/internal/mutex"
	"github.com/hollowware/substrate/pkg/clock"
	subErrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
)

// DefaultMaxSizeBytes is the default write size bound.
const DefaultMaxSizeBytes = 10 * 1024 * 1024

// Migration transforms a document from one schema version to the next.
type Migration func(payload map[string]interface{}) (map[string]interface{}, error)

// Store is a single resilient JSON document backed by a primary file, a
// rotating backup, and crash-safe tmp files, all serialized by one Scoped
// mutex.
type Store struct {
	primaryPath   string
	name          string
	schemaVersion int
	maxSizeBytes  int64

	mu         *mutex.Scoped
	epochMu    sync.Mutex
	writeEpoch int64

	migrations map[int]Migration

	clock   clock.Clock
	logger  *logx.Logger
	metrics metrics.Recorder
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxSizeBytes overrides the default write size bound.
func WithMaxSizeBytes(n int64) Option {
	return func(s *Store) { s.maxSizeBytes = n }
}

// WithMigration registers a migration from schema version `from` to
// `from+1`. Migrations are applied in order from the recovered version up to
// the configured current version; a missing step is fatal.
func WithMigration(from int, m Migration) Option {
	return func(s *Store) { s.migrations[from] = m }
}

// New constructs a Store for documents named `name` (producing `name.json`
// and its siblings) rooted at dir.
func New(dir, name string, schemaVersion int, clk clock.Clock, logger *logx.Logger, rec metrics.Recorder, opts ...Option) *Store {
	s := &Store{
		primaryPath:   filepath.Join(dir, name+".json"),
		name:          name,
		schemaVersion: schemaVersion,
		maxSizeBytes:  DefaultMaxSizeBytes,
		mu:            mutex.New(),
		migrations:    map[int]Migration{},
		clock:         clk,
		logger:        logger,
		metrics:       rec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) backupPath() string { return s.primaryPath + ".bak" }

func (s *Store) tmpPath(pid, epoch int64) string {
	return fmt.Sprintf("%s.%d.%d.tmp", s.primaryPath, pid, epoch)
}

func (s *Store) quarantinePath(now time.Time) string {
	return fmt.Sprintf("%s.quarantine.%d", s.primaryPath, now.UnixMilli())
}

// Set writes payload as the new document body, following the eight-step
// atomic write protocol.
func (s *Store) Set(ctx context.Context, payload map[string]interface{}) error {
	// Steps 1-2: build the envelope under the epoch's own lock, independent of
	// the artifact mutex, and validate its size before touching disk.
	s.epochMu.Lock()
	candidateEpoch := s.writeEpoch + 1
	envelope := envelopeFor(payload, s.schemaVersion, candidateEpoch)
	data, err := canon.MarshalIndent(envelope)
	if err != nil {
		s.epochMu.Unlock()
		return fmt.Errorf("store: marshal envelope: %w", err)
	}
	if int64(len(data)) > s.maxSizeBytes {
		s.epochMu.Unlock()
		return subErrors.ErrSizeBoundExceeded
	}
	s.writeEpoch = candidateEpoch
	s.epochMu.Unlock()

	// Step 3: acquire mutex; ensure parent directory exists.
	if err := s.mu.Acquire(ctx); err != nil {
		return err
	}
	defer s.mu.Release()

	dir := filepath.Dir(s.primaryPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}

	// Step 4: create tmp file exclusively.
	tmp := s.tmpPath(int64(os.Getpid()), candidateEpoch)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("store: create tmp: %w", err)
	}

	// Step 5: write payload; fsync tmp file.
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close tmp: %w", err)
	}

	// Step 6: if primary exists, rename primary -> backup; fsync directory.
	if _, err := os.Stat(s.primaryPath); err == nil {
		if err := os.Rename(s.primaryPath, s.backupPath()); err != nil {
			return fmt.Errorf("store: rotate backup: %w", err)
		}
		if err := fsyncDir(dir); err != nil {
			return fmt.Errorf("store: fsync dir after backup: %w", err)
		}
	}

	// Step 7: rename tmp -> primary; fsync directory.
	if err := os.Rename(tmp, s.primaryPath); err != nil {
		return fmt.Errorf("store: rename primary: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("store: fsync dir after primary: %w", err)
	}

	s.metrics.IncCounter("store_writes_total", map[string]string{"name": s.name})
	return nil
}

// Get recovers and returns the document body, applying migrations as needed.
// ok is false if no recoverable document exists.
func (s *Store) Get(ctx context.Context) (payload map[string]interface{}, ok bool, err error) {
	if err := s.mu.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.mu.Release()

	envelope, epoch, source, recovered := s.recoverLocked()
	if !recovered {
		return nil, false, nil
	}
	s.metrics.IncCounter("store_recoveries_total", map[string]string{"name": s.name, "source": source})

	if epoch > s.writeEpoch {
		s.writeEpoch = epoch
	}

	migrated, migratedPayload, err := s.migrateLocked(envelope)
	if err != nil {
		return nil, false, err
	}
	if migrated {
		if err := s.persistMigratedLocked(migratedPayload); err != nil {
			return nil, false, err
		}
		return migratedPayload, true, nil
	}

	return stripEnvelope(envelope), true, nil
}

// recoverLocked implements the read/recovery order: primary, then backup,
// then the highest-epoch sibling tmp strictly greater than what was
// recovered so far. Unparseable candidates are quarantined if nothing at all
// recovers. Caller must hold s.mu.
func (s *Store) recoverLocked() (envelope map[string]interface{}, epoch int64, source string, ok bool) {
	dir := filepath.Dir(s.primaryPath)
	var candidates []string

	if env, e, perr := readEnvelope(s.primaryPath); perr == nil {
		envelope, epoch, source, ok = env, e, "primary", true
	} else if !os.IsNotExist(perr) {
		candidates = append(candidates, s.primaryPath)
	}

	if !ok {
		if env, e, perr := readEnvelope(s.backupPath()); perr == nil {
			envelope, epoch, source, ok = env, e, "backup", true
		} else if !os.IsNotExist(perr) {
			candidates = append(candidates, s.backupPath())
		}
	}

	tmpCandidates, _ := s.listTmpFiles()
	var chosenTmp string
	var chosenTmpEpoch int64 = -1
	for _, tc := range tmpCandidates {
		tcEpoch, perr := parseTmpEpoch(tc)
		if perr != nil {
			continue
		}
		if ok && tcEpoch <= epoch {
			continue
		}
		env, e, rerr := readEnvelope(tc)
		if rerr != nil {
			continue
		}
		if e > chosenTmpEpoch {
			chosenTmpEpoch = e
			chosenTmp = tc
			envelope, epoch, source, ok = env, e, "tmp", true
		}
	}
	_ = chosenTmp

	if !ok {
		// Nothing parsed. Quarantine whatever candidates exist, including tmp
		// files, so no unrecoverable state blocks future writes.
		candidates = append(candidates, tmpCandidates...)
		s.quarantineAll(candidates)
		return nil, 0, "", false
	}

	// Delete stale tmp files with epoch <= the chosen epoch.
	for _, tc := range tmpCandidates {
		tcEpoch, perr := parseTmpEpoch(tc)
		if perr == nil && tcEpoch <= epoch {
			os.Remove(tc)
		}
	}
	_ = dir
	return envelope, epoch, source, ok
}

func (s *Store) listTmpFiles() ([]string, error) {
	dir := filepath.Dir(s.primaryPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(s.primaryPath) + "."
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseTmpEpoch(path string) (int64, error) {
	base := filepath.Base(path)
	parts := strings.Split(base, ".")
	if len(parts) < 3 {
		return 0, fmt.Errorf("store: malformed tmp name %q", base)
	}
	epochStr := parts[len(parts)-2]
	return strconv.ParseInt(epochStr, 10, 64)
}

func (s *Store) quarantineAll(paths []string) {
	now := s.clock.Now()
	for i, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		dst := s.quarantinePath(now)
		if i > 0 {
			dst = fmt.Sprintf("%s.%d", dst, i)
		}
		if err := os.Rename(p, dst); err == nil {
			s.metrics.IncCounter("store_quarantines_total", map[string]string{"name": s.name})
			s.logger.Warn("store: quarantined unrecoverable candidate", logx.Fields{"name": s.name, "path": p, "dst": dst})
		}
	}
}

func (s *Store) migrateLocked(envelope map[string]interface{}) (migrated bool, payload map[string]interface{}, err error) {
	version, _ := envelope["_schemaVersion"].(float64)
	current := int(version)
	if current >= s.schemaVersion {
		return false, nil, nil
	}

	payload = stripEnvelope(envelope)
	for v := current; v < s.schemaVersion; v++ {
		mig, ok := s.migrations[v]
		if !ok {
			return false, nil, fmt.Errorf("store: migrating from v%d: %w", v, subErrors.ErrMissingMigration)
		}
		payload, err = mig(payload)
		if err != nil {
			return false, nil, fmt.Errorf("store: migration v%d failed: %w", v, err)
		}
	}
	return true, payload, nil
}

// persistMigratedLocked re-persists a migrated value before returning it to
// the caller, using the same write protocol as Set but without re-acquiring
// the mutex (the caller already holds it via Get).
func (s *Store) persistMigratedLocked(payload map[string]interface{}) error {
	s.epochMu.Lock()
	candidateEpoch := s.writeEpoch + 1
	envelope := envelopeFor(payload, s.schemaVersion, candidateEpoch)
	data, err := canon.MarshalIndent(envelope)
	if err != nil {
		s.epochMu.Unlock()
		return fmt.Errorf("store: marshal migrated envelope: %w", err)
	}
	s.writeEpoch = candidateEpoch
	s.epochMu.Unlock()

	dir := filepath.Dir(s.primaryPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp := s.tmpPath(int64(os.Getpid()), candidateEpoch)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	if _, err := os.Stat(s.primaryPath); err == nil {
		if err := os.Rename(s.primaryPath, s.backupPath()); err != nil {
			return err
		}
		fsyncDir(dir)
	}
	if err := os.Rename(tmp, s.primaryPath); err != nil {
		return err
	}
	return fsyncDir(dir)
}

// Exists reports whether a recoverable document is present.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	_, ok, err := s.Get(ctx)
	return ok, err
}

// Clear removes the primary, backup, and any tmp files, and resets the
// in-memory write epoch. The next Set starts a fresh epoch sequence at 1.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.mu.Acquire(ctx); err != nil {
		return err
	}
	defer s.mu.Release()

	os.Remove(s.primaryPath)
	os.Remove(s.backupPath())
	tmps, _ := s.listTmpFiles()
	for _, t := range tmps {
		os.Remove(t)
	}

	s.epochMu.Lock()
	s.writeEpoch = 0
	s.epochMu.Unlock()
	return nil
}

// GCQuarantine removes quarantine files older than maxAge, measured by file
// modification time. Returns how many were removed.
func (s *Store) GCQuarantine(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := s.mu.Acquire(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Release()

	dir := filepath.Dir(s.primaryPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	prefix := filepath.Base(s.primaryPath) + ".quarantine."
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		full := filepath.Join(dir, e.Name())
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
		s.logger.Info("store: garbage-collected quarantine files", logx.Fields{"name": s.name, "removed": removed})
	}
	return removed, nil
}

func envelopeFor(payload map[string]interface{}, schemaVersion int, epoch int64) map[string]interface{} {
	envelope := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["_schemaVersion"] = schemaVersion
	envelope["_writeEpoch"] = epoch
	return envelope
}

func stripEnvelope(envelope map[string]interface{}) map[string]interface{} {
	return canon.Without(envelope, "_schemaVersion", "_writeEpoch")
}

func readEnvelope(path string) (map[string]interface{}, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, 0, err
	}
	epochF, _ := envelope["_writeEpoch"].(float64)
	return envelope, int64(epochF), nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
