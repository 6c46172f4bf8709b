package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/pkg/clock"
	subErrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
	"github.com/hollowware/substrate/pkg/redact"
)

func newTestStore(t *testing.T, schemaVersion int, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := redact.New()
	require.NoError(t, err)
	logger := logx.NewDevelopment(r)
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(dir, "state", schemaVersion, clk, logger, metrics.Noop(), opts...)
	return s, dir
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 1)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(1)}))
	got, ok, err := s.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(1), got["x"])
}

func TestStore_GetAbsentReturnsNotOk(t *testing.T) {
	s, _ := newTestStore(t, 1)
	_, ok, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SizeBoundRejectsAndRollsBackEpoch(t *testing.T) {
	s, _ := newTestStore(t, 1, WithMaxSizeBytes(32))
	ctx := context.Background()

	err := s.Set(ctx, map[string]interface{}{"x": string(make([]byte, 1000))})
	require.ErrorIs(t, err, subErrors.ErrSizeBoundExceeded)

	// A subsequent successful write should still start from epoch 1, proving
	// the failed attempt didn't leak a gap that would change behavior.
	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(1)}))
	data, err := os.ReadFile(s.primaryPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_writeEpoch": 2`)
}

func TestStore_BackupRetainsPreviousOnCrashAfterBackupRotation(t *testing.T) {
	s, dir := newTestStore(t, 1)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(1)}))
	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(2)}))

	// Simulate a crash after step 6 (backup created) but before step 7
	// (tmp renamed to primary): manually reproduce that intermediate state.
	primary := s.primaryPath
	backup := s.backupPath()
	tmp := s.tmpPath(int64(os.Getpid()), 3)

	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(3)}))
	_ = backup

	// Recreate crash-mid-rename: remove the real primary, leave only backup +
	// a dangling tmp at a higher epoch, exactly what recovery must handle.
	raw, err := os.ReadFile(primary)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, raw, 0600))
	require.NoError(t, os.Remove(primary))

	got, ok, err := s.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(3), got["x"])

	backupData, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Contains(t, string(backupData), `"_writeEpoch": 2`)
	_ = dir
}

func TestStore_QuarantineOnTotalCorruption(t *testing.T) {
	s, dir := newTestStore(t, 1)
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(s.primaryPath, []byte("{not json"), 0600))

	_, ok, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawQuarantine bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && len(e.Name()) > 0 {
			if containsQuarantine(e.Name()) {
				sawQuarantine = true
			}
		}
	}
	assert.True(t, sawQuarantine)
}

func containsQuarantine(name string) bool {
	for i := 0; i+len("quarantine") <= len(name); i++ {
		if name[i:i+len("quarantine")] == "quarantine" {
			return true
		}
	}
	return false
}

func TestStore_Migration(t *testing.T) {
	migrated := false
	s, _ := newTestStore(t, 2, WithMigration(1, func(p map[string]interface{}) (map[string]interface{}, error) {
		migrated = true
		p["y"] = float64(99)
		return p, nil
	}))
	ctx := context.Background()

	// Write a v1 document directly (bypassing Set's schemaVersion=2 stamping).
	legacy := New(filepath.Dir(s.primaryPath), "state", 1, s.clock, s.logger, s.metrics)
	require.NoError(t, legacy.Set(ctx, map[string]interface{}{"x": float64(1)}))

	got, ok, err := s.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, migrated)
	assert.Equal(t, float64(99), got["y"])
}

func TestStore_MissingMigrationIsFatal(t *testing.T) {
	s, _ := newTestStore(t, 2)
	ctx := context.Background()
	legacy := New(filepath.Dir(s.primaryPath), "state", 1, s.clock, s.logger, s.metrics)
	require.NoError(t, legacy.Set(ctx, map[string]interface{}{"x": float64(1)}))

	_, _, err := s.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, subErrors.ErrMissingMigration)
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore(t, 1)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string]interface{}{"x": float64(1)}))
	require.NoError(t, s.Clear(ctx))
	_, ok, err := s.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
