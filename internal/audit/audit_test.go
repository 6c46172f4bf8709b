package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/pkg/clock"
	"github.com/hollowware/substrate/pkg/logx"
	"github.com/hollowware/substrate/pkg/redact"
)

func newTestTrail(t *testing.T, opts ...Option) (*Trail, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := redact.New()
	require.NoError(t, err)
	logger := logx.NewDevelopment(r)
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr, err := Open(dir, clk, logger, metrics.Noop(), r, opts...)
	require.NoError(t, err)
	return tr, dir
}

func TestTrail_IntentResultPairing(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	seq1, err := tr.RecordIntent(ctx, "create_pr", "repo", map[string]interface{}{"title": "t"}, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	seq2, err := tr.RecordResult(ctx, seq1, "create_pr", "repo", map[string]interface{}{"pr": float64(42)}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), seq2)

	status, ok := tr.FindResultByIntentSeq(seq1)
	require.True(t, ok)
	assert.True(t, status.HasResult)

	_, ok = tr.FindResultByIntentSeq(seq2)
	assert.False(t, ok)
}

func TestTrail_TornWriteRecovery(t *testing.T) {
	dir := t.TempDir()
	r, err := redact.New()
	require.NoError(t, err)
	logger := logx.NewDevelopment(r)
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	tr, err := Open(dir, clk, logger, metrics.Noop(), r)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tr.RecordIntent(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	_, err = tr.RecordIntent(ctx, "b", "t", nil, "")
	require.NoError(t, err)
	require.NoError(t, tr.Close(ctx))

	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"broken`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tr2, err := Open(dir, clk, logger, metrics.Noop(), r)
	require.NoError(t, err)

	seq3, err := tr2.RecordIntent(ctx, "c", "t", nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq3)
}

func TestTrail_HMACTamperDetected(t *testing.T) {
	dir := t.TempDir()
	r, err := redact.New()
	require.NoError(t, err)
	logger := logx.NewDevelopment(r)
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	tr, err := Open(dir, clk, logger, metrics.Noop(), r, WithHMACKey([]byte("k")))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = tr.RecordIntent(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	require.NoError(t, tr.Close(ctx))

	path := filepath.Join(dir, fileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := tamperHMAC(string(raw))
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	result, err := VerifyChain(path, []byte("k"))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotNil(t, result.BrokenAt)
	assert.Equal(t, 0, *result.BrokenAt)
	assert.True(t, result.HMACError)
}

func tamperHMAC(raw string) string {
	idx := strings.Index(raw, `"hmac":"`)
	if idx < 0 {
		return raw
	}
	start := idx + len(`"hmac":"`)
	end := strings.Index(raw[start:], `"`)
	zeros := strings.Repeat("0", end)
	return raw[:start] + zeros + raw[start+end:]
}

func TestTrail_RotationDeferredWhilePendingIntentsExist(t *testing.T) {
	tr, _ := newTestTrail(t, WithMaxSizeBytes(1))
	ctx := context.Background()

	_, err := tr.RecordIntent(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	_, err = tr.RecordIntent(ctx, "b", "t", nil, "")
	require.NoError(t, err)

	// Both intents still pending: no result recorded, so rotation must defer.
	info, err := os.Stat(tr.path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(1))
}

func TestTrail_RotationAfterResultsClosePending(t *testing.T) {
	tr, dir := newTestTrail(t, WithMaxSizeBytes(1))
	ctx := context.Background()

	seq, err := tr.RecordIntent(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	_, err = tr.RecordResult(ctx, seq, "a", "t", map[string]interface{}{"ok": true}, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawArchive bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit.") && e.Name() != fileName {
			sawArchive = true
		}
	}
	assert.True(t, sawArchive)

	// Fresh chain after rotation.
	path := filepath.Join(dir, fileName)
	result, err := VerifyChain(path, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestTrail_DeniedAndDryRun(t *testing.T) {
	tr, _ := newTestTrail(t)
	ctx := context.Background()

	_, err := tr.RecordDenied(ctx, "delete_repo", "repo", nil, "insufficient scope")
	require.NoError(t, err)
	_, err = tr.RecordDryRun(ctx, "delete_repo", "repo", nil)
	require.NoError(t, err)
}
