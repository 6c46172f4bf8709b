package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/pkg/clock"
	suberrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
	"github.com/hollowware/substrate/pkg/redact"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	r, err := redact.New()
	require.NoError(t, err)
	logger := logx.NewDevelopment(r)
	return New(clock.NewReal(), logger, metrics.Noop())
}

func TestScheduler_DelayClampedToFloor(t *testing.T) {
	s := newTestScheduler(t)
	for i := 0; i < 100; i++ {
		d := s.delayFor(TaskConfig{Interval: 100 * time.Millisecond, Jitter: 500 * time.Millisecond})
		assert.GreaterOrEqual(t, d, time.Second)
	}
}

func TestScheduler_JitterStaysInBounds(t *testing.T) {
	s := newTestScheduler(t)
	interval := 30 * time.Second
	jitter := 5 * time.Second
	for i := 0; i < 200; i++ {
		d := s.delayFor(TaskConfig{Interval: interval, Jitter: jitter})
		assert.GreaterOrEqual(t, d, interval-jitter)
		assert.LessOrEqual(t, d, interval+jitter)
	}
}

func TestScheduler_TriggerRunsHandler(t *testing.T) {
	s := newTestScheduler(t)
	ran := 0
	require.NoError(t, s.Register(TaskConfig{
		ID:       "t",
		Name:     "t",
		Interval: time.Hour,
		Handler:  func(context.Context) error { ran++; return nil },
	}))

	require.NoError(t, s.Trigger(context.Background(), "t"))
	assert.Equal(t, 1, ran)

	st, err := s.GetStatus("t")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.NotNil(t, st.LastSuccess)
}

func TestScheduler_UnknownTask(t *testing.T) {
	s := newTestScheduler(t)
	assert.ErrorIs(t, s.Trigger(context.Background(), "nope"), suberrors.ErrUnknownTask)
	assert.ErrorIs(t, s.Disable("nope"), suberrors.ErrUnknownTask)
	_, err := s.GetStatus("nope")
	assert.ErrorIs(t, err, suberrors.ErrUnknownTask)
}

func TestScheduler_CircuitOpensAfterMaxFailuresAndHalfOpenCloses(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	fail := true
	attempts := 0
	require.NoError(t, s.Register(TaskConfig{
		ID:          "flaky",
		Name:        "flaky",
		Interval:    time.Hour,
		MaxFailures: 3,
		Reset:       100 * time.Millisecond,
		Handler: func(context.Context) error {
			attempts++
			if fail {
				return errors.New("boom")
			}
			return nil
		},
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Trigger(ctx, "flaky"))
	}
	st, err := s.GetStatus("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, st.Status)
	assert.Equal(t, 3, attempts)

	// Ticks inside the cooldown are skipped without invoking the handler.
	require.NoError(t, s.Trigger(ctx, "flaky"))
	assert.Equal(t, 3, attempts)

	// After the cooldown a single half-open attempt runs; success closes.
	time.Sleep(150 * time.Millisecond)
	fail = false
	require.NoError(t, s.Trigger(ctx, "flaky"))
	assert.Equal(t, 4, attempts)

	st, err = s.GetStatus("flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestScheduler_HalfOpenFailureReopens(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Register(TaskConfig{
		ID:          "doomed",
		Name:        "doomed",
		Interval:    time.Hour,
		MaxFailures: 2,
		Reset:       50 * time.Millisecond,
		Handler:     func(context.Context) error { return errors.New("still broken") },
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Trigger(ctx, "doomed"))
	}
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, s.Trigger(ctx, "doomed"))

	st, err := s.GetStatus("doomed")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, st.Status)
}

func TestScheduler_PanicCountsAsFailure(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Register(TaskConfig{
		ID:          "panicky",
		Name:        "panicky",
		Interval:    time.Hour,
		MaxFailures: 1,
		Reset:       time.Hour,
		Handler:     func(context.Context) error { panic("oops") },
	}))

	require.NoError(t, s.Trigger(ctx, "panicky"))
	st, err := s.GetStatus("panicky")
	require.NoError(t, err)
	assert.Equal(t, StatusCircuitOpen, st.Status)
}

func TestScheduler_ResetCircuitBreaker(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Register(TaskConfig{
		ID:          "t",
		Name:        "t",
		Interval:    time.Hour,
		MaxFailures: 1,
		Reset:       time.Hour,
		Handler:     func(context.Context) error { return errors.New("x") },
	}))
	require.NoError(t, s.Trigger(ctx, "t"))

	st, err := s.GetStatus("t")
	require.NoError(t, err)
	require.Equal(t, StatusCircuitOpen, st.Status)

	require.NoError(t, s.ResetCircuitBreaker("t"))
	st, err = s.GetStatus("t")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestScheduler_DisableGatesRuns(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	ran := 0
	require.NoError(t, s.Register(TaskConfig{
		ID:       "t",
		Name:     "t",
		Interval: time.Hour,
		Handler:  func(context.Context) error { ran++; return nil },
	}))
	require.NoError(t, s.Disable("t"))
	require.NoError(t, s.Trigger(ctx, "t"))
	assert.Equal(t, 0, ran)

	st, err := s.GetStatus("t")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, st.Status)

	require.NoError(t, s.Enable("t"))
	require.NoError(t, s.Trigger(ctx, "t"))
	assert.Equal(t, 1, ran)
}

func TestScheduler_MutexGroupExecutionsDisjoint(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	inGroup := 0
	maxInGroup := 0

	body := func(context.Context) error {
		mu.Lock()
		inGroup++
		if inGroup > maxInGroup {
			maxInGroup = inGroup
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inGroup--
		mu.Unlock()
		return nil
	}

	require.NoError(t, s.Register(TaskConfig{ID: "a", Name: "a", Interval: time.Hour, MutexGroup: "g", Handler: body}))
	require.NoError(t, s.Register(TaskConfig{ID: "b", Name: "b", Interval: time.Hour, MutexGroup: "g", Handler: body}))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Trigger(ctx, id)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInGroup, "at most one task in a mutex group may run at any instant")
}

func TestScheduler_StartIsExclusiveAndTicksFire(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	require.NoError(t, s.Register(TaskConfig{
		ID:       "fast",
		Name:     "fast",
		Interval: 10 * time.Millisecond, // clamped to the 1s floor
		Handler: func(context.Context) error {
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	}))

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), suberrors.ErrAlreadyRunning)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled tick never fired")
	}
}
