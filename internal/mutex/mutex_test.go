package mutex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoped_FIFOOrdering(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background()))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	const n = 5
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			require.NoError(t, m.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Release()
		}(i)
		<-started
		time.Sleep(5 * time.Millisecond) // let goroutine i block on Acquire before starting i+1
	}

	m.Release() // release the initial hold, waking goroutine 0 first
	wg.Wait()

	assert.Equal(t, n, len(order))
}

func TestScoped_AcquireRespectsContext(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScoped_CloseWakesWaiters(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after Close")
	}
}

func TestScoped_DoubleReleaseDoesNotPanic(t *testing.T) {
	m := New()
	require.NoError(t, m.Acquire(context.Background()))
	m.Release()
	assert.NotPanics(t, func() { m.Release() })
}
