package barrier_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kuvisor/kuvisor/barrier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllArriveThenRelease(t *testing.T) {
	t.Parallel()

	const n = 4

	b := barrier.New(n)

	var parked atomic.Int32

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			parked.Add(1)
			b.Arrive()
			parked.Add(-1)
		}()
	}

	require.NoError(t, b.AwaitFull(5*time.Second))

	// All participants are still parked until Release.
	assert.Equal(t, int32(n), parked.Load())

	b.Release()
	wg.Wait()

	assert.Equal(t, int32(0), parked.Load())
}

func TestAwaitFullTimesOut(t *testing.T) {
	t.Parallel()

	b := barrier.New(2)

	done := make(chan struct{})

	go func() {
		defer close(done)

		b.Arrive()
	}()

	err := b.AwaitFull(50 * time.Millisecond)
	require.ErrorIs(t, err, barrier.ErrTimeout)

	// Teardown path: release so the arrived participant can exit.
	b.Release()
	<-done
}

func TestReleaseWakesAllAtOnce(t *testing.T) {
	t.Parallel()

	const n = 8

	b := barrier.New(n)

	var resumed atomic.Int32

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			b.Arrive()
			resumed.Add(1)
		}()
	}

	require.NoError(t, b.AwaitFull(5*time.Second))
	assert.Equal(t, int32(0), resumed.Load())

	b.Release()
	wg.Wait()
	assert.Equal(t, int32(n), resumed.Load())
}

func TestZeroParticipants(t *testing.T) {
	t.Parallel()

	b := barrier.New(0)
	require.NoError(t, b.AwaitFull(time.Millisecond))
	b.Release()
}
