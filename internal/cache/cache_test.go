package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
)

func counting(calls *atomic.Int32, v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestGet_HitsUntilExpiry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(fake)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		v, err := Get(ctx, c, "meta", time.Minute, counting(&calls, "v1"))
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.EqualValues(t, 1, calls.Load())

	fake.Advance(time.Minute)
	v, err := Get(ctx, c, "meta", time.Minute, counting(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGet_ZeroTTLBypasses(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	var calls atomic.Int32
	for i := 0; i < 2; i++ {
		_, err := Get(context.Background(), c, "sets", 0, counting(&calls, "x"))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, c.Len())
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	boom := errors.New("503")
	_, err := Get(context.Background(), c, "k", time.Minute, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := Get(context.Background(), c, "k", time.Minute, func(context.Context) (int, error) { return 4, nil })
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestGet_ConcurrentMissesShareOneFill(t *testing.T) {
	c := New(clock.NewFake(time.Unix(0, 0)))
	var calls atomic.Int32
	release := make(chan struct{})
	fill := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Get(context.Background(), c, "k", time.Minute, fill)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight fill.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestRun_PurgesExpired(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(fake)
	var calls atomic.Int32
	_, err := Get(context.Background(), c, "short", time.Second, counting(&calls, "x"))
	require.NoError(t, err)
	_, err = Get(context.Background(), c, "long", time.Hour, counting(&calls, "y"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, PurgeEvery)
		close(done)
	}()
	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, time.Millisecond)

	fake.Advance(PurgeEvery)
	assert.Equal(t, 1, c.Len())

	cancel()
	<-done
	assert.Zero(t, fake.Pending())
}
