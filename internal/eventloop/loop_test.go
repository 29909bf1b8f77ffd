package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
)

// helper: start a loop that is stopped when the test ends
func startLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func recvErr(t *testing.T, ch <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(within):
		t.Fatalf("timed out waiting for reported error")
		return nil
	}
}

func TestLoop_NextTickRunsBeforeLaterPosts(t *testing.T) {
	l := startLoop(t)
	var order []string

	err := l.Do(context.Background(), func() error {
		l.Post(func() error { order = append(order, "posted"); return nil })
		l.NextTick(func() error {
			order = append(order, "tick1")
			l.NextTick(func() error { order = append(order, "tick2"); return nil })
			return nil
		})
		order = append(order, "task")
		return nil
	})
	require.NoError(t, err)

	// Flush: a Do queued now runs after "posted".
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))
	assert.Equal(t, []string{"task", "tick1", "tick2", "posted"}, order)
}

func TestLoop_DoReturnsTaskErrorWithoutReporting(t *testing.T) {
	reported := make(chan error, 1)
	l := startLoop(t, WithErrorHandler(func(err error) { reported <- err }))

	want := errors.New("boom")
	err := l.Do(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)

	select {
	case err := <-reported:
		t.Fatalf("Do error must not reach the handler, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoop_PanicsAndErrorsAreReported(t *testing.T) {
	reported := make(chan error, 2)
	l := startLoop(t, WithErrorHandler(func(err error) { reported <- err }))

	l.Post(func() error { panic("kaboom") })
	err := recvErr(t, reported, time.Second)
	assert.Contains(t, err.Error(), "kaboom")

	l.NextTick(func() error { return errors.New("tick failed") })
	err = recvErr(t, reported, time.Second)
	assert.EqualError(t, err, "tick failed")
}

func TestLoop_AfterFuncStopCancelsQueuedTask(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	l := startLoop(t, WithClock(fake))

	var mu sync.Mutex
	fired := 0
	var timer *Timer
	require.NoError(t, l.Do(context.Background(), func() error {
		timer = l.AfterFunc(time.Second, func() error {
			mu.Lock()
			fired++
			mu.Unlock()
			return nil
		})
		return nil
	}))

	// Hold the loop so the fired timer's task sits in the queue.
	release := make(chan struct{})
	l.Post(func() error { <-release; return nil })
	fake.Advance(time.Second)
	assert.True(t, timer.Stop())
	close(release)

	require.NoError(t, l.Do(context.Background(), func() error { return nil }))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, fired)
}

func TestGo_ContinuationRunsOnLoopAndUnhandledErrorsReport(t *testing.T) {
	reported := make(chan error, 1)
	l := startLoop(t, WithErrorHandler(func(err error) { reported <- err }))

	got := make(chan int, 1)
	Go(l, func(ctx context.Context) (int, error) { return 42, nil }, func(v int, err error) error {
		got <- v
		return err
	})
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatalf("continuation never ran")
	}

	Go[struct{}](l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, errors.New("lost upstream")
	}, nil)
	assert.EqualError(t, recvErr(t, reported, time.Second), "lost upstream")
}

func TestLoop_PostAfterCloseFails(t *testing.T) {
	l := New()
	l.Close()
	assert.False(t, l.Post(func() error { return nil }))
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return nil }), ErrClosed)
}
