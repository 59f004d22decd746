package plugin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchRunsUntilStopped(t *testing.T) {
	p := New("watcher")
	attach(t, p)

	var runs atomic.Int32
	stop := p.Watch(2*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	stop()
	n := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestWatchReplacesPreviousLoop(t *testing.T) {
	p := New("watcher")
	attach(t, p)

	var first, second atomic.Int32
	p.Watch(time.Millisecond, func(context.Context) error {
		first.Add(1)
		return nil
	})
	stop := p.Watch(time.Millisecond, func(context.Context) error {
		second.Add(1)
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool { return second.Load() >= 2 }, time.Second, time.Millisecond)
	n := first.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, first.Load())
}

func TestWatchEndsWhenBrowserCloses(t *testing.T) {
	p := New("watcher")
	_, b, _ := attach(t, p)

	var runs atomic.Int32
	p.Watch(time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Close(context.Background()))
	n := runs.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
}

func TestWatchNotStartedWhenStopped(t *testing.T) {
	p := New("watcher")
	attach(t, p)
	require.NoError(t, p.Stop(context.Background()))

	var runs atomic.Int32
	p.Watch(time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})()
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, runs.Load())
}
