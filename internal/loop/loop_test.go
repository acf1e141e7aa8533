package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spinup-dev/spinup/internal/loop"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.Equal(t, loop.StateIdle, l.State())

	require.NoError(t, l.Start())
	require.Equal(t, loop.StateRunning, l.State())

	t.Run("second start", func(t *testing.T) {
		require.ErrorIs(t, l.Start(), loop.ErrAlreadyStarted)
	})

	require.NoError(t, l.Stop(time.Second))
	require.Equal(t, loop.StateStopped, l.State())

	t.Run("stop is idempotent", func(t *testing.T) {
		require.NoError(t, l.Stop(time.Second))
	})

	t.Run("no restart after stop", func(t *testing.T) {
		require.ErrorIs(t, l.Start(), loop.ErrStopped)
	})
}

func TestStopNeverStarted(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Stop(time.Second))
	require.Equal(t, loop.StateStopped, l.State())
	require.ErrorIs(t, l.Start(), loop.ErrStopped)
}

func TestCall(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop(time.Second) })

	t.Run("value", func(t *testing.T) {
		v, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("error is propagated", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		_, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
			panic("have a nice day")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "have a nice day")
	})

	t.Run("fifo with submit", func(t *testing.T) {
		var seen []int
		for i := 0; i < 5; i++ {
			i := i
			require.NoError(t, l.Submit(func(context.Context) (any, error) {
				seen = append(seen, i)
				return nil, nil
			}))
		}
		// Call serializes behind the submitted work
		v, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
			return append([]int(nil), seen...), nil
		})
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2, 3, 4}, v)
	})
}

func TestCallBeforeStart(t *testing.T) {
	t.Parallel()
	l := loop.New()
	_, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, loop.ErrNotStarted)
	require.NoError(t, l.Stop(time.Second))
}

func TestCallAfterStop(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())
	require.NoError(t, l.Stop(time.Second))

	_, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, loop.ErrStopped)
	require.ErrorIs(t, l.Submit(nil), loop.ErrStopped)
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop(time.Second) })

	release := make(chan struct{})
	_, err := l.Call(testContext(t), 50*time.Millisecond, func(context.Context) (any, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, loop.ErrCallTimeout)

	// the loop itself must survive an abandoned call: the late outcome
	// is parked in the call's buffered slot and discarded
	close(release)
	v, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
		return "alive", nil
	})
	require.NoError(t, err)
	require.Equal(t, "alive", v)
}

func TestCallContextCancelled(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop(time.Second) })

	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	_, err := l.Call(ctx, time.Second, func(context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallFromLoopGoroutine(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop(time.Second) })

	// a nested Call from inside the loop would deadlock, it must fail
	// fast instead
	v, err := l.Call(testContext(t), time.Second, func(context.Context) (any, error) {
		_, nested := l.Call(context.Background(), time.Second, func(context.Context) (any, error) {
			return nil, nil
		})
		submitted := l.Submit(func(context.Context) (any, error) { return nil, nil })
		return []error{nested, submitted}, nil
	})
	require.NoError(t, err)
	errs, ok := v.([]error)
	require.True(t, ok)
	require.ErrorIs(t, errs[0], loop.ErrWrongGoroutine)
	require.ErrorIs(t, errs[1], loop.ErrWrongGoroutine)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())

	var ran int
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Submit(func(context.Context) (any, error) {
			ran++
			return nil, nil
		}))
	}
	require.NoError(t, l.Stop(time.Second))
	// Stop returning means the loop goroutine has terminated, which
	// orders the loop-side increments before this read
	require.Equal(t, 10, ran)
}

func TestShutdownTimeout(t *testing.T) {
	t.Parallel()
	l := loop.New()
	require.NoError(t, l.Start())

	stuck := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, l.Submit(func(context.Context) (any, error) {
		close(entered)
		<-stuck
		return nil, nil
	}))
	<-entered

	err := l.Stop(50 * time.Millisecond)
	require.ErrorIs(t, err, loop.ErrShutdownTimeout)
	// best effort: the bridge is unusable afterwards either way
	require.Equal(t, loop.StateStopped, l.State())

	// unblock the loop goroutine so it can actually exit
	close(stuck)
	require.NoError(t, l.Stop(time.Second))
}

// testContext returns a context that is canceled when the test ends,
// standing in for testing.T.Context which needs Go 1.24.
func testContext(tb testing.TB) context.Context {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}
