package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted  = errors.New("loop: already started")
	ErrStopped         = errors.New("loop: stopped, restart is not allowed")
	ErrNotStarted      = errors.New("loop: not started")
	ErrWrongGoroutine  = errors.New("loop: called from the loop goroutine")
	ErrCallTimeout     = errors.New("loop: call timed out")
	ErrShutdownTimeout = errors.New("loop: shutdown timed out")
)

// State of a Loop. Transitions are monotonic, a stopped loop can't be
// started again.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Work is a unit of work executed on the loop goroutine. The context is
// the loop's own and is cancelled when the loop shuts down.
type Work func(ctx context.Context) (any, error)

type outcome struct {
	value any
	err   error
}

type call struct {
	work Work
	// buffered, written exactly once by the loop goroutine. A caller
	// which already gave up leaves the late outcome parked here.
	result chan outcome
}

// Loop runs submitted work serially on a single background goroutine.
// It is the synchronization point between synchronous test code and
// everything owned by the loop: clients never touch loop-owned state
// directly, they go through Call or Submit.
type Loop struct {
	mu    sync.Mutex
	state State
	gid   atomic.Uint64
	queue chan *call
	quit  chan struct{}
	done  chan struct{}
}

type Option func(*Loop)

// WithQueueSize overrides the default capacity of the work queue.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queue = make(chan *call, n)
		}
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		state: StateIdle,
		queue: make(chan *call, 64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start spawns the loop goroutine and waits until it is actually
// spinning. Starting twice is an error, so is starting after Stop.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateRunning, StateStopping:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	l.quit = make(chan struct{})
	l.done = make(chan struct{})

	ready := make(chan uint64, 1)
	go l.run(ready)
	l.gid.Store(<-ready)

	l.state = StateRunning
	slog.Debug("loop started")
	return nil
}

func (l *Loop) run(ready chan<- uint64) {
	defer close(l.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready <- goroutineID()

	for {
		select {
		case c := <-l.queue:
			c.run(ctx)
		case <-l.quit:
			// finish whatever was already queued, then exit
			for {
				select {
				case c := <-l.queue:
					c.run(ctx)
				default:
					return
				}
			}
		}
	}
}

func (c *call) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.result <- outcome{err: fmt.Errorf("loop: work panicked: %v", r)}
		}
	}()
	v, err := c.work(ctx)
	c.result <- outcome{value: v, err: err}
}

// Call submits work to the loop goroutine and blocks the caller until
// the work completed, the timeout elapsed or ctx was cancelled. On
// timeout the work is not interrupted, it may still run to completion
// inside the loop, but its outcome is discarded.
//
// Call from the loop goroutine itself would deadlock and fails fast
// with ErrWrongGoroutine.
func (l *Loop) Call(ctx context.Context, timeout time.Duration, work Work) (any, error) {
	if err := l.checkSubmit(); err != nil {
		return nil, err
	}

	c := &call{work: work, result: make(chan outcome, 1)}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.queue <- c:
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s (queue full)", ErrCallTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrStopped
	}

	select {
	case out := <-c.result:
		return out.value, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		// the shutdown drain may have completed this call already
		select {
		case out := <-c.result:
			return out.value, out.err
		default:
			return nil, ErrStopped
		}
	}
}

// Submit enqueues work without waiting for its outcome. It is the
// funnel used by stream readers and watchers to get events onto the
// loop goroutine.
func (l *Loop) Submit(work Work) error {
	if err := l.checkSubmit(); err != nil {
		return err
	}
	c := &call{work: work, result: make(chan outcome, 1)}
	select {
	case l.queue <- c:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) checkSubmit() error {
	if goroutineID() == l.gid.Load() {
		return ErrWrongGoroutine
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateIdle:
		return ErrNotStarted
	case StateStopping, StateStopped:
		return ErrStopped
	}
	return nil
}

// Stop asks the loop to finish queued work and exit, then waits for the
// goroutine to terminate. On timeout the state is still forced to
// Stopped: a stuck loop is a test environment failure and is reported,
// not swallowed. Stopping an already stopped loop is a no-op.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.Lock()
	switch l.state {
	case StateIdle:
		// never started, there is no goroutine to join
		l.state = StateStopped
		l.mu.Unlock()
		return nil
	case StateStopped:
		if l.done == nil {
			l.mu.Unlock()
			return nil
		}
		// a previous Stop may have timed out with the goroutine still
		// draining, give it another chance to be joined
		l.mu.Unlock()
	case StateRunning:
		l.state = StateStopping
		close(l.quit)
		l.mu.Unlock()
	case StateStopping:
		// concurrent Stop already signalled the loop, just wait
		l.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-l.done:
		slog.Debug("loop stopped")
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
	}

	l.mu.Lock()
	l.state = StateStopped
	l.mu.Unlock()
	return err
}

// goroutineID parses the numeric id from runtime.Stack. The header line
// has the form "goroutine 42 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
