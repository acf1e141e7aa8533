package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spinup-dev/spinup/internal/logline"
	"github.com/spinup-dev/spinup/internal/loop"
	"github.com/spinup-dev/spinup/internal/portwait"
)

// State names the lifecycle phase of a Supervisor.
type State string

const (
	StateNotStarted     State = "not started"
	StateStarting       State = "starting"
	StateAwaitingMarker State = "awaiting marker"
	StateAwaitingPort   State = "awaiting port"
	StateRunning        State = "running"
	StateStopping       State = "stopping"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

const (
	// killGrace bounds how long Stop waits for the kernel to reap the
	// child after SIGKILL.
	killGrace = time.Second
	// ctlTimeout bounds loop calls which only touch the process handle
	// or the capture ring.
	ctlTimeout = time.Second
)

// run holds the per-process state of one spawned child. The cmd handle,
// the ring and markerDone are touched on the loop goroutine only. exit
// is closed by the watcher goroutine after the child is reaped, with
// exitCode written before the close.
type run struct {
	id         string
	cmd        *exec.Cmd
	ring       *ring
	readers    *errgroup.Group
	markerDone bool
	markerSeen chan struct{}
	exit       chan struct{}
	exitCode   int
}

// Supervisor spawns one child process and walks it through its
// readiness phases. All process interaction is funneled through the
// work loop, callers may use a Supervisor from any goroutine.
type Supervisor struct {
	loop   *loop.Loop
	logger *slog.Logger

	mu      sync.Mutex
	spec    Spec
	matcher *logline.Matcher
	state   State
	run     *run
}

func NewSupervisor(l *loop.Loop, spec Spec) *Supervisor {
	return &Supervisor{
		loop:   l,
		logger: slog.Default(),
		spec:   spec,
		state:  StateNotStarted,
	}
}

// WithLogger routes child output and lifecycle records to logger.
func (s *Supervisor) WithLogger(logger *slog.Logger) *Supervisor {
	s.logger = logger
	return s
}

// SetOutputFormat installs a logline template used to re-level the
// child's output. Refused once the service started.
func (s *Supervisor) SetOutputFormat(format string) error {
	m, err := logline.Compile(format)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	s.spec.Format = format
	s.matcher = m
	return nil
}

// ExpectOutput arms the marker phase: Start will not report the service
// ready before a line containing marker was seen.
func (s *Supervisor) ExpectOutput(marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	s.spec.Output = marker
	return nil
}

// ExpectPort arms the port phase: Start will not report the service
// ready before a TCP connect to port succeeds.
func (s *Supervisor) ExpectPort(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	s.spec.Port = port
	return nil
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done returns a channel closed once the child terminated and was
// reaped. Before Start it returns nil, which never becomes ready.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.exit
}

// ExitCode reports the child's exit code once it terminated.
func (s *Supervisor) ExitCode() (int, bool) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return 0, false
	}
	select {
	case <-r.exit:
		return r.exitCode, true
	default:
		return 0, false
	}
}

// Start spawns the process and blocks until it is ready: it stayed up
// for the minimum uptime, printed the expected marker and opened the
// expected port, in that order, with an independent budget per phase.
// On any failure the child is killed and the supervisor ends up Failed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	spec := s.spec.withDefaults()
	if spec.Format != "" && s.matcher == nil {
		m, err := logline.Compile(spec.Format)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.matcher = m
	}
	s.spec = spec
	s.state = StateStarting
	s.mu.Unlock()

	v, err := s.loop.Call(ctx, spec.Timeout+time.Second, func(lctx context.Context) (any, error) {
		return s.spawn(lctx, spec)
	})
	if err != nil {
		// The spawn work item may still be queued, or may have finished
		// with its result parked. Marking Failed first means a late
		// spawn sees it and kills its own child; a child registered in
		// the meantime is reaped here.
		s.mu.Lock()
		s.state = StateFailed
		r := s.run
		s.mu.Unlock()
		if r != nil {
			s.reap(ctx, r)
		}
		return err
	}
	r := v.(*run)

	if err := s.awaitReady(ctx, r, spec); err != nil {
		s.fail(ctx, r)
		return err
	}
	s.setState(StateRunning)
	s.logger.LogAttrs(ctx, slog.LevelInfo, "service ready",
		slog.String("service", spec.Name()),
		slog.String("run_id", r.id),
		slog.Int("pid", r.cmd.Process.Pid),
	)
	return nil
}

// Stop terminates the child: SIGTERM first, SIGKILL after timeout.
// Stopping a supervisor which never started or already stopped is a
// no-op; stopping a failed one re-checks that the child is gone.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	r := s.run
	switch s.state {
	case StateNotStarted, StateStopped:
		s.mu.Unlock()
		return nil
	case StateFailed:
		// A failed Start reaps its child, but reap again in case that
		// kill raced a spawn still queued on the loop.
		s.state = StateStopped
		s.mu.Unlock()
		if r != nil {
			s.reap(context.Background(), r)
		}
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	if r == nil {
		s.setState(StateStopped)
		return nil
	}
	ctx := context.Background()
	select {
	case <-r.exit:
		// already dead is the success case
		s.setState(StateStopped)
		return nil
	default:
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "stopping service",
		slog.String("service", s.spec.Name()),
		slog.String("run_id", r.id),
	)
	_, _ = s.loop.Call(ctx, ctlTimeout, func(context.Context) (any, error) {
		err := signalGroup(r.cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			err = nil
		}
		return nil, err
	})
	select {
	case <-r.exit:
		s.setState(StateStopped)
		return nil
	case <-time.After(timeout):
	}

	s.logger.LogAttrs(ctx, slog.LevelWarn, "service ignored SIGTERM, killing",
		slog.String("service", s.spec.Name()),
		slog.String("run_id", r.id),
	)
	_, _ = s.loop.Call(ctx, ctlTimeout, func(context.Context) (any, error) {
		return nil, signalGroup(r.cmd.Process.Pid, syscall.SIGKILL)
	})
	select {
	case <-r.exit:
		s.setState(StateStopped)
		return nil
	case <-time.After(killGrace):
		s.setState(StateFailed)
		return fmt.Errorf("service: process %d still alive after SIGKILL", r.cmd.Process.Pid)
	}
}

// Output snapshots the captured tail of the child's output, oldest
// line first.
func (s *Supervisor) Output(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNotStarted
	}
	v, err := s.loop.Call(ctx, ctlTimeout, func(context.Context) (any, error) {
		return r.ring.snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// spawn runs on the loop goroutine. It starts the child with both
// output streams piped into line readers and arms the exit watcher.
func (s *Supervisor) spawn(ctx context.Context, spec Spec) (*run, error) {
	r := &run{
		id:         uuid.NewString(),
		ring:       newRing(spec.CaptureLines),
		markerSeen: make(chan struct{}),
		exit:       make(chan struct{}),
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	setProcGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("service: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("service: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("service: starting %s: %w", spec.Command, err)
	}
	r.cmd = cmd

	var g errgroup.Group
	g.Go(func() error {
		return s.readStream(r, "stdout", stdout)
	})
	g.Go(func() error {
		return s.readStream(r, "stderr", stderr)
	})
	r.readers = &g
	go s.watchExit(r)

	// Register the run, unless the caller already gave up on this start
	// while the work item sat in the queue. An abandoned child is killed
	// right here, the watcher and readers still reap and drain it.
	s.mu.Lock()
	abandoned := s.state != StateStarting
	if !abandoned {
		s.run = r
	}
	s.mu.Unlock()
	if abandoned {
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		return r, nil
	}

	s.logger.LogAttrs(ctx, slog.LevelDebug, "service process spawned",
		slog.String("service", spec.Name()),
		slog.String("run_id", r.id),
		slog.Int("pid", cmd.Process.Pid),
	)
	return r, nil
}

// readStream pumps one output stream onto the loop, one line per work
// item. Submitting from a dedicated goroutine keeps per stream order.
func (s *Supervisor) readStream(r *run, stream string, rc io.ReadCloser) error {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		err := s.loop.Submit(func(ctx context.Context) (any, error) {
			s.handleLine(ctx, r, stream, line)
			return nil, nil
		})
		if err != nil {
			// the loop is gone, late lines are dropped
			return nil
		}
	}
	return nil
}

// handleLine runs on the loop goroutine: capture, forward to the
// logger, check the readiness marker.
func (s *Supervisor) handleLine(ctx context.Context, r *run, stream, line string) {
	r.ring.add(line)

	attrs := []slog.Attr{
		slog.String("service", s.spec.Name()),
		slog.String("run_id", r.id),
		slog.String("stream", stream),
	}
	level := slog.LevelInfo
	msg := line
	if s.matcher != nil {
		if rec, ok := s.matcher.Match(line); ok {
			level = rec.Level
			msg = rec.Message
			if rec.Name != "" {
				attrs = append(attrs, slog.String("source", rec.Name))
			}
			if !rec.Time.IsZero() {
				attrs = append(attrs, slog.Time("emitted", rec.Time))
			}
		}
	}
	s.logger.LogAttrs(ctx, level, msg, attrs...)

	if !r.markerDone && s.spec.Output != "" && strings.Contains(line, s.spec.Output) {
		r.markerDone = true
		close(r.markerSeen)
	}
}

// watchExit reaps the child. The readers must drain the pipes before
// Wait may release them.
func (s *Supervisor) watchExit(r *run) {
	_ = r.readers.Wait()
	_ = r.cmd.Wait()
	r.exitCode = r.cmd.ProcessState.ExitCode()
	close(r.exit)
	_ = s.loop.Submit(func(ctx context.Context) (any, error) {
		s.onExit(ctx, r)
		return nil, nil
	})
}

// onExit runs on the loop goroutine after the child was reaped. A child
// dying outside Stop is a failure.
func (s *Supervisor) onExit(ctx context.Context, r *run) {
	s.mu.Lock()
	st := s.state
	unexpected := st == StateRunning
	if unexpected {
		s.state = StateFailed
	}
	s.mu.Unlock()

	level := slog.LevelDebug
	msg := "service process exited"
	if unexpected {
		level = slog.LevelError
		msg = "service process died unexpectedly"
	}
	s.logger.LogAttrs(ctx, level, msg,
		slog.String("service", s.spec.Name()),
		slog.String("run_id", r.id),
		slog.Int("exit_code", r.exitCode),
	)
}

// awaitReady walks the readiness phases in order. Each phase has its
// own budget, a child exit aborts whichever phase is active.
func (s *Supervisor) awaitReady(ctx context.Context, r *run, spec Spec) error {
	select {
	case <-r.exit:
		return s.exitedEarly(ctx, r)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(spec.MinUptime):
	}

	if spec.Output != "" {
		s.setState(StateAwaitingMarker)
		started := time.Now()
		select {
		case <-r.markerSeen:
		case <-r.exit:
			return s.exitedEarly(ctx, r)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spec.Timeout):
			return &MarkerTimeoutError{
				Marker:  spec.Output,
				Elapsed: time.Since(started),
				Output:  s.tail(ctx, r),
			}
		}
	}

	if spec.Port > 0 {
		s.setState(StateAwaitingPort)
		waiter := portwait.Waiter{Host: spec.Host}
		portCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-r.exit:
				cancel()
			case <-portCtx.Done():
			}
		}()
		if err := waiter.Wait(portCtx, spec.Port, spec.Timeout); err != nil {
			select {
			case <-r.exit:
				return s.exitedEarly(ctx, r)
			default:
			}
			var te *portwait.TimeoutError
			if errors.As(err, &te) {
				listeners, _ := portwait.ListeningPorts()
				return &PortWaitError{Err: err, Output: s.tail(ctx, r), Listeners: listeners}
			}
			return err
		}
	}
	return nil
}

func (s *Supervisor) exitedEarly(ctx context.Context, r *run) error {
	return &ExitedEarlyError{ExitCode: r.exitCode, Output: s.tail(ctx, r)}
}

// tail snapshots the capture ring for diagnostics. Best effort, usable
// even when the caller's context is already cancelled.
func (s *Supervisor) tail(ctx context.Context, r *run) []string {
	v, err := s.loop.Call(context.WithoutCancel(ctx), ctlTimeout, func(context.Context) (any, error) {
		return r.ring.snapshot(), nil
	})
	if err != nil {
		return nil
	}
	return v.([]string)
}

// fail kills whatever is left of the child so a failed Start does not
// leak a process.
func (s *Supervisor) fail(ctx context.Context, r *run) {
	s.setState(StateFailed)
	s.reap(ctx, r)
}

// reap force-kills the child's process group and waits briefly for the
// watcher to confirm the exit. Safe on an already dead child. The kill
// goes through the loop; when the loop itself is gone the signal is
// sent directly instead of leaking the process.
func (s *Supervisor) reap(ctx context.Context, r *run) {
	select {
	case <-r.exit:
		return
	default:
	}
	kill := func(context.Context) (any, error) {
		return nil, signalGroup(r.cmd.Process.Pid, syscall.SIGKILL)
	}
	if _, err := s.loop.Call(context.WithoutCancel(ctx), ctlTimeout, kill); err != nil {
		_, _ = kill(ctx)
	}
	select {
	case <-r.exit:
	case <-time.After(killGrace):
	}
}
