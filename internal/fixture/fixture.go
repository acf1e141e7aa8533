// Package fixture glues the work loop and the service supervisor to
// the standard testing package. Everything acquired here is released
// through tb.Cleanup, in reverse order of acquisition, so a service is
// always stopped before the loop it runs on.
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/spinup-dev/spinup/internal/loop"
	"github.com/spinup-dev/spinup/internal/service"
)

const (
	loopStopTimeout    = 5 * time.Second
	serviceStopTimeout = 10 * time.Second
)

// Loop starts a work loop for the lifetime of the test.
func Loop(tb testing.TB) *loop.Loop {
	tb.Helper()
	l := loop.New()
	if err := l.Start(); err != nil {
		tb.Fatalf("starting work loop: %v", err)
	}
	tb.Cleanup(func() {
		if err := l.Stop(loopStopTimeout); err != nil {
			tb.Errorf("stopping work loop: %v", err)
		}
	})
	return l
}

// Service spawns the described service on l and blocks until it is
// ready. A service that cannot become ready fails the test with its
// captured output. The service is stopped when the test ends.
func Service(tb testing.TB, l *loop.Loop, spec service.Spec) *service.Supervisor {
	tb.Helper()
	sup := service.NewSupervisor(l, spec)
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	if err := sup.Start(ctx); err != nil {
		tb.Fatalf("starting service %s: %v", spec.Name(), err)
	}
	tb.Cleanup(func() {
		if err := sup.Stop(serviceStopTimeout); err != nil {
			tb.Errorf("stopping service %s: %v", spec.Name(), err)
		}
	})
	return sup
}
