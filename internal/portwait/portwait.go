// Package portwait answers one question with a deadline: when does a
// TCP port start accepting connections. It is the port half of service
// readiness, used after a log marker hinted that the service began its
// listen sequence.
package portwait

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	DefaultHost        = "localhost"
	DefaultInterval    = 100 * time.Millisecond
	DefaultDialTimeout = 100 * time.Millisecond
)

// TimeoutError reports that a port never became connectable within the
// budget, with enough context to be useful without a re-run.
type TimeoutError struct {
	Host     string
	Port     int
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("portwait: %s not accepting connections after %d attempts in %s",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Waiter polls a TCP port with short per-attempt dials. The zero value
// probes localhost every DefaultInterval.
type Waiter struct {
	Host        string
	Interval    time.Duration
	DialTimeout time.Duration
}

// Wait blocks until the port accepts a connection, the overall timeout
// elapses (*TimeoutError) or ctx is cancelled (ctx.Err). The probe
// connection is closed right away, nothing is written to it.
func (w Waiter) Wait(ctx context.Context, port int, timeout time.Duration) error {
	host := w.Host
	if host == "" {
		host = DefaultHost
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	dialTimeout := w.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	started := time.Now()
	deadline := started.Add(timeout)

	var dialer net.Dialer
	var attempts int
	for {
		attempts++
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{
				Host:     host,
				Port:     port,
				Attempts: attempts,
				Elapsed:  time.Since(started),
			}
		}
		// shorten the last sleep so a port opening inside the final
		// interval still gets probed
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// AllocatePort asks the kernel for a currently free TCP port. There is
// a small race between allocation and actual use, which is acceptable
// for the purpose of handing fresh ports to spawned test services.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("portwait: allocating port: %w", err)
	}
	defer func() {
		_ = l.Close()
	}()
	return l.Addr().(*net.TCPAddr).Port, nil
}
