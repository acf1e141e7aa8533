package service

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("service: already started")
	ErrNotStarted     = errors.New("service: not started")
)

// ExitedEarlyError reports a child that exited before it was declared
// running, regardless of which readiness phase was in progress.
type ExitedEarlyError struct {
	ExitCode int
	Output   []string
}

func (e *ExitedEarlyError) Error() string {
	return fmt.Sprintf("service: process exited early with code %d%s",
		e.ExitCode, formatOutput(e.Output))
}

// MarkerTimeoutError reports that the expected output marker never
// appeared within the phase budget.
type MarkerTimeoutError struct {
	Marker  string
	Elapsed time.Duration
	Output  []string
}

func (e *MarkerTimeoutError) Error() string {
	return fmt.Sprintf("service: marker %q not seen after %s%s",
		e.Marker, e.Elapsed.Round(time.Millisecond), formatOutput(e.Output))
}

// PortWaitError annotates a port readiness failure with the captured
// output and, where available, the ports something actually listens on.
type PortWaitError struct {
	Err       error
	Output    []string
	Listeners []netip.AddrPort
}

func (e *PortWaitError) Error() string {
	var sb strings.Builder
	sb.WriteString("service: ")
	sb.WriteString(e.Err.Error())
	if len(e.Listeners) > 0 {
		sb.WriteString("\nlocal listeners:")
		for _, ap := range e.Listeners {
			sb.WriteString(" ")
			sb.WriteString(ap.String())
		}
	}
	sb.WriteString(formatOutput(e.Output))
	return sb.String()
}

func (e *PortWaitError) Unwrap() error {
	return e.Err
}

func formatOutput(lines []string) string {
	if len(lines) == 0 {
		return "\nno output captured"
	}
	var sb strings.Builder
	sb.WriteString("\nrecent output:")
	for _, line := range lines {
		sb.WriteString("\n  ")
		sb.WriteString(line)
	}
	return sb.String()
}
