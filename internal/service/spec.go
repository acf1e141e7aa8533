package service

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMinUptime    = 100 * time.Millisecond
	DefaultCaptureLines = 50
)

// Spec is the immutable description of one supervised service. It is
// fixed once Start ran, later reconfiguration is refused.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // overrides on top of the parent environment

	Format string // logline template for structured output, optional
	Output string // marker text expected before the port phase, optional
	Port   int    // TCP port expected to open, optional
	Host   string // probe host, defaults to localhost

	Timeout      time.Duration // budget per readiness phase
	MinUptime    time.Duration // the process must stay up this long first
	CaptureLines int           // size of the diagnostic capture ring
}

// Name identifies the service in log records.
func (s Spec) Name() string {
	return filepath.Base(s.Command)
}

func (s Spec) withDefaults() Spec {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MinUptime <= 0 {
		s.MinUptime = DefaultMinUptime
	}
	if s.CaptureLines <= 0 {
		s.CaptureLines = DefaultCaptureLines
	}
	return s
}

// environ merges the overrides over the parent environment, sorted for
// determinism. Later entries win in os/exec.
func (s Spec) environ() []string {
	env := os.Environ()
	if len(s.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}
