//go:build windows

package service

import (
	"os"
	"os/exec"
	"syscall"
)

// No process groups on windows, signal the child only.
func setProcGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
