//go:build unix

package service

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child into its own process group, so signals
// reach grandchildren which may hold the output pipes open.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group of pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
