//go:build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// shutdownSignals stop the daemon and the worker
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// detach puts cmd in its own session so it outlives the invoking shell
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
