//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr sets Linux-specific attributes on cmd. Pdeathsig
// delivers SIGTERM to the instance when the test binary dies abruptly,
// so a killed test run does not orphan database processes.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}
