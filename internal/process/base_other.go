//go:build !linux

package process

import "os/exec"

// configureSysProcAttr is a no-op outside Linux; Pdeathsig is a
// Linux-only kernel feature.
func configureSysProcAttr(_ *exec.Cmd) {}
