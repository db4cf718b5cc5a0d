//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detach puts cmd in its own session so it survives the MCP host.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
