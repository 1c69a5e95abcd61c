//go:build windows

package executor

import "os/exec"

// setProcessGroup is a no-op on windows; terminate/kill fall back to
// killing the process directly.
func setProcessGroup(cmd *exec.Cmd) {}
