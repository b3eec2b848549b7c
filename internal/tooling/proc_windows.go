//go:build windows

package tooling

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
