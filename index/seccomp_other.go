//go:build !linux
// +build !linux

package index

import "os/exec"

// applyLinuxSeccomp is unreachable on non-Linux build targets (guarded by
// the runtime.GOOS check in applySandbox); this stub only exists so the
// package builds there too.
func applyLinuxSeccomp(cmd *exec.Cmd) {}
