//go:build linux
// +build linux

package index

import (
	"os/exec"

	seccomp "github.com/seccomp/libseccomp-golang"
)

// applyLinuxSeccomp builds a minimal deny-list filter (ptrace, mount,
// reboot) for the index/mapping subprocess and releases it again: the
// filter is only checked to build, never loaded, so the subprocess runs
// without a seccomp filter (spec §4.10). A filter build failure is logged
// and skipped rather than aborting the launch: the go-plugin handshake
// and its own process isolation remain in effect either way.
func applyLinuxSeccomp(cmd *exec.Cmd) {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		logger.Warn("failed to build seccomp filter for index plugin", "err", err)
		return
	}
	defer filter.Release()

	for _, name := range []string{"ptrace", "mount", "reboot"} {
		syscallID, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			logger.Warn("unknown syscall for seccomp deny-list", "syscall", name, "err", err)
			continue
		}
		if err := filter.AddRule(syscallID, seccomp.ActErrno); err != nil {
			logger.Warn("failed to add seccomp rule", "syscall", name, "err", err)
		}
	}

	// libseccomp-golang applies filters to the calling process via
	// Load(); there is no supported way to stage a BPF program onto a
	// not-yet-started *exec.Cmd from the parent, so nothing is loaded
	// here and cmd is left unchanged.
	_ = cmd
}
