//go:build linux && cgo

package main

import (
	"fmt"
	"runtime"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// defaultDenySyscalls are refused with EPERM once the runtime is locked down.
// None of them is needed to serve modules.
var defaultDenySyscalls = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"kexec_load", "kexec_file_load", "init_module", "finit_module", "delete_module",
	"mount", "umount2", "pivot_root", "chroot", "swapon", "swapoff", "reboot",
	"bpf", "perf_event_open", "userfaultfd",
	"keyctl", "add_key", "request_key",
	"unshare", "setns",
}

// applyLockdown installs an allow-by-default seccomp filter that refuses the
// deny-list on every thread of the process, after setting no_new_privs.
func applyLockdown(cfg SecurityConfig) error {
	if !cfg.Lockdown {
		return nil
	}
	names := cfg.DenySyscalls
	if len(names) == 0 {
		names = defaultDenySyscalls
	}

	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	if err := filter.SetTsync(true); err != nil {
		return fmt.Errorf("enable seccomp tsync: %w", err)
	}
	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range names {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// not present on this architecture
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			return fmt.Errorf("add seccomp rule %s: %w", name, err)
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
