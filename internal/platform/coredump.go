//go:build linux

// Package platform hardens the process that holds the master key.
package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps keeps key material out of core files and stops other
// processes of the same user from attaching with ptrace.
func DisableCoreDumps() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}
