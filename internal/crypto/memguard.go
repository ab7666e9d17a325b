//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// pin keeps key material out of swap. It reports whether b was locked and
// has to be unpinned before it is released.
func pin(b []byte) bool {
	return len(b) > 0 && unix.Mlock(b) == nil
}

func unpin(b []byte) { _ = unix.Munlock(b) }
