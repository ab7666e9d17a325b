//go:build linux

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDisableCoreDumps(t *testing.T) {
	require.NoError(t, DisableCoreDumps())
	var rlim unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_CORE, &rlim))
	assert.Zero(t, rlim.Cur)

	dumpable, err := unix.PrctlRetInt(unix.PR_GET_DUMPABLE, 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, dumpable)
}
