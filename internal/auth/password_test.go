package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArgon = ArgonParams{Memory: 1024, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword(testArgon, "Password123!")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$m=1024,t=1,p=1$")

	ok, err := VerifyPassword("Password123!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("password123!", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	for _, h := range []string{
		"invalid-hash-format",
		"argon2id$m=1,t=1,p=1$AAAA$AAAA",
		"$argon2i$v=19$m=1,t=1,p=1$AAAA$AAAA",
		"$argon2id$v=16$m=1,t=1,p=1$AAAA$AAAA",
		"$argon2id$v=19$m=1,t=1,p=1$AAAA$",
	} {
		ok, err := VerifyPassword("x", h)
		assert.ErrorIs(t, err, ErrInvalidHash, h)
		assert.False(t, ok)
	}
}

func TestNeedsRehash(t *testing.T) {
	hash, err := HashPassword(testArgon, "pw")
	require.NoError(t, err)
	assert.False(t, NeedsRehash(hash, testArgon))
	assert.True(t, NeedsRehash(hash, DefaultArgon))
	assert.True(t, NeedsRehash("garbage", testArgon))
}
