package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalIsSortedArray(t *testing.T) {
	b, err := canonical(3, map[string]string{"site:b": "2", "salt": "<s>", "hmac-secret": "1"})
	require.NoError(t, err)
	assert.Equal(t, `[3,["hmac-secret","1"],["salt","<s>"],["site:b","2"]]`, string(b))
}

func TestSignVerify(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	data := map[string]string{"salt": "a", "site:x": "b"}
	sig, err := Sign(secret, 7, data)
	require.NoError(t, err)

	assert.True(t, Verify(secret, 7, data, sig))
	assert.False(t, Verify(secret, 8, data, sig), "revision is covered")
	assert.False(t, Verify([]byte("other"), 7, data, sig))
	assert.False(t, Verify(secret, 7, map[string]string{"salt": "a", "site:x": "c"}, sig))
	assert.False(t, Verify(secret, 7, map[string]string{"salt": "a"}, sig))
	assert.False(t, Verify(secret, 7, data, "not base64!"))
}
