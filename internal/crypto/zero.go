package crypto

import "crypto/subtle"

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Equal compares two secrets in constant time.
func Equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
