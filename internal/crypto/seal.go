package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// SealX encrypts small secrets kept at rest outside the record namespace
// (the sync provider token). Layout: nonce || ciphertext, base64 encoded.
func SealX(key, plaintext, aad []byte) (string, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(out), nil
}

func OpenX(key []byte, sealed string, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrMalformedRecord
	}
	if len(raw) < xchacha.NonceSizeX+aead.Overhead() {
		return nil, errors.New("crypto: sealed value too short")
	}
	pt, err := aead.Open(nil, raw[:xchacha.NonceSizeX], raw[xchacha.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
