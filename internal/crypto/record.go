package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// GCM standard nonce size.
const ivSize = 12

var (
	// ErrDecryptionFailed means the authentication tag did not verify: wrong
	// key, corrupted data or a foreign ciphertext.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	ErrMalformedRecord  = errors.New("crypto: malformed record")
)

// Record is one encrypted value. Its string form is base64(iv) "_"
// base64(ciphertext||tag).
type Record struct {
	IV         []byte
	Ciphertext []byte
}

func (r Record) String() string {
	return base64.StdEncoding.EncodeToString(r.IV) + "_" + base64.StdEncoding.EncodeToString(r.Ciphertext)
}

func ParseRecord(s string) (Record, error) {
	ivPart, ctPart, ok := strings.Cut(s, "_")
	if !ok {
		return Record{}, ErrMalformedRecord
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != ivSize {
		return Record{}, ErrMalformedRecord
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return Record{}, ErrMalformedRecord
	}
	return Record{IV: iv, Ciphertext: ct}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: record key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV.
func Encrypt(key, plaintext []byte) (Record, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Record{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Record{}, err
	}
	return Record{IV: iv, Ciphertext: aead.Seal(nil, iv, plaintext, nil)}, nil
}

func Decrypt(key []byte, r Record) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(r.IV) != ivSize || len(r.Ciphertext) < aead.Overhead() {
		return nil, ErrMalformedRecord
	}
	pt, err := aead.Open(nil, r.IV, r.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// EncryptString and DecryptString work on the persisted string form.
func EncryptString(key []byte, plaintext string) (string, error) {
	r, err := Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

func DecryptString(key []byte, s string) (string, error) {
	r, err := ParseRecord(s)
	if err != nil {
		return "", err
	}
	pt, err := Decrypt(key, r)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
