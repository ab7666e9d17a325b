package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key size used for every record.
const KeySize = 32

const (
	infoEncryption = "pfp/master/encryption/v1"
	infoVerifier   = "pfp/master/verifier/v1"
	infoTokenSeal  = "pfp/sync/token/v1"
)

var ErrEmptyPassword = errors.New("crypto: empty master password")

// MasterKey is the in-memory result of deriving the master password. The
// encryption key and the verifier are independent HKDF outputs of one slow
// KDF run, so storing the verifier reveals nothing about the key.
type MasterKey struct {
	buf     []byte // encryption key || verifier, mlocked where supported
	mlocked bool
	salt    []byte
	params  KDFParams
}

func DeriveMasterKey(password, salt []byte, p KDFParams) (*MasterKey, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	raw, err := deriveRaw(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer Zero(raw)

	buf := make([]byte, 2*KeySize)
	if err := expand(raw, salt, infoEncryption, buf[:KeySize]); err != nil {
		return nil, err
	}
	if err := expand(raw, salt, infoVerifier, buf[KeySize:]); err != nil {
		Zero(buf)
		return nil, err
	}
	k := &MasterKey{buf: buf, salt: append([]byte(nil), salt...), params: p}
	k.mlocked = pin(buf)
	return k, nil
}

// NewMasterKeyFromBytes wraps an already derived encryption key, used when
// unwrapping a previous key after a password change. It has no verifier.
func NewMasterKeyFromBytes(encKey []byte) (*MasterKey, error) {
	if len(encKey) != KeySize {
		return nil, errors.New("crypto: bad key length")
	}
	buf := make([]byte, 2*KeySize)
	copy(buf, encKey)
	k := &MasterKey{buf: buf}
	k.mlocked = pin(buf)
	return k, nil
}

func expand(secret, salt []byte, info string, out []byte) error {
	_, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out)
	return err
}

func (k *MasterKey) EncryptionKey() []byte { return k.buf[:KeySize] }

func (k *MasterKey) Verifier() []byte { return append([]byte(nil), k.buf[KeySize:]...) }

func (k *MasterKey) Salt() []byte { return append([]byte(nil), k.salt...) }

func (k *MasterKey) Params() KDFParams { return k.params }

// Matches compares the stored verifier in constant time.
func (k *MasterKey) Matches(verifier []byte) bool {
	if k == nil || len(verifier) != KeySize {
		return false
	}
	return subtle.ConstantTimeCompare(k.buf[KeySize:], verifier) == 1
}

func (k *MasterKey) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	Zero(k.buf)
	if k.mlocked {
		unpin(k.buf)
	}
	k.buf = nil
}

// Clone returns an independent copy that must be destroyed separately.
func (k *MasterKey) Clone() *MasterKey {
	buf := append([]byte(nil), k.buf...)
	c := &MasterKey{buf: buf, salt: k.Salt(), params: k.params}
	c.mlocked = pin(buf)
	return c
}

// Destroyed reports whether Destroy has been called.
func (k *MasterKey) Destroyed() bool { return k == nil || k.buf == nil }

// NewSecret returns n random bytes, used for the hmac and sync secrets.
func NewSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// TokenKey derives the key that seals the sync provider token at rest. It is
// bound to the installation's hmac secret, which survives password changes.
func TokenKey(hmacSecret []byte) ([]byte, error) {
	out := make([]byte, KeySize)
	if err := expand(hmacSecret, nil, infoTokenSeal, out); err != nil {
		return nil, err
	}
	return out, nil
}
