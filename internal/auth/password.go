package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type ArgonParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

var DefaultArgon = ArgonParams{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

var ErrInvalidHash = errors.New("invalid password hash")

// HashPassword returns a PHC string:
// $argon2id$v=19$m=<M>,t=<T>,p=<P>$<salt>$<key>
func HashPassword(p ArgonParams, password string) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type decodedHash struct {
	params ArgonParams
	salt   []byte
	key    []byte
}

func decodeHash(encoded string) (*decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrInvalidHash
	}
	var d decodedHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.params.Memory, &d.params.Time, &d.params.Parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	var err error
	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrInvalidHash
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(d.key) == 0 {
		return nil, ErrInvalidHash
	}
	d.params.SaltLen = len(d.salt)
	d.params.KeyLen = uint32(len(d.key))
	return &d, nil
}

func VerifyPassword(password, encoded string) (bool, error) {
	d, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	p := d.params
	key := argon2.IDKey([]byte(password), d.salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return subtle.ConstantTimeCompare(key, d.key) == 1, nil
}

// NeedsRehash reports whether encoded was made with weaker parameters than p.
func NeedsRehash(encoded string, p ArgonParams) bool {
	d, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return d.params.Memory < p.Memory || d.params.Time < p.Time || d.params.KeyLen < p.KeyLen
}
