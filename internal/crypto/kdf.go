package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// SaltSize is the size of the per-installation salt.
const SaltSize = 16

const rawKeySize = 32

type KDFAlgo string

const (
	KDFScrypt   KDFAlgo = "scrypt"
	KDFPBKDF2   KDFAlgo = "pbkdf2-sha256"
	KDFArgon2id KDFAlgo = "argon2id"
)

// KDFParams selects the password hashing function and its cost. All devices
// sharing one remote store must use the same parameters.
type KDFParams struct {
	Algo KDFAlgo `json:"algo" yaml:"algo"`

	// scrypt
	N int `json:"n,omitempty" yaml:"scrypt_n"`
	R int `json:"r,omitempty" yaml:"scrypt_r"`
	P int `json:"p,omitempty" yaml:"scrypt_p"`

	// pbkdf2
	Iterations int `json:"iterations,omitempty" yaml:"pbkdf2_iterations"`

	// argon2id
	M       uint32 `json:"m,omitempty" yaml:"argon_m"`
	T       uint32 `json:"t,omitempty" yaml:"argon_t"`
	Threads uint8  `json:"threads,omitempty" yaml:"argon_p"`
}

func DefaultKDF() KDFParams {
	return KDFParams{Algo: KDFScrypt, N: 32768, R: 8, P: 1}
}

// LegacyKDF is the PBKDF2 profile kept for stores created by older clients.
func LegacyKDF() KDFParams {
	return KDFParams{Algo: KDFPBKDF2, Iterations: 256 * 1024}
}

// DesktopKDF is the argon2id profile used when a config names argon2id
// without costs.
func DesktopKDF() KDFParams {
	return KDFParams{Algo: KDFArgon2id, M: 256 * 1024, T: 3, Threads: 4}
}

// FastKDF is a deliberately cheap scrypt profile. Only tests should use it.
func FastKDF() KDFParams {
	return KDFParams{Algo: KDFScrypt, N: 1024, R: 8, P: 1}
}

func (p KDFParams) Validate() error {
	switch p.Algo {
	case KDFScrypt:
		if p.N < 2 || p.N&(p.N-1) != 0 || p.R <= 0 || p.P <= 0 {
			return fmt.Errorf("crypto: invalid scrypt parameters n=%d r=%d p=%d", p.N, p.R, p.P)
		}
	case KDFPBKDF2:
		if p.Iterations <= 0 {
			return fmt.Errorf("crypto: invalid pbkdf2 iterations %d", p.Iterations)
		}
	case KDFArgon2id:
		if p.M == 0 || p.T == 0 || p.Threads == 0 {
			return fmt.Errorf("crypto: invalid argon2id parameters m=%d t=%d p=%d", p.M, p.T, p.Threads)
		}
	default:
		return fmt.Errorf("crypto: unknown kdf %q", p.Algo)
	}
	return nil
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// deriveRaw runs the slow password hash. The caller owns and zeroes the result.
func deriveRaw(password, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("crypto: empty salt")
	}
	switch p.Algo {
	case KDFPBKDF2:
		return pbkdf2.Key(password, salt, p.Iterations, rawKeySize, sha256.New), nil
	case KDFArgon2id:
		return argon2.IDKey(password, salt, p.T, p.M, p.Threads, rawKeySize), nil
	default:
		return scrypt.Key(password, salt, p.N, p.R, p.P, rawKeySize)
	}
}

func EncodeSalt(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeSalt(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed salt: %w", err)
	}
	return b, nil
}
