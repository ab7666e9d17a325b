package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTSigner issues the bearer tokens handed to sync clients.
type JWTSigner struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	Iss  string
	TTL  time.Duration
}

type tokenClaims struct {
	Roles []Role `json:"roles"`
	jwt.RegisteredClaims
}

func NewJWTSigner(priv ed25519.PrivateKey, iss string, ttl time.Duration) *JWTSigner {
	pub := priv.Public().(ed25519.PublicKey)
	return &JWTSigner{Priv: priv, Pub: pub, Iss: iss, TTL: ttl}
}

func GenerateEd25519() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// LoadOrCreateKey reads a PKCS#8 PEM signing key, creating one on first use
// so that issued tokens survive a restart.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, errors.New("signing key: no PEM block")
		}
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("signing key: not ed25519")
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err := GenerateEd25519()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

func (s *JWTSigner) IssueToken(sub string, roles []Role) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.TTL)
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Iss,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	ss, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.Priv)
	return ss, exp, err
}

func (s *JWTSigner) ParseAndValidate(tokenStr string) (*Claims, error) {
	var claims tokenClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return s.Pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.Iss),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	out := &Claims{
		Sub:     claims.Subject,
		Roles:   claims.Roles,
		TokenID: claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	out.ExpiresAt = claims.ExpiresAt.Unix()
	return out, nil
}
