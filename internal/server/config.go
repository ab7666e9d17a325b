package server

import (
	"time"

	"pfpvault/internal/auth"
)

type SeedUser struct {
	Username string
	Password string
	Roles    []auth.Role
}

type Config struct {
	JWTIssuer string
	TokenTTL  time.Duration
	// MaxObjectSize bounds PUT bodies, in bytes.
	MaxObjectSize int64
	// Argon is used for new account hashes.
	Argon     auth.ArgonParams
	SeedUsers []SeedUser
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

func (c *Config) setDefaults() {
	if c.JWTIssuer == "" {
		c.JWTIssuer = "pfpsyncd"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * 24 * time.Hour
	}
	if c.MaxObjectSize <= 0 {
		c.MaxObjectSize = 16 << 20
	}
	if c.Argon.Memory == 0 {
		c.Argon = auth.DefaultArgon
	}
}
