package auth

import "time"

type Role string

const (
	// RoleSync may read and replace its own objects.
	RoleSync Role = "sync"
	// RoleReader may only read, e.g. a backup job.
	RoleReader Role = "reader"
)

type Claims struct {
	Sub       string `json:"sub"` // account name
	Roles     []Role `json:"roles"`
	TokenID   string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

func (c *Claims) Has(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type AuthorizeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthorizeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
