package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User is a sync account. Objects are namespaced by Username.
type User struct {
	Username string
	PassHash string // argon2id PHC string
	Roles    []Role
	Disabled bool
}

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	Add(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, username, newHash string) error
}

// NormalizeUsername trims and lower-cases account names.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type MemoryUserStore struct {
	mu         sync.RWMutex
	byUsername map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byUsername: map[string]*User{}}
}

func (s *MemoryUserStore) Add(_ context.Context, u *User) error {
	if u == nil {
		return errors.New("user is nil")
	}
	name := NormalizeUsername(u.Username)
	if name == "" {
		return errors.New("username is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[name]; exists {
		return ErrUserExists
	}
	clone := *u
	clone.Username = name
	clone.Roles = append([]Role(nil), u.Roles...)
	s.byUsername[name] = &clone
	return nil
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, username, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byUsername[NormalizeUsername(username)]
	if !ok {
		return ErrUserNotFound
	}
	u.PassHash = newHash
	return nil
}

func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byUsername[NormalizeUsername(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	clone.Roles = append([]Role(nil), u.Roles...)
	return &clone, nil
}
