// Package server is the self-hosted sync object store: clients authorize with
// an account password, then read and conditionally replace opaque blobs.
package server

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pfpvault/internal/auth"
	"pfpvault/internal/storage"
)

type Server struct {
	cfg Config

	mux     *http.ServeMux
	signer  *auth.JWTSigner
	users   auth.UserStore
	objects *objectStore
	log     *logrus.Entry

	rlAuthIP   *multiLimiter
	rlAuthUser *multiLimiter
	rlFilesIP  *multiLimiter
}

// Deps are the collaborators chosen by the daemon's configuration.
type Deps struct {
	Users   auth.UserStore
	Objects storage.Backend
	Key     ed25519.PrivateKey
	Logger  *logrus.Logger
}

func New(ctx context.Context, cfg Config, d Deps) (*Server, error) {
	cfg.setDefaults()
	if d.Users == nil {
		return nil, errors.New("server: user store required")
	}
	if d.Objects == nil {
		return nil, errors.New("server: object backend required")
	}
	key := d.Key
	if key == nil {
		var err error
		if key, _, err = auth.GenerateEd25519(); err != nil {
			return nil, err
		}
	}
	logger := d.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		signer:  auth.NewJWTSigner(key, cfg.JWTIssuer, cfg.TokenTTL),
		users:   d.Users,
		objects: &objectStore{backend: d.Objects},
		log:     logger.WithField("component", "server"),

		rlAuthIP:   newMultiLimiter(perWindow(10, time.Minute), 10, time.Hour),
		rlAuthUser: newMultiLimiter(perWindow(5, time.Minute), 5, time.Hour),
		rlFilesIP:  newMultiLimiter(perWindow(120, time.Minute), 30, 10*time.Minute),
	}

	if err := s.ensureSeedUsers(ctx); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithField("path", r.URL.Path).Errorf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	s.addDefaultHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/") && !s.isPublic(path):
		auth.AuthRequired(s.signer)(s.mux).ServeHTTP(sw, r)
	default:
		s.mux.ServeHTTP(sw, r)
	}
	s.log.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     path,
		"status":   sw.status,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("request")
}

func (s *Server) Handler() http.Handler {
	return s
}

func (s *Server) isPublic(path string) bool {
	switch path {
	case "/health", "/api/health", "/api/authorize":
		return true
	default:
		return false
	}
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-Match, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "ETag")
	w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,POST,OPTIONS")
	w.Header().Set("Cache-Control", "no-store")
}

func (s *Server) ensureSeedUsers(ctx context.Context) error {
	for _, seed := range s.cfg.SeedUsers {
		if strings.TrimSpace(seed.Username) == "" || seed.Password == "" {
			continue
		}
		if _, err := s.users.FindByUsername(ctx, seed.Username); err == nil {
			continue
		} else if !errors.Is(err, auth.ErrUserNotFound) {
			return err
		}
		hash, err := auth.HashPassword(s.cfg.Argon, seed.Password)
		if err != nil {
			return err
		}
		roles := seed.Roles
		if len(roles) == 0 {
			roles = []auth.Role{auth.RoleSync}
		}
		user := &auth.User{Username: seed.Username, PassHash: hash, Roles: roles}
		if err := s.users.Add(ctx, user); err != nil && !errors.Is(err, auth.ErrUserExists) {
			return err
		}
		s.log.WithFields(logrus.Fields{"user": auth.NormalizeUsername(seed.Username), "roles": roleNames(roles)}).Info("seeded user")
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
