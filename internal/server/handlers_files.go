package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"pfpvault/internal/auth"
)

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if ok, wait := s.rlFilesIP.allow(getClientIP(r, s.cfg.TrustProxy)); !ok {
		tooMany(w, wait)
		return
	}
	path, ok := cleanPath(strings.TrimPrefix(r.URL.Path, "/api/files"))
	if !ok {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !claims.Has(auth.RoleSync) && !claims.Has(auth.RoleReader) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		s.getFile(w, r, claims.Sub, path)
	case http.MethodPut:
		auth.RequireRole(auth.RoleSync)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.putFile(w, r, claims.Sub, path)
		})).ServeHTTP(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, user, path string) {
	obj, err := s.objects.get(r.Context(), user, path)
	if err != nil {
		s.log.WithError(err).Error("object read failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if obj == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", etag(obj.Revision))
	if parseETag(r.Header.Get("If-None-Match")) == obj.Revision {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Body)
}

func (s *Server) putFile(w http.ResponseWriter, r *http.Request, user, path string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxObjectSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	ifMatch := parseETag(r.Header.Get("If-Match"))
	ifNoneMatch := strings.TrimSpace(r.Header.Get("If-None-Match")) == "*"

	rev, err := s.objects.put(r.Context(), user, path, body, ifMatch, ifNoneMatch)
	if errors.Is(err, errPrecondition) {
		s.log.WithFields(logrus.Fields{"user": user, "path": path}).Debug("conditional put rejected")
		http.Error(w, "revision mismatch", http.StatusPreconditionFailed)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("object write failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", etag(rev))
	w.WriteHeader(http.StatusNoContent)
}
