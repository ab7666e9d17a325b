package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"pfpvault/internal/auth"
)

type changePasswordReq struct {
	Current string `json:"current"`
	Next    string `json:"next"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := getClientIP(r, s.cfg.TrustProxy)
	if ok, wait := s.rlAuthIP.allow(ip); !ok {
		tooMany(w, wait)
		return
	}

	var req auth.AuthorizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	username := auth.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}
	if ok, wait := s.rlAuthUser.allow(username); !ok {
		tooMany(w, wait)
		return
	}

	user, err := s.users.FindByUsername(r.Context(), username)
	if err != nil || user.Disabled {
		s.log.WithFields(logrus.Fields{"user": username, "ip": ip}).Warn("authorize rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	ok, err := auth.VerifyPassword(req.Password, user.PassHash)
	if err != nil || !ok {
		s.log.WithFields(logrus.Fields{"user": username, "ip": ip}).Warn("authorize rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if auth.NeedsRehash(user.PassHash, s.cfg.Argon) {
		if hash, err := auth.HashPassword(s.cfg.Argon, req.Password); err == nil {
			if err := s.users.UpdatePassword(r.Context(), username, hash); err != nil {
				s.log.WithError(err).Warn("password rehash failed")
			}
		}
	}

	tok, exp, err := s.signer.IssueToken(user.Username, user.Roles)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	s.log.WithField("user", username).Info("token issued")
	writeJSON(w, auth.AuthorizeResponse{Token: tok, ExpiresAt: exp})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	if ok, wait := s.rlAuthUser.allow(claims.Sub); !ok {
		tooMany(w, wait)
		return
	}
	var req changePasswordReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validatePassword(req.Next); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Current == req.Next {
		http.Error(w, "new password must differ", http.StatusBadRequest)
		return
	}

	user, err := s.users.FindByUsername(r.Context(), claims.Sub)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if ok, err := auth.VerifyPassword(req.Current, user.PassHash); err != nil || !ok {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	hash, err := auth.HashPassword(s.cfg.Argon, req.Next)
	if err != nil {
		http.Error(w, "hash failed", http.StatusInternalServerError)
		return
	}
	if err := s.users.UpdatePassword(r.Context(), user.Username, hash); err != nil {
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	s.log.WithField("user", user.Username).Info("account password changed")
	w.WriteHeader(http.StatusNoContent)
}
