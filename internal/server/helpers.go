package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pfpvault/internal/auth"
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func tooMany(w http.ResponseWriter, wait time.Duration) {
	if secs := int(math.Ceil(wait.Seconds())); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

var (
	reUpper = regexp.MustCompile(`[A-Z]`)
	reLower = regexp.MustCompile(`[a-z]`)
	reDigit = regexp.MustCompile(`[0-9]`)
	reSym   = regexp.MustCompile(`[^A-Za-z0-9]`)
)

func validatePassword(pw string) error {
	switch {
	case len(pw) < 12:
		return errors.New("password must be at least 12 characters")
	case strings.Contains(pw, " "):
		return errors.New("password must not contain spaces")
	case !reUpper.MatchString(pw):
		return errors.New("password must include an uppercase letter")
	case !reLower.MatchString(pw):
		return errors.New("password must include a lowercase letter")
	case !reDigit.MatchString(pw):
		return errors.New("password must include a digit")
	case !reSym.MatchString(pw):
		return errors.New("password must include a special character")
	default:
		return nil
	}
}

// etag quotes a revision; parseETag undoes it and drops a weak prefix.
func etag(rev string) string { return `"` + rev + `"` }

func parseETag(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "W/")
	return strings.Trim(h, `"`)
}

func roleNames(rs []auth.Role) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
