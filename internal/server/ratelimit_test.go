package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestMultiLimiterAllow(t *testing.T) {
	ml := newMultiLimiter(rate.Limit(2), 2, time.Minute)
	ok, _ := ml.allow("a")
	assert.True(t, ok)
	ok, _ = ml.allow("a")
	assert.True(t, ok)
	ok, wait := ml.allow("a")
	assert.False(t, ok, "burst exhausted")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	ok, _ = ml.allow("b")
	assert.True(t, ok, "keys are independent")
}

func TestPerWindow(t *testing.T) {
	assert.InDelta(t, 0.5, float64(perWindow(30, time.Minute)), 1e-9)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "10.0.0.1", getClientIP(r, false))
	assert.Equal(t, "1.2.3.4", getClientIP(r, true))
}
