package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"socket address", "10.0.0.5:52311", "", "10.0.0.5"},
		{"forwarded chain uses first hop", "10.0.0.5:52311", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"garbage forwarded header", "10.0.0.5:52311", "not-an-ip", "10.0.0.5"},
		{"no port", "10.0.0.7", "", "10.0.0.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := clientIP(r); got != tc.want {
				t.Fatalf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimiterIsPerClient(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.RemoteAddr = "10.0.0.1:1000"
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.RemoteAddr = "10.0.0.2:1000"

	if !limiter.Allow(a) || limiter.Allow(a) {
		t.Fatalf("expected first request allowed and second limited for client a")
	}
	if !limiter.Allow(b) {
		t.Fatalf("client b has its own bucket")
	}
}

func TestDisabledRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(0, 10)
	if limiter != nil {
		t.Fatalf("expected nil limiter when rps is zero")
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 100; i++ {
		if !limiter.Allow(r) {
			t.Fatalf("nil limiter must allow everything")
		}
	}
}

func TestEvictIdle(t *testing.T) {
	limiter := NewRateLimiter(5, 5)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	limiter.Allow(r)

	if n := limiter.evictIdle(time.Now()); n != 0 {
		t.Fatalf("fresh bucket evicted")
	}
	if n := limiter.evictIdle(time.Now().Add(limiter.idleTTL + time.Second)); n != 1 {
		t.Fatalf("expected idle bucket eviction, got %d", n)
	}
}
