package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := New(3, time.Minute)
	defer close(rl.stopCleanup)

	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Fatal("expected the 4th attempt within the window to be rejected")
	}
}

func TestResetClearsCounter(t *testing.T) {
	rl := New(1, time.Minute)
	defer close(rl.stopCleanup)

	if !rl.Allow("key") {
		t.Fatal("expected first attempt to be allowed")
	}
	if rl.Allow("key") {
		t.Fatal("expected second attempt to be rejected before reset")
	}
	rl.Reset("key")
	if !rl.Allow("key") {
		t.Fatal("expected an attempt right after reset to be allowed again")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	rl := New(1, time.Minute)
	defer close(rl.stopCleanup)

	if !rl.Allow("alice") || !rl.Allow("bob") {
		t.Fatal("expected independent keys to each get their own budget")
	}
}

func TestExtractIPPrefersForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.2")
	if ip := ExtractIP(r); ip != "203.0.113.5" {
		t.Fatalf("expected first X-Forwarded-For entry, got %q", ip)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	r2.Header.Set("X-Real-IP", "203.0.113.9")
	if ip := ExtractIP(r2); ip != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP fallback, got %q", ip)
	}

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.RemoteAddr = "10.0.0.1:1234"
	if ip := ExtractIP(r3); ip != "10.0.0.1" {
		t.Fatalf("expected RemoteAddr host fallback, got %q", ip)
	}
}

func TestFormatRetryMessage(t *testing.T) {
	if got := FormatRetryMessage(30); got != "30 second(s)" {
		t.Fatalf("expected seconds form, got %q", got)
	}
	if got := FormatRetryMessage(90); got != "1 minute(s)" {
		t.Fatalf("expected minutes form, got %q", got)
	}
}
