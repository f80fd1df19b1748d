package notify

import (
	"context"
	"testing"
)

func TestNoopMailerAlwaysSucceeds(t *testing.T) {
	var m Mailer = NoopMailer{}
	if err := m.SendPasswordReset(context.Background(), "someone@example.com", "tok-123"); err != nil {
		t.Fatalf("expected NoopMailer to never fail, got %v", err)
	}
}

func TestNewResendMailerSatisfiesMailer(t *testing.T) {
	m := NewResendMailer("test-api-key", "noreply@example.com", "https://example.com")
	if m == nil {
		t.Fatal("expected a non-nil Mailer")
	}
}
