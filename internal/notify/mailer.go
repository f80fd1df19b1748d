// Package notify sends account-lifecycle email (currently just password
// reset). Mailer is the seam the account store (C2) depends on; the default
// implementation calls the Resend API.
package notify

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"
)

// Mailer delivers account-lifecycle email.
type Mailer interface {
	// SendPasswordReset emails toEmail a link embedding the plaintext reset
	// token (the store only ever persists its hash).
	SendPasswordReset(ctx context.Context, toEmail, token string) error
}

// NoopMailer discards password-reset email, for deployments without a
// Resend API key configured — RequestPasswordReset still succeeds, it just
// never delivers a link.
type NoopMailer struct{}

func (NoopMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error { return nil }

type resendMailer struct {
	client    *resend.Client
	fromEmail string
	appURL    string
}

// NewResendMailer returns a Mailer backed by the Resend API.
func NewResendMailer(apiKey, fromEmail, appURL string) Mailer {
	return &resendMailer{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		appURL:    appURL,
	}
}

func (s *resendMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	resetLink := fmt.Sprintf("%s/reset-password?token=%s", s.appURL, token)

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background-color:#111827;font-family:Arial,Helvetica,sans-serif;">
  <table width="100%%" cellpadding="0" cellspacing="0" style="padding:40px 0;">
    <tr><td align="center">
      <table width="480" cellpadding="0" cellspacing="0" style="background-color:#1f2937;border-radius:8px;padding:32px;">
        <tr><td>
          <h2 style="color:#e5e7eb;font-size:18px;margin:0 0 16px 0;">Reset your password</h2>
          <p style="color:#9ca3af;font-size:14px;line-height:1.6;">
            Click the link below to choose a new password. It expires in 20 minutes.
          </p>
          <p><a href="%s" style="color:#818cf8;">%s</a></p>
        </td></tr>
      </table>
    </td></tr>
  </table>
</body>
</html>`, resetLink, resetLink)

	_, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    fmt.Sprintf("hub <%s>", s.fromEmail),
		To:      []string{toEmail},
		Subject: "Reset your password",
		Html:    html,
	})
	if err != nil {
		return fmt.Errorf("send password reset email: %w", err)
	}
	return nil
}
