// Package ids mints opaque identifiers and validates the user-facing
// strings (usernames, channel names, chat text, emails) that enter the
// system at its boundaries: trim, length-check, then a character-class
// pass.
package ids

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// New mints an opaque identifier for any entity (account, channel, message,
// connection, voice/stream session, ...).
func New() string {
	return uuid.NewString()
}

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateChannelName enforces the §3 Channel.name shape: 2..63 chars,
// [A-Za-z0-9_-]+.
func ValidateChannelName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) < 2 || len(name) > 63 {
		return fmt.Errorf("channel name must be 2-63 characters")
	}
	if !channelNameRe.MatchString(name) {
		return fmt.Errorf("channel name may only contain letters, digits, underscore and hyphen")
	}
	return nil
}

// ValidateUsername enforces the §3 Account.username shape: a lowercase
// email, at most 254 characters.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 254 {
		return fmt.Errorf("username must be 1-254 characters")
	}
	if username != strings.ToLower(username) {
		return fmt.Errorf("username must be lowercase")
	}
	if _, err := mail.ParseAddress(username); err != nil {
		return fmt.Errorf("username must be a valid email address")
	}
	return nil
}

// ValidatePassword enforces the §4.1 password bound: P_MIN..128.
const PasswordMin = 8

func ValidatePassword(password string) error {
	if len(password) < PasswordMin || len(password) > 128 {
		return fmt.Errorf("password must be %d-128 characters", PasswordMin)
	}
	return nil
}

// ValidateDisplayName enforces the §3 Account.display_name shape: 1..50,
// printable (no control characters — unicode-aware, not ASCII-only).
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	runes := []rune(name)
	if len(runes) < 1 || len(runes) > 50 {
		return fmt.Errorf("display name must be 1-50 characters")
	}
	for _, r := range runes {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name must not contain control characters")
		}
	}
	return nil
}

// SanitizeChatText trims, strips '<' and '>' (per §4.5 Chat) and enforces
// the caller-supplied max length M.
func SanitizeChatText(text string, maxLen int) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, text)
	runes := []rune(text)
	if len(runes) == 0 {
		return "", fmt.Errorf("message text must not be empty")
	}
	if len(runes) > maxLen {
		return "", fmt.Errorf("message text exceeds maximum length of %d", maxLen)
	}
	return text, nil
}

// FormatStreamKey embeds token into a legacy-compatible channel-name-plus-key
// string, e.g. "cam1+<token>", per §4.7's "truncate at the first + or ?".
func FormatStreamKey(channelName, token string) string {
	return channelName + "+" + token
}

// ExtractStreamKeyToken is the inverse of FormatStreamKey: it truncates the
// input at the first '+' or '?' and returns (channelName, token, ok). ok is
// false when no separator is present (no embedded key). This realizes the
// §8 round-trip property 7: ExtractStreamKeyToken(FormatStreamKey(n, t)) ==
// (n, t, true) for all legal (n, t).
//
// Whether '+' must be URL-encoded by the caller is resolved by treating the
// raw string as already decoded by the HTTP layer (net/url query/body
// decoding turns "+" into a space only inside application/x-www-form-urlencoded
// values, never in a JSON body or a path segment) — see DESIGN.md.
func ExtractStreamKeyToken(raw string) (channelName, token string, ok bool) {
	if idx := strings.IndexAny(raw, "+?"); idx >= 0 {
		return raw[:idx], raw[idx+1:], true
	}
	return raw, "", false
}
