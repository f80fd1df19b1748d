// Package accounts implements C2, the account store: durable identities,
// password verification, session issuance, role assignment and the
// enable/disable lifecycle of §4.1.
package accounts

import "time"

// Role is one of the five roles named in §3. Roles are ordered by
// privilege level for the escalation check in §4.4.
type Role string

const (
	RoleSuperuser Role = "superuser"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleStreamer  Role = "streamer"
	RoleUser      Role = "user"
)

// roleLevel orders roles for the privilege-escalation rule in §4.4: the
// caller's highest level must be >= the target's highest current level and
// >= the highest role being assigned.
var roleLevel = map[Role]int{
	RoleSuperuser: 4,
	RoleAdmin:     3,
	RoleModerator: 2,
	RoleStreamer:  1,
	RoleUser:      0,
}

// Level returns the privilege rank of a role set (the max over its members).
func Level(roles []Role) int {
	best := -1
	for _, r := range roles {
		if l, ok := roleLevel[r]; ok && l > best {
			best = l
		}
	}
	return best
}

// Has reports whether roles contains target.
func Has(roles []Role, target Role) bool {
	for _, r := range roles {
		if r == target {
			return true
		}
	}
	return false
}

// Status is the §3 Account.status field.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Account is the durable identity of §3.
type Account struct {
	ID               string
	Username         string // lowercase email, unique
	PasswordVerifier string // opaque bcrypt hash — never serialized outward
	DisplayName      string
	Roles            []Role
	Status           Status
	DisabledReason   string
	Email            string
	Bio              string
	AvatarURL        string
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PublicView strips the verifier for anything that crosses a protocol
// boundary.
type PublicView struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	DisplayName string            `json:"displayName"`
	Roles       []Role            `json:"roles"`
	Status      Status            `json:"status"`
	Email       string            `json:"email,omitempty"`
	Bio         string            `json:"bio,omitempty"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func (a *Account) Public() PublicView {
	return PublicView{
		ID: a.ID, Username: a.Username, DisplayName: a.DisplayName,
		Roles: a.Roles, Status: a.Status, Email: a.Email, Bio: a.Bio,
		AvatarURL: a.AvatarURL, Metadata: a.Metadata, CreatedAt: a.CreatedAt,
	}
}

// Session is the §3 Session: proof of account identity for a connection.
type Session struct {
	Token      string // the jti claim embedded in the signed JWT
	AccountID  string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Ban is the §3 Ban record.
type Ban struct {
	AccountID string
	Reason    string
	BannedBy  string
	BannedAt  time.Time
	ExpiresAt *time.Time // nil = permanent
}

func (b *Ban) Active(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}
