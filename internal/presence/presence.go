// Package presence implements C5: the connection↔account mapping, the
// materialized per-connection user view, the static role→capability table,
// and voice timeouts.
package presence

import (
	"sync"
	"time"

	"github.com/mqvi-hub/server/internal/accounts"
)

// Capability names walked by HasPermission, per §4.4.
type Capability string

const (
	CanCreateChannels          Capability = "canCreateChannels"
	CanDeleteChannels          Capability = "canDeleteChannels"
	CanEditChannels            Capability = "canEditChannels"
	CanManageUsers             Capability = "canManageUsers"
	CanAssignRoles             Capability = "canAssignRoles"
	CanRegenerateKeys          Capability = "canRegenerateKeys"
	CanStreamAnywhere          Capability = "canStreamAnywhere"
	CanModerate                Capability = "canModerate"
	CanViewAllKeys             Capability = "canViewAllKeys"
	CanDeleteAnyMessage        Capability = "canDeleteAnyMessage"
	CanBanUsers                Capability = "canBanUsers"
	CanViewLogs                Capability = "canViewLogs"
	CanManageChannelPermissions Capability = "canManageChannelPermissions"
	CanDisableAccounts         Capability = "canDisableAccounts"
)

// capabilityTable is the static role→capability grant. superuser bypasses it
// entirely (see HasPermission); every other role's capabilities are the
// union over all roles the user holds.
var capabilityTable = map[accounts.Role]map[Capability]bool{
	accounts.RoleAdmin: {
		CanCreateChannels: true, CanDeleteChannels: true, CanEditChannels: true,
		CanManageUsers: true, CanAssignRoles: true, CanRegenerateKeys: true,
		CanStreamAnywhere: true, CanModerate: true, CanViewAllKeys: true,
		CanDeleteAnyMessage: true, CanBanUsers: true, CanViewLogs: true,
		CanManageChannelPermissions: true, CanDisableAccounts: true,
	},
	accounts.RoleModerator: {
		CanModerate: true, CanDeleteAnyMessage: true, CanBanUsers: true, CanViewLogs: true,
	},
	accounts.RoleStreamer: {
		CanStreamAnywhere: true,
	},
	accounts.RoleUser: {},
}

// User is the materialized per-connection view: the account plus live,
// connection-scoped fields.
type User struct {
	ConnID            string
	AccountID         string
	Username          string
	DisplayName       string
	Roles             []accounts.Role
	IsSuperuser       bool
	RemoteIP          string
	ConnectedAt       time.Time
	LastActivity      time.Time
	CurrentChannel    string // joined text/stream/screenshare channel id
	VoiceChannel      string
	VoiceTimeoutUntil time.Time
}

func (u *User) HasPermission(c Capability) bool {
	if u.IsSuperuser {
		return true
	}
	for _, r := range u.Roles {
		if capabilityTable[r][c] {
			return true
		}
	}
	return false
}

// Registry is C5. conns maps conn_id -> *User; byAccount indexes
// account_id -> set<conn_id> for account-wide operations (disable, ban,
// role sync).
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*User
	byAccount map[string]map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*User),
		byAccount: make(map[string]map[string]bool),
	}
}

// Count returns the number of live connections, authenticated or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Create(connID, remoteIP string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &User{ConnID: connID, RemoteIP: remoteIP, ConnectedAt: time.Now(), LastActivity: time.Now()}
	r.conns[connID] = u
	return u
}

// Authenticate binds an account to an already-created connection user.
func (r *Registry) Authenticate(connID string, a *accounts.Account) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	u.AccountID = a.ID
	u.Username = a.Username
	u.DisplayName = a.DisplayName
	u.Roles = a.Roles
	u.IsSuperuser = accounts.Has(a.Roles, accounts.RoleSuperuser)

	if r.byAccount[a.ID] == nil {
		r.byAccount[a.ID] = make(map[string]bool)
	}
	r.byAccount[a.ID][connID] = true
	return u, true
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if u.AccountID != "" {
		if set, ok := r.byAccount[u.AccountID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byAccount, u.AccountID)
			}
		}
	}
}

func (r *Registry) ByConn(connID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.conns[connID]
	return u, ok
}

// ByAccount returns every live connection's user for one account.
func (r *Registry) ByAccount(accountID string) []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byAccount[accountID]
	out := make([]*User, 0, len(set))
	for connID := range set {
		if u, ok := r.conns[connID]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (r *Registry) SetCurrentChannel(connID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.conns[connID]; ok {
		u.CurrentChannel = channelID
	}
}

func (r *Registry) SetVoiceChannel(connID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.conns[connID]; ok {
		u.VoiceChannel = channelID
	}
}

// SetVoiceTimeout implements voice:timeout's deadline clamp target.
func (r *Registry) SetVoiceTimeout(connID string, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.conns[connID]; ok {
		u.VoiceTimeoutUntil = deadline
	}
}

// VoiceTimeoutRemaining returns the remaining timeout duration, or 0 if none
// is active.
func (r *Registry) VoiceTimeoutRemaining(connID string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.conns[connID]
	if !ok || u.VoiceTimeoutUntil.IsZero() {
		return 0
	}
	if d := time.Until(u.VoiceTimeoutUntil); d > 0 {
		return d
	}
	return 0
}

// SyncAccount re-materializes roles/display name across every live
// connection of one account, e.g. after assign_roles or profile update.
func (r *Registry) SyncAccount(a *accounts.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.byAccount[a.ID] {
		if u, ok := r.conns[connID]; ok {
			u.DisplayName = a.DisplayName
			u.Roles = a.Roles
			u.IsSuperuser = accounts.Has(a.Roles, accounts.RoleSuperuser)
		}
	}
}

// All returns every authenticated user currently connected, for the
// §6.1 `presence` snapshot broadcast.
func (r *Registry) All() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.conns))
	for _, u := range r.conns {
		if u.AccountID != "" {
			out = append(out, u)
		}
	}
	return out
}

func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.conns[connID]; ok {
		u.LastActivity = time.Now()
	}
}
