// Package channels implements C4: channel and group CRUD, the permission
// matrix, membership sets, and the voice/stream/screenshare state machines
// of §4.3.
package channels

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mqvi-hub/server/pkg/cache"
)

type Kind string

const (
	KindText        Kind = "text"
	KindVoice       Kind = "voice"
	KindStream      Kind = "stream"
	KindScreenshare Kind = "screenshare"
)

type Action string

const (
	ActionView   Action = "view"
	ActionChat   Action = "chat"
	ActionVoice  Action = "voice"
	ActionStream Action = "stream"
	ActionManage Action = "manage"
)

// PermissionRule is the §3 {roles, accounts} pair for one action.
type PermissionRule struct {
	Roles    map[string]bool
	Accounts map[string]bool
}

// Permissions maps action -> rule.
type Permissions map[Action]PermissionRule

// RawPermissions is the wire-shaped, pre-normalization input accepted from
// channels:create/admin:channels:updatePermissions, including the legacy
// allowedStreamers field folded in §4.3.
type RawPermissions struct {
	View             *RawRule `json:"view,omitempty"`
	Chat             *RawRule `json:"chat,omitempty"`
	Voice            *RawRule `json:"voice,omitempty"`
	Stream           *RawRule `json:"stream,omitempty"`
	Manage           *RawRule `json:"manage,omitempty"`
	AllowedStreamers []string `json:"allowedStreamers,omitempty"` // legacy
}

type RawRule struct {
	Roles    []string `json:"roles,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

func defaultRoles(a Action) []string {
	if a == ActionManage {
		return []string{"admin"}
	}
	return []string{"*"}
}

// Normalize implements §4.3's permission normalization: lowercase + dedupe
// roles, collapse "*"/"@all" to {"*"}, install per-action defaults when
// absent, fold legacy allowedStreamers into stream.accounts, and fold the
// legacy {"admin","streamer"} stream.roles shorthand (with no
// stream.accounts) back to {"*"}.
//
// It is idempotent (§8 invariant 6): Normalize(ToRaw(Normalize(r))) ==
// Normalize(r), since every branch below only ever produces canonical
// shapes that pass through unchanged on a second pass.
func Normalize(raw *RawPermissions) Permissions {
	out := make(Permissions, 5)
	actions := []Action{ActionView, ActionChat, ActionVoice, ActionStream, ActionManage}
	rules := map[Action]*RawRule{
		ActionView: raw.View, ActionChat: raw.Chat, ActionVoice: raw.Voice,
		ActionStream: raw.Stream, ActionManage: raw.Manage,
	}

	for _, a := range actions {
		rule := rules[a]
		var roleList []string
		var accountList []string
		if rule != nil {
			roleList = rule.Roles
			accountList = rule.Accounts
		}
		if len(roleList) == 0 && len(accountList) == 0 {
			roleList = defaultRoles(a)
		}
		// an accounts-only rule grants no role at all.
		roleSet := map[string]bool{}
		if len(roleList) > 0 {
			roleSet = normalizeRoleSet(roleList)
		}
		out[a] = PermissionRule{
			Roles:    roleSet,
			Accounts: toSet(accountList),
		}
	}

	// legacy allowedStreamers folds into stream.accounts.
	if len(raw.AllowedStreamers) > 0 {
		streamRule := out[ActionStream]
		for _, acc := range raw.AllowedStreamers {
			streamRule.Accounts[strings.ToLower(acc)] = true
		}
		out[ActionStream] = streamRule
	}

	// legacy {"admin","streamer"} shorthand with no explicit accounts
	// collapses back to "anyone may stream".
	streamRule := out[ActionStream]
	if len(streamRule.Accounts) == 0 && isLegacyAdminStreamerShorthand(streamRule.Roles) {
		streamRule.Roles = map[string]bool{"*": true}
		out[ActionStream] = streamRule
	}

	return out
}

func isLegacyAdminStreamerShorthand(roles map[string]bool) bool {
	if len(roles) != 2 {
		return false
	}
	return roles["admin"] && roles["streamer"]
}

func normalizeRoleSet(roles []string) map[string]bool {
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if r == "*" || r == "@all" {
			return map[string]bool{"*": true}
		}
		set[r] = true
	}
	if len(set) == 0 {
		set["*"] = true
	}
	return set
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			set[it] = true
		}
	}
	return set
}

// ToRaw renders Permissions back to wire shape, used for admin inspection
// and for the idempotency round-trip.
func (p Permissions) ToRaw() *RawPermissions {
	conv := func(a Action) *RawRule {
		rule, ok := p[a]
		if !ok {
			return nil
		}
		roles := make([]string, 0, len(rule.Roles))
		for r := range rule.Roles {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		accounts := make([]string, 0, len(rule.Accounts))
		for a := range rule.Accounts {
			accounts = append(accounts, a)
		}
		sort.Strings(accounts)
		return &RawRule{Roles: roles, Accounts: accounts}
	}
	return &RawPermissions{
		View: conv(ActionView), Chat: conv(ActionChat), Voice: conv(ActionVoice),
		Stream: conv(ActionStream), Manage: conv(ActionManage),
	}
}

// CanAccess implements §4.3 can_access.
func (p Permissions) CanAccess(isSuperuser bool, roles []string, accountID string, action Action) bool {
	if isSuperuser {
		return true
	}
	rule, ok := p[action]
	if !ok {
		return false
	}
	if rule.Roles["*"] {
		return true
	}
	for _, r := range roles {
		if rule.Roles[strings.ToLower(r)] {
			return true
		}
	}
	return rule.Accounts[strings.ToLower(accountID)]
}

// CanAccessCached memoizes CanAccess for a hot-path caller (chat, voice join,
// stream auth all check permissions on every event). Superuser short-circuits
// before the cache since it never varies per channel.
func (c *Channel) CanAccessCached(isSuperuser bool, roles []string, accountID string, action Action) bool {
	if isSuperuser {
		return true
	}
	c.mu.Lock()
	if c.accessCache == nil {
		c.accessCache = cache.New[string, bool](accessCacheTTL, accessCacheCleanup)
	}
	ac := c.accessCache
	perms := c.Perms
	c.mu.Unlock()

	key := strings.Join(roles, ",") + "|" + strings.ToLower(accountID) + "|" + string(action)
	if cached, ok := ac.Get(key); ok {
		return cached
	}
	result := perms.CanAccess(isSuperuser, roles, accountID, action)
	ac.Set(key, result)
	return result
}

// VoiceParticipant is one entry of §3 Channel.voice_participants.
type VoiceParticipant struct {
	ConnID      string    `json:"connId"`
	DisplayName string    `json:"displayName"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// StreamSession is §3 Channel.active_stream.
type StreamSession struct {
	SessionID string
	AccountID string // empty for stream-key (no-account) publishers
	ClientID  string
	StartedAt time.Time
	SourceIP  string
}

// ScreenshareSession is §3 Channel.screenshare.
type ScreenshareSession struct {
	HostConnID string
	HostName   string
	StartedAt  time.Time
	Viewers    map[string]bool
}

// Channel is the §3 Channel entity. Each instance owns its own mutex so
// voice/stream/screenshare transitions are atomic "under a channel lock"
// per §4.3, independent of the registry-level lock that guards the
// channel/group maps themselves.
type Channel struct {
	mu sync.Mutex

	ID      string
	Name    string
	Kind    Kind
	GroupID string
	Perms   Permissions

	Members map[string]bool // conn_id set: text/stream/screenshare viewers

	VoiceParticipants map[string]*VoiceParticipant
	VoiceSessionID    string
	VoiceStartedAt    time.Time

	StreamKeyToken string // present iff Kind == KindStream
	ActiveStream   *StreamSession
	IsLive         bool

	Screenshare *ScreenshareSession

	// accessCache memoizes CanAccessCached results, keyed "roles|account|action".
	// Cleared on every UpdatePermissions so a permission change is visible on
	// the next check rather than lingering for up to accessCacheTTL.
	accessCache *cache.TTLCache[string, bool]
}

// Group is the §3 ChannelGroup.
type Group struct {
	ID        string
	Name      string
	Kind      Kind
	Collapsed bool
}
