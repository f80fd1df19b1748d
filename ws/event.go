// Package ws implements C6 (the per-connection session coordinator) and C7
// (the broadcast fabric), realized over gorilla/websocket following the
// teacher's Hub/Client/Event split.
package ws

import "time"

// Event is the §6.1 envelope for every inbound command and outbound event.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// Inbound (client -> server) ops.
const (
	OpAuthRegister = "auth:register"
	OpAuthLogin    = "auth:login"
	OpAuthSession  = "auth:session"
	OpAuthLogout   = "auth:logout"

	OpAccountUpdate = "account:update"
	OpAccountGet    = "account:get"

	OpAdminAccountsList          = "admin:accounts:list"
	OpAdminAccountsUpdateRoles   = "admin:accounts:updateRoles"
	OpAdminAccountsDisable       = "admin:accounts:disable"
	OpAdminAccountsEnable        = "admin:accounts:enable"
	OpAdminChannelsGetPerms      = "admin:channels:getPermissions"
	OpAdminChannelsUpdatePerms   = "admin:channels:updatePermissions"

	OpChannelsCreate = "channels:create"
	OpChannelsDelete = "channels:delete"
	OpChannelsList   = "channels:list"
	OpChannelJoin    = "channel:join"

	OpVoiceJoin   = "voice:join"
	OpVoiceLeave  = "voice:leave"
	OpVoiceState  = "voice:state"
	OpVoiceSignal = "voice:signal"

	OpVoiceKick    = "voice:kick"
	OpVoiceTimeout = "voice:timeout"
	OpUserBan      = "user:ban"
	OpUserUnban    = "user:unban"

	OpScreenshareStart       = "screenshare:start"
	OpScreenshareStop        = "screenshare:stop"
	OpScreenshareViewerJoin  = "screenshare:viewer:join"
	OpScreenshareViewerLeave = "screenshare:viewer:leave"
	OpScreenshareSignal      = "screenshare:signal"

	OpChat       = "chat"
	OpChatDelete = "chat:delete"

	OpStreamKeyRequest = "stream:key:request"
)

// Outbound (server -> client) ops.
const (
	OpAuthSuccess = "auth:success"
	OpAuthError   = "auth:error"
	OpAuthLoggedOut = "auth:loggedOut"

	OpAccountUpdated      = "account:updated"
	OpAccountData         = "account:data"
	OpAccountRolesUpdated = "account:rolesUpdated"
	OpAccountError        = "account:error"

	OpChannelsUpdate = "channels:update"
	OpChannelJoined  = "channel:joined"
	OpChannelDeleted = "channel:deleted"

	OpPresence   = "presence"
	OpUserUpdate = "user:update"

	OpChatEvent          = "chat"
	OpChatHistory        = "chat:history"
	OpChatMessageDeleted = "chat:messageDeleted"

	OpVoiceJoined    = "voice:joined"
	OpVoicePeerJoin  = "voice:peer-join"
	OpVoicePeerLeave = "voice:peer-leave"
	OpVoiceSignalOut = "voice:signal"
	OpVoiceStateOut  = "voice:state"
	OpVoiceKicked    = "voice:kicked"
	OpVoiceTimedOut  = "voice:timeout"
	OpUserBanned     = "user:banned"
	OpUserUnbanned   = "user:unbanned"
	OpUserUnbanError = "user:unbanError"

	OpScreenshareSession      = "screenshare:session"
	OpScreenshareViewerPending = "screenshare:viewer:pending"
	OpScreenshareSignalOut    = "screenshare:signal"

	OpStreamKeyResponse = "stream:key:response"
	OpStreamKeyError    = "stream:key:error"

	OpAdminError = "admin:error"
	OpError      = "error"
)

// ProtocolCode is the §7 error-code taxonomy carried on auth:error,
// account:error, admin:error, and the generic error event.
type ProtocolCode string

const (
	CodeAuthRequired        ProtocolCode = "AuthRequired"
	CodeInvalidCredentials  ProtocolCode = "InvalidCredentials"
	CodeAccountDisabled     ProtocolCode = "AccountDisabled"
	CodeSessionExpired      ProtocolCode = "SessionExpired"
	CodeAlreadyAuthSame     ProtocolCode = "AlreadyAuthenticatedSameAccount"
	CodeAlreadyAuthDiff     ProtocolCode = "AlreadyAuthenticatedDifferentAccount"
	CodeRateLimited         ProtocolCode = "RateLimited"
	CodePermissionDenied    ProtocolCode = "PermissionDenied"
	CodePrivilegeEscalation ProtocolCode = "PrivilegeEscalation"
	CodeLastAdminProtected  ProtocolCode = "LastAdminProtected"
	CodeNotFound            ProtocolCode = "NotFound"
	CodeNameTaken           ProtocolCode = "NameTaken"
	CodeValidation          ProtocolCode = "Validation"
	CodeStreamKeyInvalid    ProtocolCode = "StreamKeyInvalid"
	CodeStreamAlreadyLive   ProtocolCode = "StreamAlreadyLive"
	CodeStreamNotLive       ProtocolCode = "StreamNotLive"
	CodeCapacity            ProtocolCode = "Capacity"
	CodeInternalError       ProtocolCode = "InternalError"
)

// ErrorPayload is the generic {message, code} shape shared by auth:error,
// account:error, admin:error, and error.
type ErrorPayload struct {
	Message string       `json:"message"`
	Code    ProtocolCode `json:"code"`
}

// --- inbound payloads ---

type RegisterPayload struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Profile  map[string]string `json:"profile,omitempty"`
}

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionPayload struct {
	Token string `json:"token"`
}

type AccountUpdatePayload struct {
	DisplayName     *string           `json:"displayName,omitempty"`
	Email           *string           `json:"email,omitempty"`
	Bio             *string           `json:"bio,omitempty"`
	AvatarURL       *string           `json:"avatarUrl,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	NewPassword     string            `json:"newPassword,omitempty"`
	CurrentPassword string            `json:"currentPassword,omitempty"`
}

type AdminUpdateRolesPayload struct {
	AccountID string   `json:"accountId"`
	Roles     []string `json:"roles"`
}

type AdminDisablePayload struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason,omitempty"`
}

type AdminEnablePayload struct {
	AccountID string `json:"accountId"`
}

type AdminChannelPermsPayload struct {
	ChannelID string `json:"channelId"`
}

type AdminUpdateChannelPermsPayload struct {
	ChannelID   string          `json:"channelId"`
	Permissions any             `json:"permissions"`
}

type ChannelsCreatePayload struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	GroupID     string `json:"groupId,omitempty"`
	Permissions any    `json:"permissions,omitempty"`
}

type ChannelsDeletePayload struct {
	ChannelID string `json:"channelId"`
}

type ChannelJoinPayload struct {
	ChannelID string `json:"channelId"`
}

type VoiceStatePayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

type VoiceSignalPayload struct {
	To   string `json:"to"`
	Data any    `json:"data"`
}

type VoiceKickPayload struct {
	TargetConnID string `json:"targetConnId"`
}

type VoiceTimeoutPayload struct {
	TargetConnID string `json:"targetConnId"`
	Duration     int64  `json:"duration"` // seconds
}

type UserBanPayload struct {
	TargetConnID string `json:"targetConnId"`
	Reason       string `json:"reason,omitempty"`
}

// UserUnbanPayload targets an account id rather than a connection id,
// since a banned account's connections were force-disconnected at ban
// time and may no longer exist.
type UserUnbanPayload struct {
	AccountID string `json:"accountId"`
}

type ScreenshareChannelPayload struct {
	ChannelID string `json:"channelId"`
}

type ScreenshareSignalPayload struct {
	To        string `json:"to"`
	Data      any    `json:"data"`
	ChannelID string `json:"channelId,omitempty"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ChatDeletePayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type StreamKeyRequestPayload struct {
	ChannelID   string `json:"channelId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

// --- outbound payloads ---

type ChannelJoinedPayload struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	ChannelType string `json:"channelType"`
}

type ChannelDeletedPayload struct {
	ChannelID string `json:"channelId"`
}

type VoicePeerPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
}

type VoiceJoinedPayload struct {
	ChannelID string             `json:"channelId"`
	Peers     []VoicePeerPayload `json:"peers"`
	StartedAt time.Time          `json:"startedAt"`
	SessionID string             `json:"sessionId"`
}

type VoicePeerLeavePayload struct {
	ID string `json:"id"`
}

type VoiceSignalOutPayload struct {
	From string `json:"from"`
	Data any    `json:"data"`
}

type VoiceStateOutPayload struct {
	ID       string `json:"id"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
}

type VoiceKickedPayload struct {
	By string `json:"by"`
}

type VoiceTimeoutOutPayload struct {
	By       string `json:"by"`
	Duration int64  `json:"duration"`
	Reason   string `json:"reason,omitempty"`
}

type UserBannedPayload struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

type UserUnbannedPayload struct {
	AccountID string `json:"accountId"`
}

type ScreenshareSessionPayload struct {
	ChannelID   string    `json:"channelId"`
	Active      bool      `json:"active"`
	HostID      string    `json:"hostId,omitempty"`
	HostName    string    `json:"hostName,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	ViewerCount int       `json:"viewerCount"`
}

type ScreenshareViewerPendingPayload struct {
	ChannelID string `json:"channelId"`
	ViewerID  string `json:"viewerId"`
	ViewerName string `json:"viewerName"`
}

type ScreenshareSignalOutPayload struct {
	From      string `json:"from"`
	Data      any    `json:"data"`
	ChannelID string `json:"channelId,omitempty"`
}

type ChatMessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	DeletedBy string `json:"deletedBy"`
}

type StreamKeyResponsePayload struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	StreamKey   string `json:"streamKey"`
}
