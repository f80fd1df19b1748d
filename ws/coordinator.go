package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mqvi-hub/server/config"
	"github.com/mqvi-hub/server/internal/accounts"
	"github.com/mqvi-hub/server/internal/channels"
	"github.com/mqvi-hub/server/internal/chatlog"
	"github.com/mqvi-hub/server/internal/ids"
	"github.com/mqvi-hub/server/internal/presence"
	"github.com/mqvi-hub/server/pkg"
	"github.com/mqvi-hub/server/pkg/ratelimit"
)

// Coordinator holds every dependency a per-connection Client needs to run
// the C6 command protocol; one instance is shared by every Client. This is
// the "single orchestrator value threaded through components" called for
// in §9's note on global mutable state.
type Coordinator struct {
	accountsStore *accounts.Store
	channels      *channels.Registry
	presenceReg   *presence.Registry
	chatLog       *chatlog.Log
	hub           *Hub
	cfg           *config.Config
	log           *zap.SugaredLogger

	loginLimiter    *ratelimit.Limiter
	registerLimiter *ratelimit.Limiter
}

func NewCoordinator(store *accounts.Store, chReg *channels.Registry, pres *presence.Registry, log *chatlog.Log, hub *Hub, cfg *config.Config, zlog *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		accountsStore:   store,
		channels:        chReg,
		presenceReg:     pres,
		chatLog:         log,
		hub:             hub,
		cfg:             cfg,
		log:             zlog,
		loginLimiter:    ratelimit.New(cfg.RateLimit.LoginPerMinute, time.Minute),
		registerLimiter: ratelimit.New(cfg.RateLimit.RegisterPerMinute, time.Minute),
	}
}

// OnConnect registers a fresh, unauthenticated connection.
func (co *Coordinator) OnConnect(c *Client) {
	c.user = co.presenceReg.Create(c.connID, c.remoteIP)
	co.hub.Register(c)
}

// onDisconnect implements §4.5 Disconnect: emit peer-leave to any voice
// channel, remove from all membership sets, force-clear screenshare if
// host, broadcast presence/channels.
func (co *Coordinator) onDisconnect(c *Client) {
	if c.user == nil {
		return
	}
	if c.user.VoiceChannel != "" {
		co.leaveVoice(c, c.user.VoiceChannel)
	}
	if c.user.CurrentChannel != "" {
		if ch, err := co.channels.ByID(c.user.CurrentChannel); err == nil {
			ch.Leave(c.connID)
			if ch.Kind == channels.KindScreenshare || ch.Kind == channels.KindStream {
				if sess := ch.ScreenshareSnapshot(); sess != nil && sess.HostConnID == c.connID {
					ch.StopScreenshare()
					co.hub.EmitRoom(ch.ID, Event{Op: OpScreenshareSession, Data: ScreenshareSessionPayload{ChannelID: ch.ID, Active: false}})
				}
			}
		}
	}
	co.presenceReg.Remove(c.connID)
	co.broadcastPresence()
	co.broadcastChannels()
}

// handle is the single dispatch point every inbound Event passes through.
func (co *Coordinator) handle(c *Client, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			co.log.Errorw("panic handling event", "op", ev.Op, "conn_id", c.connID, "panic", r)
			c.emitError(OpError, CodeInternalError, "internal error")
		}
	}()

	switch ev.Op {
	case OpAuthRegister:
		co.handleRegister(c, ev)
		return
	case OpAuthLogin:
		co.handleLogin(c, ev)
		return
	case OpAuthSession:
		co.handleSession(c, ev)
		return
	case OpAuthLogout:
		co.handleLogout(c)
		return
	}

	if !c.authenticated {
		c.emitError(OpError, CodeAuthRequired, "authentication required")
		return
	}

	switch ev.Op {
	case OpAccountUpdate:
		co.handleAccountUpdate(c, ev)
	case OpAccountGet:
		c.emit(Event{Op: OpAccountData, Data: c.account.Public()})

	case OpAdminAccountsList:
		co.handleAdminAccountsList(c)
	case OpAdminAccountsUpdateRoles:
		co.handleAdminUpdateRoles(c, ev)
	case OpAdminAccountsDisable:
		co.handleAdminDisable(c, ev)
	case OpAdminAccountsEnable:
		co.handleAdminEnable(c, ev)
	case OpAdminChannelsGetPerms:
		co.handleAdminGetChannelPerms(c, ev)
	case OpAdminChannelsUpdatePerms:
		co.handleAdminUpdateChannelPerms(c, ev)

	case OpChannelsCreate:
		co.handleChannelsCreate(c, ev)
	case OpChannelsDelete:
		co.handleChannelsDelete(c, ev)
	case OpChannelsList:
		co.sendChannelsUpdate(c)
	case OpChannelJoin:
		co.handleChannelJoin(c, ev)

	case OpVoiceJoin:
		co.handleVoiceJoin(c, ev)
	case OpVoiceLeave:
		if c.user.VoiceChannel != "" {
			co.leaveVoice(c, c.user.VoiceChannel)
		}
	case OpVoiceState:
		co.handleVoiceState(c, ev)
	case OpVoiceSignal:
		co.handleVoiceSignal(c, ev)

	case OpVoiceKick:
		co.handleVoiceKick(c, ev)
	case OpVoiceTimeout:
		co.handleVoiceTimeout(c, ev)
	case OpUserBan:
		co.handleUserBan(c, ev)
	case OpUserUnban:
		co.handleUserUnban(c, ev)

	case OpScreenshareStart:
		co.handleScreenshareStart(c, ev)
	case OpScreenshareStop:
		co.handleScreenshareStop(c, ev)
	case OpScreenshareViewerJoin:
		co.handleScreenshareViewerJoin(c, ev)
	case OpScreenshareViewerLeave:
		co.handleScreenshareViewerLeave(c, ev)
	case OpScreenshareSignal:
		co.handleScreenshareSignal(c, ev)

	case OpChat:
		co.handleChat(c, ev)
	case OpChatDelete:
		co.handleChatDelete(c, ev)

	case OpStreamKeyRequest:
		co.handleStreamKeyRequest(c, ev)

	default:
		co.log.Debugw("unknown op", "op", ev.Op, "conn_id", c.connID)
	}
}

// --- auth ---

func (co *Coordinator) handleRegister(c *Client, ev Event) {
	if !co.registerLimiter.Allow(c.remoteIP) {
		c.emitError(OpAuthError, CodeRateLimited, "too many registration attempts")
		return
	}
	p, err := decode[RegisterPayload](ev.Data)
	if err != nil {
		c.emitError(OpAuthError, CodeValidation, "malformed payload")
		return
	}

	displayName := ""
	if p.Profile != nil {
		displayName = p.Profile["displayName"]
	}
	ctx := context.Background()
	a, err := co.accountsStore.Register(ctx, p.Username, p.Password, displayName)
	if err != nil {
		co.emitAuthErr(c, err)
		return
	}
	co.finishAuth(c, a, true)
}

func (co *Coordinator) handleLogin(c *Client, ev Event) {
	if !co.loginLimiter.Allow(c.remoteIP) {
		c.emitError(OpAuthError, CodeRateLimited, "too many login attempts")
		return
	}
	p, err := decode[LoginPayload](ev.Data)
	if err != nil {
		c.emitError(OpAuthError, CodeValidation, "malformed payload")
		return
	}
	ctx := context.Background()
	a, err := co.accountsStore.Authenticate(ctx, p.Username, p.Password)
	if err != nil {
		co.emitAuthErr(c, err)
		return
	}
	if ban, banned, _ := co.accountsStore.IsBanned(ctx, a.ID); banned {
		c.emitError(OpAuthError, CodeAccountDisabled, "banned: "+ban.Reason)
		return
	}
	co.loginLimiter.Reset(c.remoteIP)
	co.finishAuth(c, a, false)
}

// handleSession implements auth:session. Per §9's design-notes split, the
// "already authenticated" branch distinguishes the same-account resume
// (idempotent success) from a different-account resume (rejected — re-auth
// requires an explicit logout first).
func (co *Coordinator) handleSession(c *Client, ev Event) {
	p, err := decode[SessionPayload](ev.Data)
	if err != nil {
		c.emitError(OpAuthError, CodeValidation, "malformed payload")
		return
	}
	ctx := context.Background()
	a, _, err := co.accountsStore.TouchSession(ctx, p.Token)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountDisabled) {
			c.emitError(OpAuthError, CodeAccountDisabled, "account disabled")
			return
		}
		c.emitError(OpAuthError, CodeSessionExpired, "session expired or unknown")
		return
	}

	if c.authenticated {
		if c.account.ID == a.ID {
			co.sendAuthSuccess(c, a, p.Token, false)
			return
		}
		c.emitError(OpAuthError, CodeAlreadyAuthDiff, "connection already authenticated as a different account")
		return
	}

	c.sessionToken = p.Token
	co.bindAuthenticated(c, a)
	co.sendAuthSuccess(c, a, p.Token, false)
}

func (co *Coordinator) handleLogout(c *Client) {
	if !c.authenticated {
		return
	}
	ctx := context.Background()
	_ = co.accountsStore.RevokeSession(ctx, c.sessionToken)
	c.authenticated = false
	c.account = nil
	c.sessionToken = ""
	c.emit(Event{Op: OpAuthLoggedOut})
}

func (co *Coordinator) finishAuth(c *Client, a *accounts.Account, isNew bool) {
	ctx := context.Background()
	tokenStr, _, err := co.accountsStore.CreateSession(ctx, a.ID)
	if err != nil {
		c.emitError(OpAuthError, CodeInternalError, "failed to create session")
		return
	}
	c.sessionToken = tokenStr
	co.bindAuthenticated(c, a)
	co.sendAuthSuccess(c, a, tokenStr, isNew)
}

func (co *Coordinator) bindAuthenticated(c *Client, a *accounts.Account) {
	c.authenticated = true
	c.account = a
	u, _ := co.presenceReg.Authenticate(c.connID, a)
	c.user = u
}

func (co *Coordinator) sendAuthSuccess(c *Client, a *accounts.Account, token string, isNew bool) {
	c.emit(Event{Op: OpAuthSuccess, Data: map[string]any{
		"user":        c.user,
		"account":     a.Public(),
		"session":     map[string]string{"token": token},
		"channels":    co.channelSummaries(),
		"groups":      co.channels.Groups(),
		"isNewAccount": isNew,
	}})
}

func (co *Coordinator) emitAuthErr(c *Client, err error) {
	switch {
	case errors.Is(err, accounts.ErrUsernameTaken):
		c.emitError(OpAuthError, CodeNameTaken, "username already registered")
	case errors.Is(err, pkg.ErrBadRequest):
		c.emitError(OpAuthError, CodeValidation, err.Error())
	case errors.Is(err, accounts.ErrAccountDisabled):
		c.emitError(OpAuthError, CodeAccountDisabled, "account disabled")
	case errors.Is(err, accounts.ErrInvalidCredentials):
		c.emitError(OpAuthError, CodeInvalidCredentials, "invalid username or password")
	default:
		co.log.Errorw("auth failure", "error", err)
		c.emitError(OpAuthError, CodeInternalError, "internal error")
	}
}

// --- account ---

func (co *Coordinator) handleAccountUpdate(c *Client, ev Event) {
	p, err := decode[AccountUpdatePayload](ev.Data)
	if err != nil {
		c.emitError(OpAccountError, CodeValidation, "malformed payload")
		return
	}
	a := c.account
	if p.DisplayName != nil {
		if err := ids.ValidateDisplayName(*p.DisplayName); err != nil {
			c.emitError(OpAccountError, CodeValidation, err.Error())
			return
		}
		a.DisplayName = *p.DisplayName
	}
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.Bio != nil {
		a.Bio = *p.Bio
	}
	if p.AvatarURL != nil {
		a.AvatarURL = *p.AvatarURL
	}
	if p.Metadata != nil {
		a.Metadata = p.Metadata
	}

	ctx := context.Background()
	if err := co.accountsStore.UpdateProfile(ctx, a, p.NewPassword); err != nil {
		c.emitError(OpAccountError, CodeInternalError, "failed to update account")
		return
	}
	co.presenceReg.SyncAccount(a)
	c.emit(Event{Op: OpAccountUpdated, Data: a.Public()})
}

// --- admin:accounts ---

func (co *Coordinator) handleAdminAccountsList(c *Client) {
	if !c.user.HasPermission(presence.CanManageUsers) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	list, err := co.accountsStore.List(context.Background())
	if err != nil {
		c.emitError(OpAdminError, CodeInternalError, "failed to list accounts")
		return
	}
	views := make([]accounts.PublicView, len(list))
	for i, a := range list {
		views[i] = a.Public()
	}
	c.emit(Event{Op: OpAdminAccountsList, Data: views})
}

func (co *Coordinator) handleAdminUpdateRoles(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanAssignRoles) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[AdminUpdateRolesPayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	roles := make([]accounts.Role, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = accounts.Role(r)
	}
	ctx := context.Background()
	if err := co.accountsStore.AssignRoles(ctx, c.account.Roles, p.AccountID, roles); err != nil {
		co.emitAdminErr(c, err)
		return
	}
	if a, err := co.accountsStore.ByID(ctx, p.AccountID); err == nil {
		co.presenceReg.SyncAccount(a)
	}
	c.emit(Event{Op: OpAccountRolesUpdated, Data: map[string]any{"accountId": p.AccountID, "roles": p.Roles}})
}

func (co *Coordinator) handleAdminDisable(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanDisableAccounts) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[AdminDisablePayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	if err := co.accountsStore.Disable(context.Background(), p.AccountID, p.Reason); err != nil {
		co.emitAdminErr(c, err)
		return
	}
	co.forceDisconnectAccount(p.AccountID, "", "account disabled")
	c.emit(Event{Op: OpAdminAccountsDisable, Data: map[string]string{"accountId": p.AccountID}})
}

func (co *Coordinator) handleAdminEnable(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanDisableAccounts) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[AdminEnablePayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	if err := co.accountsStore.Enable(context.Background(), p.AccountID); err != nil {
		co.emitAdminErr(c, err)
		return
	}
	c.emit(Event{Op: OpAdminAccountsEnable, Data: map[string]string{"accountId": p.AccountID}})
}

func (co *Coordinator) emitAdminErr(c *Client, err error) {
	switch {
	case errors.Is(err, pkg.ErrLastAdminProtected):
		c.emitError(OpAdminError, CodeLastAdminProtected, "cannot remove the last admin")
	case errors.Is(err, accounts.ErrPrivilegeEscalation):
		c.emitError(OpAdminError, CodePrivilegeEscalation, "insufficient privilege")
	case errors.Is(err, pkg.ErrNotFound):
		c.emitError(OpAdminError, CodeNotFound, "account not found")
	case errors.Is(err, pkg.ErrBadRequest):
		c.emitError(OpAdminError, CodeValidation, err.Error())
	default:
		co.log.Errorw("admin operation failed", "error", err)
		c.emitError(OpAdminError, CodeInternalError, "internal error")
	}
}

// --- admin:channels ---

func (co *Coordinator) handleAdminGetChannelPerms(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanManageChannelPermissions) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[AdminChannelPermsPayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil {
		c.emitError(OpAdminError, CodeNotFound, "channel not found")
		return
	}
	c.emit(Event{Op: OpAdminChannelsGetPerms, Data: ch.ToSummary().Perms.ToRaw()})
}

func (co *Coordinator) handleAdminUpdateChannelPerms(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanManageChannelPermissions) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[AdminUpdateChannelPermsPayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	raw, err := decode[channels.RawPermissions](p.Permissions)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed permissions")
		return
	}
	if err := co.channels.UpdatePermissions(p.ChannelID, &raw); err != nil {
		c.emitError(OpAdminError, CodeNotFound, "channel not found")
		return
	}
	co.broadcastChannels()
}

// --- channels ---

func (co *Coordinator) handleChannelsCreate(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanCreateChannels) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[ChannelsCreatePayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	var raw channels.RawPermissions
	if p.Permissions != nil {
		if r, err := decode[channels.RawPermissions](p.Permissions); err == nil {
			raw = r
		}
	}
	ch, err := co.channels.CreateChannel(p.Name, channels.Kind(p.Type), p.GroupID, &raw)
	if err != nil {
		co.emitChannelErr(c, err)
		return
	}
	co.broadcastChannels()
	c.emit(Event{Op: OpChannelJoined, Data: ChannelJoinedPayload{ChannelID: ch.ID, ChannelName: ch.Name, ChannelType: string(ch.Kind)}})
}

func (co *Coordinator) handleChannelsDelete(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanDeleteChannels) {
		c.emitError(OpAdminError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[ChannelsDeletePayload](ev.Data)
	if err != nil {
		c.emitError(OpAdminError, CodeValidation, "malformed payload")
		return
	}
	ch, err := co.channels.DeleteChannel(p.ChannelID)
	if err != nil {
		c.emitError(OpAdminError, CodeNotFound, "channel not found")
		return
	}
	co.chatLog.DropChannel(ch.ID)
	co.hub.EmitRoom(ch.ID, Event{Op: OpChannelDeleted, Data: ChannelDeletedPayload{ChannelID: ch.ID}})
	co.broadcastChannels()
}

func (co *Coordinator) emitChannelErr(c *Client, err error) {
	switch {
	case errors.Is(err, pkg.ErrAlreadyExists):
		c.emitError(OpAdminError, CodeNameTaken, "channel name already in use")
	case errors.Is(err, pkg.ErrCapacity):
		c.emitError(OpAdminError, CodeCapacity, "channel capacity exceeded")
	case errors.Is(err, pkg.ErrBadRequest):
		c.emitError(OpAdminError, CodeValidation, err.Error())
	default:
		c.emitError(OpAdminError, CodeInternalError, "internal error")
	}
}

// handleChannelJoin implements §4.5 Channel join for text/stream/screenshare
// rooms; voice channels go through voice:join instead.
func (co *Coordinator) handleChannelJoin(c *Client, ev Event) {
	p, err := decode[ChannelJoinPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil {
		c.emitError(OpError, CodeNotFound, "channel not found")
		return
	}
	if ch.Kind == channels.KindVoice {
		c.emitError(OpError, CodeValidation, "use voice:join for voice channels")
		return
	}

	roles := rolesToStrings(c.account.Roles)
	if !ch.CanAccessCached(c.user.IsSuperuser, roles, c.account.ID, channels.ActionView) {
		c.emitError(OpError, CodePermissionDenied, "not permitted to view this channel")
		return
	}

	if prev := c.user.CurrentChannel; prev != "" && prev != ch.ID {
		if prevCh, err := co.channels.ByID(prev); err == nil {
			prevCh.Leave(c.connID)
			co.hub.LeaveRoom(c, prev)
		}
	}

	if err := ch.Join(c.connID, co.cfg.Rooms.MaxMembersPerRoom); err != nil {
		c.emitError(OpError, CodeCapacity, "channel is full")
		return
	}
	co.hub.JoinRoom(c, ch.ID)
	co.presenceReg.SetCurrentChannel(c.connID, ch.ID)

	c.emit(Event{Op: OpChannelJoined, Data: ChannelJoinedPayload{ChannelID: ch.ID, ChannelName: ch.Name, ChannelType: string(ch.Kind)}})

	if ch.Kind == channels.KindText {
		msgs := co.chatLog.History(ch.ID, co.cfg.Rooms.ChatHistorySize)
		c.emit(Event{Op: OpChatHistory, Data: msgs})
	}
	if ch.Kind == channels.KindScreenshare {
		if sess := ch.ScreenshareSnapshot(); sess != nil {
			c.emit(Event{Op: OpScreenshareSession, Data: screensharePayload(ch.ID, sess)})
		}
	}
	co.broadcastPresence()
}

// --- voice ---

func (co *Coordinator) handleVoiceJoin(c *Client, ev Event) {
	p, err := decode[ChannelJoinPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	if rem := co.presenceReg.VoiceTimeoutRemaining(c.connID); rem > 0 {
		c.emitError(OpError, CodeValidation, fmt.Sprintf("voice timeout active for %ds", int(rem.Seconds())))
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil || ch.Kind != channels.KindVoice {
		c.emitError(OpError, CodeNotFound, "voice channel not found")
		return
	}
	roles := rolesToStrings(c.account.Roles)
	if !ch.CanAccessCached(c.user.IsSuperuser, roles, c.account.ID, channels.ActionVoice) {
		c.emitError(OpError, CodePermissionDenied, "not permitted to join voice")
		return
	}

	if prev := c.user.VoiceChannel; prev != "" && prev != ch.ID {
		co.leaveVoice(c, prev)
	}

	part, err := ch.AddVoice(c.connID, c.account.DisplayName, co.cfg.Rooms.MaxMembersPerRoom)
	if err != nil {
		c.emitError(OpError, CodeCapacity, "voice channel is full")
		return
	}
	co.hub.JoinRoom(c, voiceRoom(ch.ID))
	co.presenceReg.SetVoiceChannel(c.connID, ch.ID)

	peers := make([]VoicePeerPayload, 0)
	for _, peer := range ch.VoicePeers(c.connID) {
		peers = append(peers, VoicePeerPayload{ID: peer.ConnID, Name: peer.DisplayName, Muted: peer.Muted, Deafened: peer.Deafened})
	}
	c.emit(Event{Op: OpVoiceJoined, Data: VoiceJoinedPayload{
		ChannelID: ch.ID, Peers: peers, StartedAt: ch.VoiceStartedAt, SessionID: ch.VoiceSessionID,
	}})
	co.hub.EmitRoomExcept(voiceRoom(ch.ID), c.connID, Event{Op: OpVoicePeerJoin, Data: VoicePeerPayload{
		ID: part.ConnID, Name: part.DisplayName, Muted: part.Muted, Deafened: part.Deafened,
	}})
	co.broadcastPresence()
	co.broadcastChannels()
}

func (co *Coordinator) leaveVoice(c *Client, channelID string) {
	ch, err := co.channels.ByID(channelID)
	if err != nil {
		co.presenceReg.SetVoiceChannel(c.connID, "")
		return
	}
	ch.RemoveVoice(c.connID)
	co.hub.LeaveRoom(c, voiceRoom(ch.ID))
	co.presenceReg.SetVoiceChannel(c.connID, "")
	co.hub.EmitRoom(voiceRoom(ch.ID), Event{Op: OpVoicePeerLeave, Data: VoicePeerLeavePayload{ID: c.connID}})
	co.broadcastPresence()
	co.broadcastChannels()
}

func (co *Coordinator) handleVoiceState(c *Client, ev Event) {
	if c.user.VoiceChannel == "" {
		return
	}
	p, err := decode[VoiceStatePayload](ev.Data)
	if err != nil {
		return
	}
	ch, err := co.channels.ByID(c.user.VoiceChannel)
	if err != nil {
		return
	}
	_, ok := ch.UpdateVoiceState(c.connID, p.Muted, p.Deafened)
	if !ok {
		return
	}
	co.hub.EmitRoom(voiceRoom(ch.ID), Event{Op: OpVoiceStateOut, Data: VoiceStateOutPayload{ID: c.connID, Muted: p.Muted, Deafened: p.Deafened}})
}

// handleVoiceSignal implements §4.5 voice signaling relay: accepted only
// when both ends are in the same voice channel; otherwise dropped silently.
func (co *Coordinator) handleVoiceSignal(c *Client, ev Event) {
	if c.user.VoiceChannel == "" {
		return
	}
	p, err := decode[VoiceSignalPayload](ev.Data)
	if err != nil {
		return
	}
	ch, err := co.channels.ByID(c.user.VoiceChannel)
	if err != nil || !ch.HasVoiceParticipant(p.To) {
		co.log.Debugw("dropped cross-channel voice signal", "from", c.connID, "to", p.To)
		return
	}
	co.hub.EmitConn(p.To, Event{Op: OpVoiceSignalOut, Data: VoiceSignalOutPayload{From: c.connID, Data: p.Data}})
}

// --- moderation ---

func (co *Coordinator) handleVoiceKick(c *Client, ev Event) {
	co.moderateVoice(c, ev, 0)
}

func (co *Coordinator) handleVoiceTimeout(c *Client, ev Event) {
	p, err := decode[VoiceTimeoutPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	d := time.Duration(p.Duration) * time.Second
	if d < time.Minute {
		d = time.Minute
	}
	if d > 7*24*time.Hour {
		d = 7 * 24 * time.Hour
	}
	co.moderateVoice(c, ev, d)
}

func (co *Coordinator) moderateVoice(c *Client, ev Event, timeout time.Duration) {
	if !c.user.HasPermission(presence.CanModerate) {
		c.emitError(OpError, CodePermissionDenied, "not permitted")
		return
	}
	var targetConnID string
	if timeout > 0 {
		p, err := decode[VoiceTimeoutPayload](ev.Data)
		if err != nil {
			return
		}
		targetConnID = p.TargetConnID
	} else {
		p, err := decode[VoiceKickPayload](ev.Data)
		if err != nil {
			return
		}
		targetConnID = p.TargetConnID
	}
	if targetConnID == c.connID {
		c.emitError(OpError, CodeValidation, "cannot target self")
		return
	}
	target, ok := co.presenceReg.ByConn(targetConnID)
	if !ok || c.user.VoiceChannel == "" || target.VoiceChannel != c.user.VoiceChannel {
		c.emitError(OpError, CodeNotFound, "target not in your voice channel")
		return
	}
	if accounts.Level(target.Roles) >= accounts.Level(c.account.Roles) && !c.user.IsSuperuser {
		c.emitError(OpError, CodePermissionDenied, "cannot target an equal or higher role")
		return
	}

	if timeout > 0 {
		co.presenceReg.SetVoiceTimeout(targetConnID, time.Now().Add(timeout))
	}
	co.hub.EmitConn(targetConnID, targetModerationEvent(timeout, c.account.DisplayName))
	co.disconnectVoiceByConn(targetConnID, c.user.VoiceChannel)
}

func targetModerationEvent(timeout time.Duration, by string) Event {
	if timeout > 0 {
		return Event{Op: OpVoiceTimedOut, Data: VoiceTimeoutOutPayload{By: by, Duration: int64(timeout.Seconds())}}
	}
	return Event{Op: OpVoiceKicked, Data: VoiceKickedPayload{By: by}}
}

func (co *Coordinator) disconnectVoiceByConn(connID, channelID string) {
	ch, err := co.channels.ByID(channelID)
	if err != nil {
		return
	}
	ch.RemoveVoice(connID)
	co.hub.EmitRoom(voiceRoom(ch.ID), Event{Op: OpVoicePeerLeave, Data: VoicePeerLeavePayload{ID: connID}})
	co.presenceReg.SetVoiceChannel(connID, "")
	co.broadcastPresence()
	co.broadcastChannels()
}

func (co *Coordinator) handleUserBan(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanBanUsers) {
		c.emitError(OpError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[UserBanPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	target, ok := co.presenceReg.ByConn(p.TargetConnID)
	if !ok {
		c.emitError(OpError, CodeNotFound, "target not connected")
		return
	}
	if accounts.Has(target.Roles, accounts.RoleAdmin) || accounts.Has(target.Roles, accounts.RoleSuperuser) {
		c.emitError(OpError, CodePermissionDenied, "cannot ban admins or superusers")
		return
	}

	ctx := context.Background()
	if err := co.accountsStore.Ban(ctx, target.AccountID, p.Reason, c.account.DisplayName, nil); err != nil {
		c.emitError(OpError, CodeInternalError, "failed to ban account")
		return
	}
	co.forceDisconnectAccount(target.AccountID, c.account.DisplayName, p.Reason)
}

// handleUserUnban implements §4.4's `unban` registry operation: the
// inverse of user:ban. Targets an account id, not a connection id, since
// a banned account's connections no longer exist.
func (co *Coordinator) handleUserUnban(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanBanUsers) {
		c.emitError(OpError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[UserUnbanPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	if err := co.accountsStore.Unban(context.Background(), p.AccountID); err != nil {
		c.emitError(OpUserUnbanError, CodeInternalError, "failed to lift ban")
		return
	}
	c.emit(Event{Op: OpUserUnbanned, Data: UserUnbannedPayload{AccountID: p.AccountID}})
}

// forceDisconnectAccount implements the ban/disable force-disconnect signal:
// every connection of an account is told why, then dropped.
func (co *Coordinator) forceDisconnectAccount(accountID, by, reason string) {
	for _, u := range co.presenceReg.ByAccount(accountID) {
		co.hub.EmitConn(u.ConnID, Event{Op: OpUserBanned, Data: UserBannedPayload{By: by, Reason: reason}})
	}
	connIDs := make([]string, 0)
	for _, u := range co.presenceReg.ByAccount(accountID) {
		connIDs = append(connIDs, u.ConnID)
	}
	co.hub.Disconnect(connIDs)
}

// --- screenshare ---

func (co *Coordinator) handleScreenshareStart(c *Client, ev Event) {
	p, err := decode[ScreenshareChannelPayload](ev.Data)
	if err != nil {
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil {
		c.emitError(OpError, CodeNotFound, "channel not found")
		return
	}
	roles := rolesToStrings(c.account.Roles)
	if !ch.CanAccessCached(c.user.IsSuperuser, roles, c.account.ID, channels.ActionStream) {
		c.emitError(OpError, CodePermissionDenied, "not permitted to screenshare")
		return
	}
	sess, err := ch.StartScreenshare(c.connID, c.account.DisplayName)
	if err != nil {
		c.emitError(OpError, CodeStreamAlreadyLive, "screenshare already active")
		return
	}
	co.hub.EmitRoom(ch.ID, Event{Op: OpScreenshareSession, Data: screensharePayload(ch.ID, sess)})
}

func (co *Coordinator) handleScreenshareStop(c *Client, ev Event) {
	p, err := decode[ScreenshareChannelPayload](ev.Data)
	if err != nil {
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil {
		return
	}
	ch.StopScreenshare()
	co.hub.EmitRoom(ch.ID, Event{Op: OpScreenshareSession, Data: ScreenshareSessionPayload{ChannelID: ch.ID, Active: false}})
}

func (co *Coordinator) handleScreenshareViewerJoin(c *Client, ev Event) {
	p, err := decode[ScreenshareChannelPayload](ev.Data)
	if err != nil {
		return
	}
	ch, err := co.channels.ByID(p.ChannelID)
	if err != nil {
		return
	}
	sess, ok := ch.ScreenshareViewerJoin(c.connID)
	if !ok {
		return
	}
	co.hub.EmitConn(sess.HostConnID, Event{Op: OpScreenshareViewerPending, Data: ScreenshareViewerPendingPayload{
		ChannelID: ch.ID, ViewerID: c.connID, ViewerName: c.account.DisplayName,
	}})
}

func (co *Coordinator) handleScreenshareViewerLeave(c *Client, ev Event) {
	p, err := decode[ScreenshareChannelPayload](ev.Data)
	if err != nil {
		return
	}
	if ch, err := co.channels.ByID(p.ChannelID); err == nil {
		ch.ScreenshareViewerLeave(c.connID)
	}
}

func (co *Coordinator) handleScreenshareSignal(c *Client, ev Event) {
	p, err := decode[ScreenshareSignalPayload](ev.Data)
	if err != nil {
		return
	}
	co.hub.EmitConn(p.To, Event{Op: OpScreenshareSignalOut, Data: ScreenshareSignalOutPayload{From: c.connID, Data: p.Data, ChannelID: p.ChannelID}})
}

func screensharePayload(channelID string, sess *channels.ScreenshareSession) ScreenshareSessionPayload {
	return ScreenshareSessionPayload{
		ChannelID: channelID, Active: true, HostID: sess.HostConnID, HostName: sess.HostName,
		StartedAt: sess.StartedAt, ViewerCount: len(sess.Viewers),
	}
}

// --- chat ---

func (co *Coordinator) handleChat(c *Client, ev Event) {
	if c.user.CurrentChannel == "" {
		c.emitError(OpError, CodeValidation, "not in a channel")
		return
	}
	p, err := decode[ChatPayload](ev.Data)
	if err != nil {
		c.emitError(OpError, CodeValidation, "malformed payload")
		return
	}
	text, err := ids.SanitizeChatText(p.Text, co.cfg.Rooms.MaxMessageLength)
	if err != nil {
		c.emitError(OpError, CodeValidation, err.Error())
		return
	}

	ch, err := co.channels.ByID(c.user.CurrentChannel)
	if err != nil {
		c.emitError(OpError, CodeNotFound, "channel not found")
		return
	}
	roles := rolesToStrings(c.account.Roles)
	if !ch.CanAccessCached(c.user.IsSuperuser, roles, c.account.ID, channels.ActionChat) {
		c.emitError(OpError, CodePermissionDenied, "not permitted to chat here")
		return
	}

	msg := &chatlog.Message{
		ID: ids.New(), ChannelID: ch.ID, FromConnID: c.connID, FromName: c.account.DisplayName,
		Text: text, Timestamp: time.Now(), Roles: rolesToStrings(c.account.Roles), IsSuperuser: c.user.IsSuperuser,
	}
	co.chatLog.Append(msg)
	co.hub.EmitRoom(ch.ID, Event{Op: OpChatEvent, Data: msg})
}

func (co *Coordinator) handleChatDelete(c *Client, ev Event) {
	if !c.user.HasPermission(presence.CanDeleteAnyMessage) {
		c.emitError(OpError, CodePermissionDenied, "not permitted")
		return
	}
	p, err := decode[ChatDeletePayload](ev.Data)
	if err != nil {
		return
	}
	if !co.chatLog.Delete(p.ChannelID, p.MessageID, c.account.DisplayName) {
		c.emitError(OpError, CodeNotFound, "message not found")
		return
	}
	co.hub.EmitRoom(p.ChannelID, Event{Op: OpChatMessageDeleted, Data: ChatMessageDeletedPayload{
		MessageID: p.MessageID, ChannelID: p.ChannelID, DeletedBy: c.account.DisplayName,
	}})
}

// --- stream key ---

func (co *Coordinator) handleStreamKeyRequest(c *Client, ev Event) {
	p, err := decode[StreamKeyRequestPayload](ev.Data)
	if err != nil {
		c.emitError(OpStreamKeyError, CodeValidation, "malformed payload")
		return
	}
	var ch *channels.Channel
	if p.ChannelID != "" {
		ch, err = co.channels.ByID(p.ChannelID)
	} else {
		ch, err = co.channels.ByName(p.ChannelName)
	}
	if err != nil || ch.Kind != channels.KindStream {
		c.emitError(OpStreamKeyError, CodeNotFound, "stream channel not found")
		return
	}
	if !c.user.HasPermission(presence.CanRegenerateKeys) && !c.user.HasPermission(presence.CanViewAllKeys) {
		roles := rolesToStrings(c.account.Roles)
		if !ch.CanAccessCached(c.user.IsSuperuser, roles, c.account.ID, channels.ActionStream) {
			c.emitError(OpStreamKeyError, CodePermissionDenied, "not permitted")
			return
		}
	}
	c.emit(Event{Op: OpStreamKeyResponse, Data: StreamKeyResponsePayload{
		ChannelID: ch.ID, ChannelName: ch.Name, StreamKey: ids.FormatStreamKey(ch.Name, ch.StreamKeyToken),
	}})
}

// --- broadcast helpers ---

func (co *Coordinator) channelSummaries() []channels.Summary {
	list := co.channels.List()
	out := make([]channels.Summary, len(list))
	for i, ch := range list {
		out[i] = ch.ToSummary()
	}
	return out
}

func (co *Coordinator) sendChannelsUpdate(c *Client) {
	c.emit(Event{Op: OpChannelsUpdate, Data: map[string]any{
		"channels": co.channelSummaries(), "groups": co.channels.Groups(),
	}})
}

func (co *Coordinator) broadcastChannels() {
	co.hub.EmitAll(Event{Op: OpChannelsUpdate, Data: map[string]any{
		"channels": co.channelSummaries(), "groups": co.channels.Groups(),
	}})
}

func (co *Coordinator) broadcastPresence() {
	co.hub.EmitAll(Event{Op: OpPresence, Data: co.presenceReg.All()})
}

func voiceRoom(channelID string) string { return "voice:" + channelID }

func rolesToStrings(roles []accounts.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
