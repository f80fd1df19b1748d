package channels

import (
	"fmt"
	"sync"
	"time"

	"github.com/mqvi-hub/server/internal/ids"
	"github.com/mqvi-hub/server/pkg"
)

const (
	accessCacheTTL     = 30 * time.Second
	accessCacheCleanup = 5 * time.Minute
)

// Registry is C4: the channel/group registry. The map itself is guarded by
// mu; each Channel guards its own membership/voice/stream state so that
// registry-wide reads (e.g. List for a channels:update broadcast) never block on
// a single channel's state mutation, and vice versa.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	groups   map[string]*Group
	byName   map[string]string // channel name -> id, for the §3 uniqueness invariant

	maxChannels int
	maxMembers  int
}

func NewRegistry(maxChannels, maxMembers int) *Registry {
	return &Registry{
		channels:    make(map[string]*Channel),
		groups:      make(map[string]*Group),
		byName:      make(map[string]string),
		maxChannels: maxChannels,
		maxMembers:  maxMembers,
	}
}

// CreateChannel implements the create half of §4.3, including permission
// normalization and the §3 name-uniqueness invariant.
func (r *Registry) CreateChannel(name string, kind Kind, groupID string, raw *RawPermissions) (*Channel, error) {
	if err := ids.ValidateChannelName(name); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err)
	}
	if raw == nil {
		raw = &RawPermissions{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.channels) >= r.maxChannels {
		return nil, fmt.Errorf("%w: max channels reached", pkg.ErrCapacity)
	}
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("channel %q: %w", name, pkg.ErrAlreadyExists)
	}

	c := &Channel{
		ID: ids.New(), Name: name, Kind: kind, GroupID: groupID,
		Perms:   Normalize(raw),
		Members: make(map[string]bool),
	}
	if kind == KindVoice {
		c.VoiceParticipants = make(map[string]*VoiceParticipant)
	}
	if kind == KindStream {
		c.StreamKeyToken = ids.New()
	}

	r.channels[c.ID] = c
	r.byName[c.Name] = c.ID
	return c, nil
}

// DeleteChannel implements §4.3 delete. The caller (C6/C9) is responsible
// for ejecting members first and broadcasting channel:deleted; the registry
// only removes bookkeeping.
func (r *Registry) DeleteChannel(id string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	delete(r.channels, id)
	delete(r.byName, c.Name)
	return c, nil
}

func (r *Registry) ByID(id string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return c, nil
}

func (r *Registry) ByName(name string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return r.channels[id], nil
}

func (r *Registry) ByStreamKeyToken(token string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.channels {
		if c.Kind == KindStream && c.StreamKeyToken == token {
			return c, nil
		}
	}
	return nil, pkg.ErrNotFound
}

func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

func (r *Registry) UpdatePermissions(id string, raw *RawPermissions) error {
	c, err := r.ByID(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.Perms = Normalize(raw)
	ac := c.accessCache
	c.mu.Unlock()
	if ac != nil {
		ac.Clear()
	}
	return nil
}

// --- Groups ---

func (r *Registry) CreateGroup(name string, kind Kind) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Group{ID: ids.New(), Name: name, Kind: kind}
	r.groups[g.ID] = g
	return g
}

func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// --- Membership (text/stream/screenshare viewer sets) ---

// Join adds connID to c.Members, enforcing the §5 max-members-per-room cap.
func (c *Channel) Join(connID string, maxMembers int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Members) >= maxMembers {
		return fmt.Errorf("%w: channel full", pkg.ErrCapacity)
	}
	c.Members[connID] = true
	return nil
}

func (c *Channel) Leave(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Members, connID)
}

func (c *Channel) IsMember(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Members[connID]
}

// --- Voice state machine (§4.3, §8 invariant 1) ---

// AddVoice implements add_voice: inserts/updates the participant and, if
// the room was previously empty, opens a new voice session.
func (c *Channel) AddVoice(connID, displayName string, maxMembers int) (*VoiceParticipant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.VoiceParticipants[connID]; !exists && len(c.VoiceParticipants) >= maxMembers {
		return nil, fmt.Errorf("%w: voice channel full", pkg.ErrCapacity)
	}

	wasEmpty := len(c.VoiceParticipants) == 0
	p := &VoiceParticipant{ConnID: connID, DisplayName: displayName, JoinedAt: time.Now()}
	c.VoiceParticipants[connID] = p

	if wasEmpty {
		c.VoiceSessionID = ids.New()
		c.VoiceStartedAt = time.Now()
	}
	return p, nil
}

// RemoveVoice implements remove_voice: deletes the participant and, if the
// room is now empty, clears the session identity.
func (c *Channel) RemoveVoice(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.VoiceParticipants, connID)
	if len(c.VoiceParticipants) == 0 {
		c.VoiceSessionID = ""
		c.VoiceStartedAt = time.Time{}
	}
}

// UpdateVoiceState implements update_voice_state: deafen implies muted.
func (c *Channel) UpdateVoiceState(connID string, muted, deafened bool) (*VoiceParticipant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.VoiceParticipants[connID]
	if !ok {
		return nil, false
	}
	if deafened {
		muted = true
	}
	p.Muted, p.Deafened = muted, deafened
	return p, true
}

// VoicePeers returns every other voice participant (excluding self).
func (c *Channel) VoicePeers(excludeConnID string) []*VoiceParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*VoiceParticipant, 0, len(c.VoiceParticipants))
	for id, p := range c.VoiceParticipants {
		if id != excludeConnID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func (c *Channel) HasVoiceParticipant(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.VoiceParticipants[connID]
	return ok
}

// --- Stream publish state machine (§4.3, §4.8) ---

// StartStream implements start_stream: idempotent re-publish by the same
// principal, StreamAlreadyLive for a different one.
func (c *Channel) StartStream(accountID, clientID, sourceIP string) (*StreamSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ActiveStream != nil {
		samePrincipal := (accountID != "" && c.ActiveStream.AccountID == accountID) ||
			(accountID == "" && clientID != "" && c.ActiveStream.ClientID == clientID)
		if samePrincipal {
			return c.ActiveStream, nil
		}
		return nil, pkg.ErrStreamAlreadyLive
	}

	s := &StreamSession{
		SessionID: ids.New(), AccountID: accountID, ClientID: clientID,
		StartedAt: time.Now(), SourceIP: sourceIP,
	}
	c.ActiveStream = s
	c.IsLive = true
	return s, nil
}

// EndStream implements end_stream: releases unconditionally; a mismatched
// match is still honored (the caller logs the mismatch) since the external
// RTMP server is authoritative on disconnection.
func (c *Channel) EndStream() *StreamSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.ActiveStream
	c.ActiveStream = nil
	c.IsLive = false
	return prev
}

func (c *Channel) Snapshot() (live bool, session *StreamSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ActiveStream == nil {
		return false, nil
	}
	cp := *c.ActiveStream
	return true, &cp
}

// --- Screenshare state machine (§4.3, mirrors stream) ---

func (c *Channel) StartScreenshare(hostConnID, hostName string) (*ScreenshareSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Screenshare != nil {
		return nil, pkg.ErrStreamAlreadyLive
	}
	s := &ScreenshareSession{
		HostConnID: hostConnID, HostName: hostName,
		StartedAt: time.Now(), Viewers: make(map[string]bool),
	}
	c.Screenshare = s
	return s, nil
}

func (c *Channel) StopScreenshare() *ScreenshareSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.Screenshare
	c.Screenshare = nil
	return prev
}

func (c *Channel) ScreenshareViewerJoin(connID string) (*ScreenshareSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Screenshare == nil {
		return nil, false
	}
	c.Screenshare.Viewers[connID] = true
	cp := *c.Screenshare
	return &cp, true
}

func (c *Channel) ScreenshareViewerLeave(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Screenshare != nil {
		delete(c.Screenshare.Viewers, connID)
	}
}

// ScreenshareSnapshot is used both for the screenshare:session event and
// for force-clearing on host disconnect.
func (c *Channel) ScreenshareSnapshot() *ScreenshareSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Screenshare == nil {
		return nil
	}
	cp := *c.Screenshare
	return &cp
}

// Summary is the read-only, lock-safe view of a channel used to build the
// channels:update broadcast.
type Summary struct {
	ID          string
	Name        string
	Kind        Kind
	GroupID     string
	Perms       Permissions
	MemberCount int
	VoiceCount  int
	IsLive      bool
	HasScreenshare bool
}

func (c *Channel) ToSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		ID: c.ID, Name: c.Name, Kind: c.Kind, GroupID: c.GroupID, Perms: c.Perms,
		MemberCount: len(c.Members), VoiceCount: len(c.VoiceParticipants),
		IsLive: c.IsLive, HasScreenshare: c.Screenshare != nil,
	}
}
