package channels

import (
	"errors"
	"testing"

	"github.com/mqvi-hub/server/pkg"
)

func newTestRegistry() *Registry {
	return NewRegistry(10, 4)
}

func TestCreateChannelRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.CreateChannel("general", KindText, "", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.CreateChannel("general", KindText, "", nil)
	if !errors.Is(err, pkg.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateChannelEnforcesMaxChannels(t *testing.T) {
	r := NewRegistry(1, 4)
	if _, err := r.CreateChannel("one", KindText, "", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := r.CreateChannel("two", KindText, "", nil)
	if !errors.Is(err, pkg.ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestStreamChannelGetsAKeyToken(t *testing.T) {
	r := newTestRegistry()
	ch, err := r.CreateChannel("live", KindStream, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ch.StreamKeyToken == "" {
		t.Fatal("expected a stream key token to be assigned")
	}
	found, err := r.ByStreamKeyToken(ch.StreamKeyToken)
	if err != nil || found.ID != ch.ID {
		t.Fatalf("expected lookup by token to find the channel, got %v, err=%v", found, err)
	}
}

func TestJoinEnforcesMaxMembersPerRoom(t *testing.T) {
	r := NewRegistry(10, 2)
	ch, err := r.CreateChannel("small", KindText, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ch.Join("conn-1", 2); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if err := ch.Join("conn-2", 2); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if err := ch.Join("conn-3", 2); !errors.Is(err, pkg.ErrCapacity) {
		t.Fatalf("expected ErrCapacity on third join, got %v", err)
	}
}

func TestVoiceSessionIDResetsWhenRoomEmpties(t *testing.T) {
	r := newTestRegistry()
	ch, _ := r.CreateChannel("voice-1", KindVoice, "", nil)

	if _, err := ch.AddVoice("conn-1", "alice", 10); err != nil {
		t.Fatalf("add voice: %v", err)
	}
	firstSession := ch.VoiceSessionID
	if firstSession == "" {
		t.Fatal("expected a voice session id to be assigned once the room is non-empty")
	}

	ch.RemoveVoice("conn-1")
	if ch.VoiceSessionID != "" {
		t.Fatalf("expected voice session id to clear once the room empties, got %q", ch.VoiceSessionID)
	}

	if _, err := ch.AddVoice("conn-2", "bob", 10); err != nil {
		t.Fatalf("add voice again: %v", err)
	}
	if ch.VoiceSessionID == "" || ch.VoiceSessionID == firstSession {
		t.Fatal("expected a fresh voice session id on re-entry after the room emptied")
	}
}

func TestUpdateVoiceStateDeafenImpliesMuted(t *testing.T) {
	r := newTestRegistry()
	ch, _ := r.CreateChannel("voice-2", KindVoice, "", nil)
	if _, err := ch.AddVoice("conn-1", "alice", 10); err != nil {
		t.Fatalf("add voice: %v", err)
	}

	p, ok := ch.UpdateVoiceState("conn-1", false, true)
	if !ok {
		t.Fatal("expected participant to be found")
	}
	if !p.Muted || !p.Deafened {
		t.Fatalf("expected deafened to imply muted, got muted=%v deafened=%v", p.Muted, p.Deafened)
	}
}

func TestStartStreamIdempotentForSamePrincipalElseAlreadyLive(t *testing.T) {
	r := newTestRegistry()
	ch, _ := r.CreateChannel("live-2", KindStream, "", nil)

	first, err := ch.StartStream("account-1", "", "1.2.3.4")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	again, err := ch.StartStream("account-1", "", "1.2.3.4")
	if err != nil {
		t.Fatalf("expected idempotent re-publish by the same account to succeed: %v", err)
	}
	if again.SessionID != first.SessionID {
		t.Fatal("expected the same session to be returned for the same publisher")
	}

	_, err = ch.StartStream("account-2", "", "5.6.7.8")
	if !errors.Is(err, pkg.ErrStreamAlreadyLive) {
		t.Fatalf("expected ErrStreamAlreadyLive for a different publisher, got %v", err)
	}
}

func TestEndStreamReleasesUnconditionally(t *testing.T) {
	r := newTestRegistry()
	ch, _ := r.CreateChannel("live-3", KindStream, "", nil)
	if _, err := ch.StartStream("account-1", "", "1.2.3.4"); err != nil {
		t.Fatalf("start: %v", err)
	}

	prev := ch.EndStream()
	if prev == nil || prev.AccountID != "account-1" {
		t.Fatalf("expected EndStream to return the prior session, got %v", prev)
	}
	live, _ := ch.Snapshot()
	if live {
		t.Fatal("expected channel to no longer be live")
	}
	if ch.EndStream() != nil {
		t.Fatal("expected a second EndStream on an already-ended channel to return nil")
	}
}

func TestCanAccessCachedMatchesUncachedAndReactsToUpdate(t *testing.T) {
	r := newTestRegistry()
	ch, err := r.CreateChannel("restricted", KindText, "", &RawPermissions{
		View: &RawRule{Roles: []string{"admin"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if ch.CanAccessCached(false, []string{"member"}, "acc-1", ActionView) {
		t.Fatal("expected member role to be denied view access")
	}
	// second call should hit the cache and return the same answer.
	if ch.CanAccessCached(false, []string{"member"}, "acc-1", ActionView) {
		t.Fatal("expected cached result to remain denied")
	}

	if err := r.UpdatePermissions(ch.ID, &RawPermissions{View: &RawRule{Roles: []string{"*"}}}); err != nil {
		t.Fatalf("update permissions: %v", err)
	}
	if !ch.CanAccessCached(false, []string{"member"}, "acc-1", ActionView) {
		t.Fatal("expected permission update to invalidate the cache and allow access")
	}
}

func TestScreenshareOnlyOneHostAtATime(t *testing.T) {
	r := newTestRegistry()
	ch, _ := r.CreateChannel("share", KindScreenshare, "", nil)

	if _, err := ch.StartScreenshare("conn-1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := ch.StartScreenshare("conn-2", "bob")
	if !errors.Is(err, pkg.ErrStreamAlreadyLive) {
		t.Fatalf("expected a second concurrent host to be rejected, got %v", err)
	}

	ch.StopScreenshare()
	if _, err := ch.StartScreenshare("conn-2", "bob"); err != nil {
		t.Fatalf("expected a new host to be able to start after the prior one stopped: %v", err)
	}
}
