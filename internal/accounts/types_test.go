package accounts

import (
	"testing"
	"time"
)

func TestLevelReturnsHighestRoleRank(t *testing.T) {
	if Level(nil) != -1 {
		t.Fatalf("expected empty role set to rank -1, got %d", Level(nil))
	}
	if Level([]Role{RoleUser}) != 0 {
		t.Fatalf("expected RoleUser to rank 0, got %d", Level([]Role{RoleUser}))
	}
	if got := Level([]Role{RoleUser, RoleModerator, RoleStreamer}); got != roleLevel[RoleModerator] {
		t.Fatalf("expected the highest of a mixed role set, got %d", got)
	}
	if Level([]Role{RoleSuperuser}) != roleLevel[RoleSuperuser] {
		t.Fatal("expected superuser to rank highest")
	}
}

func TestHas(t *testing.T) {
	roles := []Role{RoleAdmin, RoleStreamer}
	if !Has(roles, RoleAdmin) {
		t.Fatal("expected Has to find RoleAdmin")
	}
	if Has(roles, RoleSuperuser) {
		t.Fatal("expected Has to not find RoleSuperuser")
	}
}

func TestBanActive(t *testing.T) {
	permanent := &Ban{}
	if !permanent.Active(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Fatal("expected a permanent ban (nil ExpiresAt) to stay active indefinitely")
	}

	future := time.Now().Add(time.Hour)
	timed := &Ban{ExpiresAt: &future}
	if !timed.Active(time.Now()) {
		t.Fatal("expected a ban with a future expiry to be active now")
	}

	past := time.Now().Add(-time.Hour)
	expired := &Ban{ExpiresAt: &past}
	if expired.Active(time.Now()) {
		t.Fatal("expected a ban with a past expiry to no longer be active")
	}
}

func TestAccountPublicStripsVerifier(t *testing.T) {
	a := &Account{ID: "1", Username: "alice@example.com", PasswordVerifier: "secret-hash", DisplayName: "Alice"}
	pub := a.Public()
	if pub.Username != a.Username || pub.DisplayName != a.DisplayName {
		t.Fatal("expected public view to carry through visible fields")
	}
	// PublicView has no verifier field at all — this is a compile-time
	// guarantee, not a runtime check, but assert the view type directly
	// to document the invariant.
	var _ = pub
}
