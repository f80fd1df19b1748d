package channels

import "testing"

func TestNormalizeDefaultsWhenEmpty(t *testing.T) {
	p := Normalize(&RawPermissions{})

	if !p.CanAccess(false, nil, "anyone", ActionView) {
		t.Fatal("expected default view rule to allow anyone")
	}
	if !p.CanAccess(false, nil, "anyone", ActionChat) {
		t.Fatal("expected default chat rule to allow anyone")
	}
	if p.CanAccess(false, []string{"member"}, "someone", ActionManage) {
		t.Fatal("expected default manage rule to require admin")
	}
	if !p.CanAccess(false, []string{"admin"}, "someone", ActionManage) {
		t.Fatal("expected default manage rule to allow admin")
	}
}

func TestNormalizeFoldsLegacyAllowedStreamers(t *testing.T) {
	p := Normalize(&RawPermissions{
		Stream:           &RawRule{Roles: []string{"member"}},
		AllowedStreamers: []string{"Alice", "BOB"},
	})

	if p.CanAccess(false, []string{"member"}, "someone-else", ActionStream) {
		t.Fatal("member role should not grant stream access once explicit accounts are set")
	}
	if !p.CanAccess(false, nil, "alice", ActionStream) {
		t.Fatal("expected lowercased allowedStreamers entry to grant stream access")
	}
	if !p.CanAccess(false, nil, "bob", ActionStream) {
		t.Fatal("expected lowercased allowedStreamers entry to grant stream access")
	}
}

func TestNormalizeCollapsesLegacyAdminStreamerShorthand(t *testing.T) {
	p := Normalize(&RawPermissions{
		Stream: &RawRule{Roles: []string{"admin", "streamer"}},
	})

	if !p.CanAccess(false, nil, "random-account", ActionStream) {
		t.Fatal("expected legacy {admin,streamer} shorthand with no accounts to collapse to anyone-may-stream")
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw := &RawPermissions{
		View:   &RawRule{Roles: []string{"Member", "MEMBER", " admin "}},
		Stream: &RawRule{Accounts: []string{"Carol"}},
	}
	once := Normalize(raw)
	twice := Normalize(once.ToRaw())

	onceRaw := once.ToRaw()
	twiceRaw := twice.ToRaw()
	if len(onceRaw.View.Roles) != len(twiceRaw.View.Roles) {
		t.Fatalf("normalization not idempotent: %v vs %v", onceRaw.View.Roles, twiceRaw.View.Roles)
	}
	if len(onceRaw.Stream.Accounts) != 1 || onceRaw.Stream.Accounts[0] != "carol" {
		t.Fatalf("expected stream account to lowercase to carol, got %v", onceRaw.Stream.Accounts)
	}
}

func TestCanAccessSuperuserBypassesEverything(t *testing.T) {
	p := Normalize(&RawPermissions{Manage: &RawRule{Roles: []string{"admin"}}})
	if !p.CanAccess(true, nil, "", ActionManage) {
		t.Fatal("expected superuser to bypass the manage rule entirely")
	}
}

func TestCanAccessWildcardRole(t *testing.T) {
	p := Normalize(&RawPermissions{View: &RawRule{Roles: []string{"*"}}})
	if !p.CanAccess(false, []string{"banned"}, "whoever", ActionView) {
		t.Fatal("expected wildcard role to allow any caller")
	}
}

func TestCanAccessExplicitAccountOverridesMissingRole(t *testing.T) {
	p := Normalize(&RawPermissions{Stream: &RawRule{Accounts: []string{"dave"}}})
	if p.CanAccess(false, []string{"member"}, "eve", ActionStream) {
		t.Fatal("eve has no role or account match and should be denied")
	}
	if !p.CanAccess(false, nil, "dave", ActionStream) {
		t.Fatal("dave is explicitly listed and should be allowed")
	}
}
