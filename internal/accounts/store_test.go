package accounts

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mqvi-hub/server/database"
	"github.com/mqvi-hub/server/internal/notify"
	"github.com/mqvi-hub/server/pkg"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := zap.NewNop().Sugar()

	migrationsFS, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		t.Fatalf("sub migrations fs: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath, migrationsFS, log)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, []byte("test-secret"), time.Hour, 24*time.Hour, nil, notify.NoopMailer{}, log, 2)
}

func TestRegisterFirstAccountBecomesAdmin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !Has(a.Roles, RoleAdmin) {
		t.Fatalf("expected the first account to be an admin, got roles %v", a.Roles)
	}

	b, err := s.Register(ctx, "bob@example.com", "hunter22", "Bob")
	if err != nil {
		t.Fatalf("register second: %v", err)
	}
	if Has(b.Roles, RoleAdmin) {
		t.Fatalf("expected the second account not to be an admin, got roles %v", b.Roles)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := s.Register(ctx, "alice@example.com", "other-pass", "Alice2")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestAuthenticateRejectsUnknownUserAndWrongPassword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Authenticate(ctx, "ghost", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "alice@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	a, err := s.Authenticate(ctx, "alice@example.com", "hunter22")
	if err != nil || a.Username != "alice@example.com" {
		t.Fatalf("expected successful authentication, got %v, err=%v", a, err)
	}
}

func TestAuthenticateRejectsDisabledAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	target, err := s.Register(ctx, "bob@example.com", "hunter22", "Bob")
	if err != nil {
		t.Fatalf("register target: %v", err)
	}
	if err := s.AssignRoles(ctx, admin.Roles, target.ID, []Role{RoleAdmin}); err != nil {
		t.Fatalf("promote bob so alice isn't the last admin: %v", err)
	}
	if err := s.Disable(ctx, admin.ID, "test"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if _, err := s.Authenticate(ctx, "alice@example.com", "hunter22"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestSessionCreateTouchAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, sess, err := s.CreateSession(ctx, a.ID)
	if err != nil || token == "" || sess.AccountID != a.ID {
		t.Fatalf("create session: token=%q sess=%v err=%v", token, sess, err)
	}

	got, gotSess, err := s.TouchSession(ctx, token)
	if err != nil || got.ID != a.ID || gotSess.Token != sess.Token {
		t.Fatalf("touch session: %v, %v, err=%v", got, gotSess, err)
	}

	if err := s.RevokeSession(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := s.TouchSession(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after revoke, got %v", err)
	}
}

func TestAssignRolesBlocksEscalationBeyondCallerLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	user, err := s.Register(ctx, "bob@example.com", "hunter22", "Bob")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	err = s.AssignRoles(ctx, user.Roles, admin.ID, []Role{RoleUser})
	if !errors.Is(err, ErrPrivilegeEscalation) {
		t.Fatalf("expected a plain user to be blocked from demoting an admin, got %v", err)
	}

	if err := s.AssignRoles(ctx, admin.Roles, user.ID, []Role{RoleAdmin}); err != nil {
		t.Fatalf("admin promoting user: %v", err)
	}
}

func TestAssignRolesRejectsEmptySet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.AssignRoles(ctx, a.Roles, a.ID, nil); !errors.Is(err, pkg.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for an empty role set, got %v", err)
	}
}

func TestDisableLastAdminIsProtected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Disable(ctx, a.ID, "test"); !errors.Is(err, ErrLastAdminProtected) {
		t.Fatalf("expected ErrLastAdminProtected, got %v", err)
	}
}

func TestBanBlocksSessionsAndIsBannedReportsActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, _, err := s.CreateSession(ctx, a.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.Ban(ctx, a.ID, "spam", "mod-1", nil); err != nil {
		t.Fatalf("ban: %v", err)
	}

	if _, _, err := s.TouchSession(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ban to revoke existing sessions, got %v", err)
	}
	_, banned, err := s.IsBanned(ctx, a.ID)
	if err != nil || !banned {
		t.Fatalf("expected account to be reported as banned, banned=%v err=%v", banned, err)
	}

	if err := s.Unban(ctx, a.ID); err != nil {
		t.Fatalf("unban: %v", err)
	}
	_, banned, err = s.IsBanned(ctx, a.ID)
	if err != nil || banned {
		t.Fatalf("expected account to no longer be banned, banned=%v err=%v", banned, err)
	}
}

func TestSweepExpiredRemovesExpiredSessionsAndBans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Register(ctx, "alice@example.com", "hunter22", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	past := -time.Hour
	if err := s.Ban(ctx, a.ID, "spam", "mod-1", &past); err != nil {
		t.Fatalf("ban with an already-expired duration: %v", err)
	}

	s.SweepExpired(ctx)

	_, banned, err := s.IsBanned(ctx, a.ID)
	if err != nil || banned {
		t.Fatalf("expected the expired ban to no longer read as active, banned=%v err=%v", banned, err)
	}
}
