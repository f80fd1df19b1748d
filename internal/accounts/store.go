package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mqvi-hub/server/database"
	"github.com/mqvi-hub/server/internal/ids"
	"github.com/mqvi-hub/server/internal/notify"
	"github.com/mqvi-hub/server/pkg"
)

// bcryptCost is expensive enough to slow brute-force, cheap enough not to
// stall the request path when run off the main dispatch goroutine (see
// Store.runKDF below).
const bcryptCost = 12

var (
	ErrInvalidCredentials      = errors.New("invalid username or password")
	ErrAccountDisabled         = errors.New("account disabled")
	ErrLastAdminProtected      = pkg.ErrLastAdminProtected
	ErrPrivilegeEscalation     = errors.New("insufficient privilege to assign that role")
	ErrSessionExpired          = errors.New("session expired")
	ErrPasswordResetExpired    = errors.New("password reset token expired or unknown")
	ErrUsernameTaken           = fmt.Errorf("username taken: %w", pkg.ErrAlreadyExists)
)

// Store is C2: the account store described in §4.1. It persists to SQLite
// through Repository, mirrors best-effort to Redis via an optional Mirror,
// and issues JWT-backed sessions.
type Store struct {
	repo      *Repository
	db        database.TxQuerier
	rawDB     *database.DB
	jwtSecret []byte
	accessTTL time.Duration
	refreshTTL time.Duration
	mirror    *Mirror // nil if Redis isn't configured
	mailer    notify.Mailer
	log       *zap.SugaredLogger

	kdfQueue chan kdfJob
}

type kdfJob struct {
	fn func()
}

// New wires a Store. kdfWorkers bounds the bcrypt worker pool so password
// hashing — the only CPU-bound hot path per §5 — never blocks a
// connection's general command dispatch.
func New(rawDB *database.DB, jwtSecret []byte, accessTTL, refreshTTL time.Duration, mirror *Mirror, mailer notify.Mailer, log *zap.SugaredLogger, kdfWorkers int) *Store {
	s := &Store{
		repo:       NewRepository(rawDB.Conn),
		db:         rawDB.Conn,
		rawDB:      rawDB,
		jwtSecret:  jwtSecret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		mirror:     mirror,
		mailer:     mailer,
		log:        log,
		kdfQueue:   make(chan kdfJob, 256),
	}
	for i := 0; i < kdfWorkers; i++ {
		go s.kdfWorker()
	}
	return s
}

func (s *Store) kdfWorker() {
	for job := range s.kdfQueue {
		job.fn()
	}
}

// runKDF submits fn to the bounded worker pool and blocks the caller's own
// goroutine (not the coordinator's dispatch loop — callers invoke this from
// within their own per-command goroutine) until it completes.
func (s *Store) runKDF(fn func()) {
	done := make(chan struct{})
	s.kdfQueue <- kdfJob{fn: func() { fn(); close(done) }}
	<-done
}

// Register implements §4.1 register. The first-ever account is granted
// admin; every subsequent one gets user.
func (s *Store) Register(ctx context.Context, username, password, displayName string) (*Account, error) {
	if err := ids.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err)
	}
	if err := ids.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err)
	}
	if displayName == "" {
		displayName = username
	}
	if err := ids.ValidateDisplayName(displayName); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err)
	}

	if _, err := s.repo.ByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, pkg.ErrNotFound) {
		return nil, err
	}

	var verifier string
	var hashErr error
	s.runKDF(func() {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		verifier, hashErr = string(b), err
	})
	if hashErr != nil {
		return nil, fmt.Errorf("hash password: %w", hashErr)
	}

	count, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	role := RoleUser
	if count == 0 {
		role = RoleAdmin
	}

	now := time.Now()
	a := &Account{
		ID: ids.New(), Username: username, PasswordVerifier: verifier,
		DisplayName: displayName, Roles: []Role{role}, Status: StatusActive,
		Metadata: map[string]string{}, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, a); err != nil {
		return nil, err
	}
	s.mirrorAccount(a)
	return a, nil
}

// Authenticate implements §4.1 authenticate: a constant-time verifier
// comparison (bcrypt's own design) returning a single generic error for
// both "no such account" and "wrong password" to avoid username enumeration
// — the disabled-status check happens only after the password check for
// the same reason.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	a, err := s.repo.ByUsername(ctx, username)
	if errors.Is(err, pkg.ErrNotFound) {
		// still run the KDF against a fixed hash so the absence of an
		// account isn't observable via timing.
		s.runKDF(func() { _ = bcrypt.CompareHashAndPassword([]byte(decoyHash), []byte(password)) })
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	var mismatch error
	s.runKDF(func() {
		mismatch = bcrypt.CompareHashAndPassword([]byte(a.PasswordVerifier), []byte(password))
	})
	if mismatch != nil {
		return nil, ErrInvalidCredentials
	}

	if a.Status != StatusActive {
		return nil, ErrAccountDisabled
	}
	return a, nil
}

// decoyHash is a valid bcrypt hash of an unguessable constant, run against
// unknown usernames so Authenticate takes the same time whether or not the
// account exists.
const decoyHash = "$2a$12$C6UzMDM.H6dfI/f/IKcEeO/ouVqF8hcKnr1fsFcQH6sgRFZCq6Pte"

// CreateSession mints an opaque token (realized as a signed JWT whose jti
// is the session's indexed identity) per §4.1 create_session.
func (s *Store) CreateSession(ctx context.Context, accountID string) (string, *Session, error) {
	jti := ids.New()
	now := time.Now()
	sess := &Session{
		Token: jti, AccountID: accountID, CreatedAt: now, LastSeenAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.repo.InsertSession(ctx, sess); err != nil {
		return "", nil, err
	}
	tokenStr, err := s.issueToken(accountID, jti, s.accessTTL)
	if err != nil {
		return "", nil, err
	}
	s.mirrorSession(sess)
	return tokenStr, sess, nil
}

// TouchSession implements §4.1 touch_session: refresh last_seen_at/expires_at,
// or synchronously revoke and return (nil, ErrSessionExpired) if expired.
func (s *Store) TouchSession(ctx context.Context, tokenStr string) (*Account, *Session, error) {
	accountID, jti, err := s.parseToken(tokenStr)
	if err != nil {
		return nil, nil, ErrSessionExpired
	}

	sess, err := s.repo.SessionByToken(ctx, jti)
	if errors.Is(err, pkg.ErrNotFound) {
		return nil, nil, ErrSessionExpired
	}
	if err != nil {
		return nil, nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.repo.DeleteSession(ctx, jti)
		return nil, nil, ErrSessionExpired
	}

	now := time.Now()
	sess.LastSeenAt = now
	sess.ExpiresAt = now.Add(s.refreshTTL)
	if err := s.repo.TouchSession(ctx, jti, sess.LastSeenAt, sess.ExpiresAt); err != nil {
		return nil, nil, err
	}

	a, err := s.repo.ByID(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != StatusActive {
		return nil, nil, ErrAccountDisabled
	}
	s.mirrorSession(sess)
	return a, sess, nil
}

// RevokeSession implements logout.
func (s *Store) RevokeSession(ctx context.Context, tokenStr string) error {
	_, jti, err := s.parseToken(tokenStr)
	if err != nil {
		return nil // already unusable
	}
	if err := s.repo.DeleteSession(ctx, jti); err != nil {
		return err
	}
	s.unmirrorSession(jti)
	return nil
}

// RevokeAllForAccount implements logout-everywhere, used by password change
// and account disable.
func (s *Store) RevokeAllForAccount(ctx context.Context, accountID string) error {
	return database.WithTx(ctx, s.rawDB.Conn, func(tx *sql.Tx) error {
		return s.repo.DeleteSessionsForAccount(ctx, tx, accountID)
	})
}

func (s *Store) ByID(ctx context.Context, id string) (*Account, error) { return s.repo.ByID(ctx, id) }
func (s *Store) ByUsername(ctx context.Context, u string) (*Account, error) {
	return s.repo.ByUsername(ctx, u)
}
func (s *Store) List(ctx context.Context) ([]*Account, error) { return s.repo.List(ctx) }

// AssignRoles implements §4.1 assign_roles + the §4.4 privilege-escalation
// rule and §8 invariant 3 (last active admin protection).
func (s *Store) AssignRoles(ctx context.Context, callerRoles []Role, targetID string, roles []Role) error {
	if len(roles) == 0 {
		return fmt.Errorf("%w: roles must not be empty", pkg.ErrBadRequest)
	}

	target, err := s.repo.ByID(ctx, targetID)
	if err != nil {
		return err
	}

	if !Has(callerRoles, RoleSuperuser) {
		callerLevel := Level(callerRoles)
		if callerLevel < Level(target.Roles) || callerLevel < Level(roles) {
			return ErrPrivilegeEscalation
		}
	}

	wasAdmin := Has(target.Roles, RoleAdmin) && target.Status == StatusActive
	willBeAdmin := Has(roles, RoleAdmin)
	if wasAdmin && !willBeAdmin {
		n, err := s.repo.CountActiveAdmins(ctx, s.db)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastAdminProtected
		}
	}

	return s.repo.UpdateRoles(ctx, s.db, targetID, roles)
}

// Disable implements §4.1 disable: flips status and revokes every session
// for the account (the orchestrator force-disconnects live connections on
// the same signal).
func (s *Store) Disable(ctx context.Context, targetID, reason string) error {
	target, err := s.repo.ByID(ctx, targetID)
	if err != nil {
		return err
	}
	if Has(target.Roles, RoleAdmin) {
		n, err := s.repo.CountActiveAdmins(ctx, s.db)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastAdminProtected
		}
	}
	if err := s.repo.SetStatus(ctx, s.db, targetID, StatusDisabled, reason); err != nil {
		return err
	}
	return s.RevokeAllForAccount(ctx, targetID)
}

func (s *Store) Enable(ctx context.Context, targetID string) error {
	return s.repo.SetStatus(ctx, s.db, targetID, StatusActive, "")
}

// UpdateProfile implements account:update* (display name, email, bio,
// avatar, metadata, and optionally a password change that revokes every
// session for the account, the caller's own included).
func (s *Store) UpdateProfile(ctx context.Context, a *Account, newPassword string) error {
	if newPassword != "" {
		if err := ids.ValidatePassword(newPassword); err != nil {
			return fmt.Errorf("%w: %s", pkg.ErrBadRequest, err)
		}
		var verifier string
		var hashErr error
		s.runKDF(func() {
			b, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
			verifier, hashErr = string(b), err
		})
		if hashErr != nil {
			return hashErr
		}
		a.PasswordVerifier = verifier
	}
	if err := s.repo.UpdateProfile(ctx, a); err != nil {
		return err
	}
	if newPassword != "" {
		return s.RevokeAllForAccount(ctx, a.ID)
	}
	return nil
}

// Ban implements §4.5 user:ban's storage half.
func (s *Store) Ban(ctx context.Context, accountID, reason, by string, duration *time.Duration) error {
	b := &Ban{AccountID: accountID, Reason: reason, BannedBy: by, BannedAt: time.Now()}
	if duration != nil {
		until := time.Now().Add(*duration)
		b.ExpiresAt = &until
	}
	if err := s.repo.UpsertBan(ctx, b); err != nil {
		return err
	}
	return s.RevokeAllForAccount(ctx, accountID)
}

// Unban implements §4.4's `unban` operation: lifts a ban record
// regardless of whether it had an expiry, the inverse of Ban.
func (s *Store) Unban(ctx context.Context, accountID string) error {
	return s.repo.RemoveBan(ctx, accountID)
}

func (s *Store) IsBanned(ctx context.Context, accountID string) (*Ban, bool, error) {
	b, err := s.repo.BanByAccount(ctx, accountID)
	if err != nil || b == nil {
		return nil, false, err
	}
	if !b.Active(time.Now()) {
		return nil, false, nil
	}
	return b, true, nil
}

// SweepExpired is the §4.8 maintenance tick: prune expired sessions and
// bans every BanSweepInterval.
func (s *Store) SweepExpired(ctx context.Context) {
	if n, err := s.repo.DeleteExpiredSessions(ctx); err != nil {
		s.log.Warnw("sweep sessions failed", "error", err)
	} else if n > 0 {
		s.log.Infow("swept expired sessions", "count", n)
	}
	if n, err := s.repo.DeleteExpiredBans(ctx); err != nil {
		s.log.Warnw("sweep bans failed", "error", err)
	} else if n > 0 {
		s.log.Infow("swept expired bans", "count", n)
	}
}

// RequestPasswordReset mints a reset token, emails it (if mail is
// configured) and stores only its hash.
func (s *Store) RequestPasswordReset(ctx context.Context, username string) error {
	a, err := s.repo.ByUsername(ctx, username)
	if errors.Is(err, pkg.ErrNotFound) {
		return nil // don't reveal account existence
	}
	if err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	token := hex.EncodeToString(raw)
	hash := sha256.Sum256([]byte(token))

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO password_resets (token_hash, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		hex.EncodeToString(hash[:]), a.ID, time.Now(), time.Now().Add(20*time.Minute),
	); err != nil {
		return err
	}

	return s.mailer.SendPasswordReset(ctx, a.Email, token)
}

// CompletePasswordReset consumes a reset token minted by
// RequestPasswordReset.
func (s *Store) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	hash := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(hash[:])

	var accountID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, expires_at FROM password_resets WHERE token_hash = ?", hashHex,
	).Scan(&accountID, &expiresAt)
	if err != nil {
		return ErrPasswordResetExpired
	}
	if time.Now().After(expiresAt) {
		return ErrPasswordResetExpired
	}

	a, err := s.repo.ByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.UpdateProfile(ctx, a, newPassword); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM password_resets WHERE token_hash = ?", hashHex)
	return err
}
