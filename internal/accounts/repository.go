package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mqvi-hub/server/database"
	"github.com/mqvi-hub/server/pkg"
)

// Repository is the SQLite-backed persistence for accounts, sessions and
// bans. Methods that accept a database.TxQuerier can run standalone or
// inside database.WithTx; the others always use the pooled connection.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func rolesToString(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

func rolesFromString(s string) []Role {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]Role, len(parts))
	for i, p := range parts {
		roles[i] = Role(p)
	}
	return roles
}

func scanAccount(row interface {
	Scan(dest ...any) error
}) (*Account, error) {
	var a Account
	var roles, metadataJSON, disabledReason, email, bio, avatarURL sql.NullString
	if err := row.Scan(
		&a.ID, &a.Username, &a.PasswordVerifier, &a.DisplayName, &roles,
		&a.Status, &disabledReason, &email, &bio, &avatarURL, &metadataJSON,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Roles = rolesFromString(roles.String)
	a.DisabledReason = disabledReason.String
	a.Email = email.String
	a.Bio = bio.String
	a.AvatarURL = avatarURL.String
	a.Metadata = map[string]string{}
	if metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &a.Metadata)
	}
	return &a, nil
}

const accountColumns = `id, username, password_verifier, display_name, roles, status,
	disabled_reason, email, bio, avatar_url, metadata, created_at, updated_at`

// Insert persists a brand-new account. id/created_at/updated_at must already
// be populated by the caller.
func (r *Repository) Insert(ctx context.Context, q database.TxQuerier, a *Account) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, username, password_verifier, display_name, roles, status,
			disabled_reason, email, bio, avatar_url, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Username, a.PasswordVerifier, a.DisplayName, rolesToString(a.Roles), a.Status,
		a.DisabledReason, a.Email, a.Bio, a.AvatarURL, string(metaJSON), a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %q: %w", a.Username, pkg.ErrAlreadyExists)
	}
	return err
}

func (r *Repository) ByID(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	return a, err
}

func (r *Repository) ByUsername(ctx context.Context, username string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE username = ?", username)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	return a, err
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n)
	return n, err
}

func (r *Repository) CountActiveAdmins(ctx context.Context, q database.TxQuerier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accounts WHERE status = 'active' AND (',' || roles || ',') LIKE '%,admin,%'",
	).Scan(&n)
	return n, err
}

func (r *Repository) List(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateRoles(ctx context.Context, q database.TxQuerier, id string, roles []Role) error {
	_, err := q.ExecContext(ctx, "UPDATE accounts SET roles = ?, updated_at = ? WHERE id = ?",
		rolesToString(roles), time.Now(), id)
	return err
}

func (r *Repository) UpdateProfile(ctx context.Context, a *Account) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET display_name = ?, email = ?, bio = ?, avatar_url = ?, metadata = ?,
			password_verifier = ?, updated_at = ? WHERE id = ?`,
		a.DisplayName, a.Email, a.Bio, a.AvatarURL, string(metaJSON), a.PasswordVerifier, time.Now(), a.ID)
	return err
}

func (r *Repository) SetStatus(ctx context.Context, q database.TxQuerier, id string, status Status, reason string) error {
	_, err := q.ExecContext(ctx, "UPDATE accounts SET status = ?, disabled_reason = ?, updated_at = ? WHERE id = ?",
		status, reason, time.Now(), id)
	return err
}

// --- Sessions ---

func (r *Repository) InsertSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (token, account_id, created_at, last_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.Token, s.AccountID, s.CreatedAt, s.LastSeenAt, s.ExpiresAt)
	return err
}

func (r *Repository) SessionByToken(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx,
		"SELECT token, account_id, created_at, last_seen_at, expires_at FROM sessions WHERE token = ?", token,
	).Scan(&s.Token, &s.AccountID, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	return &s, err
}

func (r *Repository) TouchSession(ctx context.Context, token string, lastSeen, expires time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET last_seen_at = ?, expires_at = ? WHERE token = ?",
		lastSeen, expires, token)
	return err
}

func (r *Repository) DeleteSession(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

func (r *Repository) DeleteSessionsForAccount(ctx context.Context, q database.TxQuerier, accountID string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM sessions WHERE account_id = ?", accountID)
	return err
}

func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) AllSessions(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT token, account_id, created_at, last_seen_at, expires_at FROM sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.Token, &s.AccountID, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// --- Bans ---

func (r *Repository) UpsertBan(ctx context.Context, b *Ban) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bans (account_id, reason, banned_by, banned_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			reason = excluded.reason, banned_by = excluded.banned_by,
			banned_at = excluded.banned_at, expires_at = excluded.expires_at`,
		b.AccountID, b.Reason, b.BannedBy, b.BannedAt, b.ExpiresAt)
	return err
}

func (r *Repository) BanByAccount(ctx context.Context, accountID string) (*Ban, error) {
	var b Ban
	var expires sql.NullTime
	err := r.db.QueryRowContext(ctx,
		"SELECT account_id, reason, banned_by, banned_at, expires_at FROM bans WHERE account_id = ?", accountID,
	).Scan(&b.AccountID, &b.Reason, &b.BannedBy, &b.BannedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		b.ExpiresAt = &expires.Time
	}
	return &b, nil
}

func (r *Repository) DeleteExpiredBans(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at < ?", time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) RemoveBan(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM bans WHERE account_id = ?", accountID)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
