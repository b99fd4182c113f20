package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/homiehq/homie/pkg/auth"
)

// Store is the SQLite-backed user store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the user database at path and
// applies pending migrations. Pass ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite allows a single writer; serialize everything through one
	// connection so pragmas and transactions behave predictably.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `id, subject, auth_mode, username, email, full_name,
	is_admin, created_at, last_login, last_activity`

// GetOrCreate upserts the user record for an authenticated identity and
// returns it. Existing records get their profile fields and last_login
// refreshed; new identities get a fresh record.
func (s *Store) GetOrCreate(ctx context.Context, identity *auth.Identity) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE subject = ? AND auth_mode = ?`,
		identity.Subject, string(identity.Mode),
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, subject, auth_mode, username, email, full_name, is_admin,
				created_at, last_login, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, identity.Subject, string(identity.Mode),
			usernameFor(identity), identity.Email, identity.Name, identity.IsAdmin,
			now, now, now,
		); err != nil {
			return User{}, fmt.Errorf("inserting user: %w", err)
		}
	case err != nil:
		return User{}, fmt.Errorf("looking up user: %w", err)
	default:
		// Profile fields come from the provider on every login; admin
		// status follows the current allow-list, not the stored value.
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET username = ?, email = ?, full_name = ?, is_admin = ?,
				last_login = ?, last_activity = ?
			WHERE id = ?`,
			usernameFor(identity), identity.Email, identity.Name, identity.IsAdmin,
			now, now, id,
		); err != nil {
			return User{}, fmt.Errorf("updating user: %w", err)
		}
	}

	user, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("committing transaction: %w", err)
	}

	return user, nil
}

// Get retrieves a user by record ID.
func (s *Store) Get(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// List returns all users ordered by username.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []User
	for rows.Next() {
		u, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}

	return result, nil
}

// TouchActivity records that the user did something just now.
func (s *Store) TouchActivity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating last activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FeatureEnabled reports whether a feature is visible for the user.
// Features with no stored override default to enabled.
func (s *Store) FeatureEnabled(ctx context.Context, userID, feature string) (bool, error) {
	if !validFeature(feature) {
		return false, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM user_features WHERE user_id = ? AND feature = ?`,
		userID, feature,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying feature: %w", err)
	}
	return enabled, nil
}

// FeaturesFor resolves the full visibility map for one user.
func (s *Store) FeaturesFor(ctx context.Context, userID string) (map[string]bool, error) {
	features := DefaultFeatures()

	rows, err := s.db.QueryContext(ctx,
		`SELECT feature, enabled FROM user_features WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("scanning feature row: %w", err)
		}
		if _, ok := features[name]; ok {
			features[name] = enabled
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feature rows: %w", err)
	}

	return features, nil
}

// SetFeature stores a visibility override for one user and feature,
// recording which admin made the change.
func (s *Store) SetFeature(ctx context.Context, userID, feature string, enabled bool, updatedBy string) error {
	if !validFeature(feature) {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	// Upsert keyed on (user_id, feature). The FK rejects unknown users.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_features (user_id, feature, enabled, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, feature) DO UPDATE SET
			enabled = excluded.enabled,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		userID, feature, enabled, updatedBy,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storing feature override: %w", err)
	}
	return nil
}

// ListFeatures returns every user with their resolved feature map,
// ordered by username. Backs the admin panel.
func (s *Store) ListFeatures(ctx context.Context) ([]UserFeatures, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]UserFeatures, 0, len(all))
	for _, u := range all {
		features, err := s.FeaturesFor(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, UserFeatures{User: u, Features: features})
	}

	return result, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanUser(sc scanner) (User, error) {
	var (
		u                                   User
		createdAt, lastLogin, lastActivity string
	)

	err := sc.Scan(
		&u.ID, &u.Subject, &u.AuthMode, &u.Username, &u.Email, &u.FullName,
		&u.IsAdmin, &createdAt, &lastLogin, &lastActivity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scanning user row: %w", err)
	}

	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LastLogin, err = time.Parse(time.RFC3339Nano, lastLogin); err != nil {
		return User{}, fmt.Errorf("parsing last_login: %w", err)
	}
	if u.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return User{}, fmt.Errorf("parsing last_activity: %w", err)
	}

	return u, nil
}

// usernameFor derives the display username from the identity: the
// provider's preferred_username claim when present, otherwise the email
// local part, otherwise the subject itself.
func usernameFor(identity *auth.Identity) string {
	if preferred, ok := identity.Claims["preferred_username"].(string); ok && preferred != "" {
		return preferred
	}
	if identity.Email != "" {
		if local, _, found := strings.Cut(identity.Email, "@"); found && local != "" {
			return local
		}
		return identity.Email
	}
	return identity.Subject
}

// isForeignKeyViolation checks for a SQLite FOREIGN KEY constraint violation.
func isForeignKeyViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
