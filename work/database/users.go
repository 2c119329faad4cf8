package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iptv-gate/work/types"
)

// CreateUser inserts a new user row. The caller supplies the id and an
// already-hashed credential.
func (db *DB) CreateUser(ctx context.Context, u *types.User) error {
	var expires sql.NullString
	if u.ExpiresAt != nil {
		expires = sql.NullString{String: FormatTime(*u.ExpiresAt), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, max_connections, is_active, expires_at, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.PasswordHash, u.MaxConnections, boolToInt(u.IsActive), expires, u.Role, FormatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByUsername retrieves a user by username, including the credential
// hash for verification. Returns nil when no such user exists.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	return db.scanUser(db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, max_connections, is_active, expires_at, role, created_at
		FROM users WHERE username = ?
	`, username))
}

// GetUserByID retrieves a user by id. Returns nil when no such user exists.
func (db *DB) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	return db.scanUser(db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, max_connections, is_active, expires_at, role, created_at
		FROM users WHERE id = ?
	`, id))
}

func (db *DB) scanUser(row *sql.Row) (*types.User, error) {
	var u types.User
	var isActive int
	var expires sql.NullString
	var created string

	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.MaxConnections, &isActive, &expires, &u.Role, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	u.IsActive = isActive != 0
	u.CreatedAt = ParseTime(created)
	if expires.Valid {
		t := ParseTime(expires.String)
		u.ExpiresAt = &t
	}
	return &u, nil
}

// ListUsers returns all users ordered by creation time, newest first.
func (db *DB) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, username, password_hash, max_connections, is_active, expires_at, role, created_at
		FROM users ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var u types.User
		var isActive int
		var expires sql.NullString
		var created string

		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.MaxConnections, &isActive, &expires, &u.Role, &created); err != nil {
			continue
		}
		u.IsActive = isActive != 0
		u.CreatedAt = ParseTime(created)
		if expires.Valid {
			t := ParseTime(expires.String)
			u.ExpiresAt = &t
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserUpdate carries the optional fields of an administrative user update.
// Nil fields are left unchanged.
type UserUpdate struct {
	PasswordHash   *string
	MaxConnections *int
	IsActive       *bool
	ExpiresAt      *time.Time
	ClearExpiry    bool // drop the expiry entirely; wins over ExpiresAt
	Role           *string
}

// UpdateUser applies the non-nil fields of the update to the user row.
// Returns false when the user does not exist.
func (db *DB) UpdateUser(ctx context.Context, id string, upd UserUpdate) (bool, error) {
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if upd.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *upd.PasswordHash)
	}
	if upd.MaxConnections != nil {
		sets = append(sets, "max_connections = ?")
		args = append(args, *upd.MaxConnections)
	}
	if upd.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*upd.IsActive))
	}
	if upd.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if upd.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, FormatTime(*upd.ExpiresAt))
	}
	if upd.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, *upd.Role)
	}

	if len(sets) == 0 {
		// nothing to change; report whether the row exists
		u, err := db.GetUserByID(ctx, id)
		return u != nil, err
	}

	query := "UPDATE users SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update user: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteUser removes a user and, through the cascading foreign key, every
// session it owns. The explicit session delete keeps the cascade honest even
// on databases restored with foreign keys disabled.
func (db *DB) DeleteUser(ctx context.Context, id string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", id); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to delete user sessions: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to delete user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit user delete: %w", err)
	}

	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CountUsers returns the total and active user counts.
func (db *DB) CountUsers(ctx context.Context) (total, active int, err error) {
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM users",
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count users: %w", err)
	}
	return total, active, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
