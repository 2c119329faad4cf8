package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iptv-gate/work/types"
)

const sessionColumns = "id, user_id, fingerprint, device_name, device_type, ip_address, user_agent, created_at, last_activity"

// FindSession loads the session for (userID, fingerprint), or nil when the
// device has no active slot.
func (db *DB) FindSession(ctx context.Context, userID, fingerprint string) (*types.Session, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? AND fingerprint = ?",
		userID, fingerprint)

	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// CountSessions returns the number of active sessions owned by the user.
func (db *DB) CountSessions(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// InsertSession creates a new session row.
func (db *DB) InsertSession(ctx context.Context, s *types.Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, fingerprint, device_name, device_type, ip_address, user_agent, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.Fingerprint, s.DeviceName, string(s.DeviceType), s.IPAddress, s.UserAgent,
		FormatTime(s.CreatedAt), FormatTime(s.LastActivity))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// TouchSession renews a session's last-activity timestamp.
func (db *DB) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ? WHERE id = ?",
		FormatTime(at), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSession removes one session belonging to the user. Returns false
// when no matching row existed.
func (db *DB) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM sessions WHERE user_id = ? AND id = ?", userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteSessions removes every session owned by the user and returns how
// many were removed.
func (db *DB) DeleteSessions(ctx context.Context, userID string) (int, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ListSessions returns the user's active sessions, most recently active first.
func (db *DB) ListSessions(ctx context.Context, userID string) ([]types.Session, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? ORDER BY last_activity DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListAllSessions returns up to limit active sessions across all users,
// most recently active first. Used by the admin overview.
func (db *DB) ListAllSessions(ctx context.Context, limit int) ([]types.Session, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY last_activity DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list all sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// DeleteIdleSessions removes sessions whose last activity is older than the
// cutoff and returns how many were removed. The staleness predicate lives
// inside the DELETE itself, so a renewal that lands between scan and delete
// keeps its row: the row no longer matches the predicate.
func (db *DB) DeleteIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_activity < ?", FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// CountAllSessions returns the number of active sessions across all users.
func (db *DB) CountAllSessions(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count all sessions: %w", err)
	}
	return count, nil
}

func scanSession(scan func(...interface{}) error) (*types.Session, error) {
	var s types.Session
	var deviceType, created, lastActivity string

	err := scan(&s.ID, &s.UserID, &s.Fingerprint, &s.DeviceName, &deviceType,
		&s.IPAddress, &s.UserAgent, &created, &lastActivity)
	if err != nil {
		return nil, err
	}

	s.DeviceType = types.DeviceType(deviceType)
	s.CreatedAt = ParseTime(created)
	s.LastActivity = ParseTime(lastActivity)
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]types.Session, error) {
	var sessions []types.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
