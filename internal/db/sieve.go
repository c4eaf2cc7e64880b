package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Script is a stored Sieve script.
type Script struct {
	Name   string
	Body   string
	Active bool
}

// PutScript stores or replaces a script.
func (m *DBManager) PutScript(ctx context.Context, userID int64, name, body string) error {
	_, err := m.sharedDB.ExecContext(ctx, `
		INSERT INTO sieve_scripts (user_id, name, script) VALUES (?, ?, ?)
		ON CONFLICT (user_id, name) DO UPDATE SET script = excluded.script, updated_at = CURRENT_TIMESTAMP
	`, userID, name, body)
	return errors.Wrap(err, "failed to store script")
}

// GetScript loads one script.
func (m *DBManager) GetScript(ctx context.Context, userID int64, name string) (Script, error) {
	s := Script{Name: name}
	err := m.sharedDB.QueryRowContext(ctx,
		"SELECT script, active FROM sieve_scripts WHERE user_id = ? AND name = ?", userID, name).Scan(&s.Body, &s.Active)
	if err == sql.ErrNoRows {
		return s, errors.Wrap(ErrNotFound, name)
	}
	return s, err
}

// ListScripts returns the scripts of a user ordered by name. Bodies are
// not loaded.
func (m *DBManager) ListScripts(ctx context.Context, userID int64) ([]Script, error) {
	rows, err := m.sharedDB.QueryContext(ctx,
		"SELECT name, active FROM sieve_scripts WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Script
	for rows.Next() {
		var s Script
		if err := rows.Scan(&s.Name, &s.Active); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetActiveScript makes name the only active script. An empty name
// deactivates all scripts.
func (m *DBManager) SetActiveScript(ctx context.Context, userID int64, name string) error {
	tx, err := m.sharedDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE sieve_scripts SET active = FALSE WHERE user_id = ?", userID); err != nil {
		return err
	}
	if name != "" {
		result, err := tx.ExecContext(ctx,
			"UPDATE sieve_scripts SET active = TRUE WHERE user_id = ? AND name = ?", userID, name)
		if err != nil {
			return err
		}
		if err := requireRow(result, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteScript removes an inactive script.
func (m *DBManager) DeleteScript(ctx context.Context, userID int64, name string) error {
	s, err := m.GetScript(ctx, userID, name)
	if err != nil {
		return err
	}
	if s.Active {
		return errors.Wrap(ErrNotAllowed, "script is active")
	}
	_, err = m.sharedDB.ExecContext(ctx, "DELETE FROM sieve_scripts WHERE user_id = ? AND name = ?", userID, name)
	return err
}

// RenameScript renames a script, keeping its active state.
func (m *DBManager) RenameScript(ctx context.Context, userID int64, oldName, newName string) error {
	result, err := m.sharedDB.ExecContext(ctx,
		"UPDATE sieve_scripts SET name = ? WHERE user_id = ? AND name = ?", newName, userID, oldName)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(ErrExists, newName)
		}
		return err
	}
	return requireRow(result, oldName)
}

// ScriptSpace returns the bytes used by all scripts of a user other than
// except, for HAVESPACE and PUTSCRIPT checks.
func (m *DBManager) ScriptSpace(ctx context.Context, userID int64, except string) (int64, error) {
	var n int64
	err := m.sharedDB.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(CAST(script AS BLOB))), 0) FROM sieve_scripts WHERE user_id = ? AND name != ?",
		userID, except).Scan(&n)
	return n, err
}
