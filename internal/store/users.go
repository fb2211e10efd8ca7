package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"chatcore/internal/model"
)

// CreateUser inserts a new local identity. If active is true, any
// previously active user is demoted first so exactly one user stays
// active.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.UserID, error) {
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return 0, wrap(model.StoreInternal, "user", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(model.StoreInternal, "user", err)
	}
	defer tx.Rollback()

	if u.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET active = 0`); err != nil {
			return 0, wrap(model.StoreInternal, "user", err)
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO users
		(agent_user_id, display_name, full_name, image, view_pwd_hash, view_pwd_salt, active, show_notifications, prefs_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.AgentUserID, u.Profile.DisplayName, u.Profile.FullName, u.Profile.Image,
		u.ViewPwdHash, u.ViewPwdSalt, boolToInt(u.Active), boolToInt(u.ShowNotifications), string(prefs))
	if err != nil {
		return 0, wrap(model.StoreDuplicateName, "user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "user", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap(model.StoreInternal, "user", err)
	}
	return model.UserID(id), nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, agent_user_id, display_name, full_name, image,
		view_pwd_hash, view_pwd_salt, active, show_notifications, prefs_json FROM users WHERE user_id = ?`, id)
	return scanUser(row)
}

// GetActiveUser loads the single active user.
func (s *Store) GetActiveUser(ctx context.Context) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, agent_user_id, display_name, full_name, image,
		view_pwd_hash, view_pwd_salt, active, show_notifications, prefs_json FROM users WHERE active = 1 LIMIT 1`)
	return scanUser(row)
}

// ListUsers returns every local identity.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, agent_user_id, display_name, full_name, image,
		view_pwd_hash, view_pwd_salt, active, show_notifications, prefs_json FROM users ORDER BY user_id`)
	if err != nil {
		return nil, wrap(model.StoreInternal, "user", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, wrap(model.StoreInternal, "user", rows.Err())
}

// SetActiveUser demotes every other user and promotes id.
func (s *Store) SetActiveUser(ctx context.Context, id model.UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(model.StoreInternal, "user", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET active = 0`); err != nil {
		return wrap(model.StoreInternal, "user", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET active = 1 WHERE user_id = ?`, id)
	if err != nil {
		return wrap(model.StoreInternal, "user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "user", sql.ErrNoRows)
	}
	return wrap(model.StoreInternal, "user", tx.Commit())
}

// DeleteUser removes a user. Refuses to delete the last remaining
// user: at least one user must survive.
func (s *Store) DeleteUser(ctx context.Context, id model.UserID) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return wrap(model.StoreInternal, "user", err)
	}
	if count <= 1 {
		return wrap(model.StoreInternal, "user", fmt.Errorf("cannot delete the only remaining user"))
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return wrap(model.StoreInternal, "user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "user", sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	var active, showNtfs int
	var prefs string
	err := row.Scan(&u.UserID, &u.AgentUserID, &u.Profile.DisplayName, &u.Profile.FullName, &u.Profile.Image,
		&u.ViewPwdHash, &u.ViewPwdSalt, &active, &showNtfs, &prefs)
	if err != nil {
		return model.User{}, notFoundOr("user", err)
	}
	u.Active = active != 0
	u.ShowNotifications = showNtfs != 0
	if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
		return model.User{}, wrap(model.StoreInternal, "user", err)
	}
	return u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
