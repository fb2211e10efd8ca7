package store

import (
	"context"
	"database/sql"
	"time"

	"chatcore/internal/model"
)

// CreateConnection inserts a new Connection row. If c.ConnID is
// nonzero, it is used verbatim as the primary key instead of letting
// SQLite autoincrement assign one — the Agent Gateway (internal/agent)
// mints ConnID itself on createConnection/joinConnection, and the
// local and agent-facing address spaces must stay the same number.
func (s *Store) CreateConnection(ctx context.Context, c model.Connection) (model.ConnID, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ConnID != 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO connections
			(conn_id, agent_conn_id, direction, status, type, custom_user_profile_id, group_link_id,
			 auth_err_counter, connection_code, ntfs_enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConnID, string(c.AgentConnID), string(c.Direction), string(c.Status), string(c.Type),
			nullUserID(c.CustomUserProfileID), nullMemberID(c.GroupLinkID), c.AuthErrCounter,
			c.ConnectionCode, boolToInt(c.NtfsEnabled), c.CreatedAt.Unix())
		if err != nil {
			return 0, wrap(model.StoreInternal, "connection", err)
		}
		return c.ConnID, nil
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO connections
		(agent_conn_id, direction, status, type, custom_user_profile_id, group_link_id,
		 auth_err_counter, connection_code, ntfs_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.AgentConnID), string(c.Direction), string(c.Status), string(c.Type),
		nullUserID(c.CustomUserProfileID), nullMemberID(c.GroupLinkID), c.AuthErrCounter,
		c.ConnectionCode, boolToInt(c.NtfsEnabled), c.CreatedAt.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "connection", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "connection", err)
	}
	return model.ConnID(id), nil
}

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id model.ConnID) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, connSelect+` WHERE conn_id = ?`, id)
	return scanConnection(row)
}

// GetConnectionByAgentID resolves the local Connection for an agent
// connection id; the lookup driven by every inbound agent event.
func (s *Store) GetConnectionByAgentID(ctx context.Context, agentConnID model.AgentConnID) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, connSelect+` WHERE agent_conn_id = ?`, string(agentConnID))
	return scanConnection(row)
}

// UpdateConnectionStatus transitions a connection's lifecycle status.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id model.ConnID, status model.ConnStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE connections SET status = ? WHERE conn_id = ?`, string(status), id)
	if err != nil {
		return wrap(model.StoreInternal, "connection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "connection", sql.ErrNoRows)
	}
	return nil
}

// SetConnectionAgentID records the agent-assigned connection id once
// NEW/JOIN returns it.
func (s *Store) SetConnectionAgentID(ctx context.Context, id model.ConnID, agentConnID model.AgentConnID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE connections SET agent_conn_id = ? WHERE conn_id = ?`, string(agentConnID), id)
	return wrap(model.StoreInternal, "connection", err)
}

// IncrementAuthErrCounter bumps the retry counter on repeated
// SMP.AUTH errors: after a threshold, surface ConnectionDisabled
// instead of retrying silently.
func (s *Store) IncrementAuthErrCounter(ctx context.Context, id model.ConnID) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(model.StoreInternal, "connection", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE connections SET auth_err_counter = auth_err_counter + 1 WHERE conn_id = ?`, id); err != nil {
		return 0, wrap(model.StoreInternal, "connection", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT auth_err_counter FROM connections WHERE conn_id = ?`, id).Scan(&count); err != nil {
		return 0, notFoundOr("connection", err)
	}
	return count, wrap(model.StoreInternal, "connection", tx.Commit())
}

// DeleteConnection removes a connection row entirely (used once an
// agent DEL confirms teardown).
func (s *Store) DeleteConnection(ctx context.Context, id model.ConnID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE conn_id = ?`, id)
	return wrap(model.StoreInternal, "connection", err)
}

const connSelect = `SELECT conn_id, agent_conn_id, direction, status, type, custom_user_profile_id,
	group_link_id, auth_err_counter, connection_code, ntfs_enabled, created_at FROM connections`

func scanConnection(row rowScanner) (model.Connection, error) {
	var c model.Connection
	var direction, status, typ, agentConnID string
	var ntfs int
	var createdAt int64
	var customProfileID sql.NullInt64
	var groupLinkID sql.NullString
	err := row.Scan(&c.ConnID, &agentConnID, &direction, &status, &typ, &customProfileID,
		&groupLinkID, &c.AuthErrCounter, &c.ConnectionCode, &ntfs, &createdAt)
	if err != nil {
		return model.Connection{}, notFoundOr("connection", err)
	}
	c.AgentConnID = model.AgentConnID(agentConnID)
	c.Direction = model.ConnDirection(direction)
	c.Status = model.ConnStatus(status)
	c.Type = model.ConnType(typ)
	c.NtfsEnabled = ntfs != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if customProfileID.Valid {
		uid := model.UserID(customProfileID.Int64)
		c.CustomUserProfileID = &uid
	}
	if groupLinkID.Valid {
		mid, err := parseMemberID(groupLinkID.String)
		if err != nil {
			return model.Connection{}, wrap(model.StoreInternal, "connection", err)
		}
		c.GroupLinkID = &mid
	}
	return c, nil
}

func nullUserID(id *model.UserID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullMemberID(id *model.MemberID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
