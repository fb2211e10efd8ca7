package store

import (
	"context"
	"database/sql"
	"time"

	"chatcore/internal/model"
)

// CreateCommand tracks a newly dispatched asynchronous agent
// operation, keyed by its correlation id ("commands:
// correlation-id bookkeeping for in-flight agent calls").
func (s *Store) CreateCommand(ctx context.Context, c model.Command) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO commands (cmd_id, function, conn_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`, c.CmdID.String(), c.Function, nullConnID(c.ConnID), string(c.Status), c.CreatedAt.Unix())
	return wrap(model.StoreInternal, "command", err)
}

// GetCommand loads a pending command by correlation id.
func (s *Store) GetCommand(ctx context.Context, id model.CmdID) (model.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cmd_id, function, conn_id, status, created_at
		FROM commands WHERE cmd_id = ?`, id.String())
	var c model.Command
	var cmdID, status string
	var connID sql.NullInt64
	var createdAt int64
	if err := row.Scan(&cmdID, &c.Function, &connID, &status, &createdAt); err != nil {
		return model.Command{}, notFoundOr("command", err)
	}
	cid, err := parseMemberID(cmdID)
	if err != nil {
		return model.Command{}, wrap(model.StoreInternal, "command", err)
	}
	c.CmdID = cid
	c.Status = model.CommandStatus(status)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if connID.Valid {
		id := model.ConnID(connID.Int64)
		c.ConnID = &id
	}
	return c, nil
}

// CompleteCommand marks a command resolved and drops its bookkeeping
// row — commands are not retained once answered.
func (s *Store) CompleteCommand(ctx context.Context, id model.CmdID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE cmd_id = ?`, id.String())
	return wrap(model.StoreInternal, "command", err)
}

// FailCommand marks a command errored without deleting it, so a
// caller can still inspect its Function for diagnostics.
func (s *Store) FailCommand(ctx context.Context, id model.CmdID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ? WHERE cmd_id = ?`, string(model.CmdError), id.String())
	if err != nil {
		return wrap(model.StoreInternal, "command", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "command", sql.ErrNoRows)
	}
	return nil
}
