package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatcore/internal/model"
)

// EnqueuePendingGroupMessage queues a message for a member who is not
// yet CONNECTED, to be flushed in order once their connection becomes
// usable: host-relayed group messages must preserve send order per
// member.
func (s *Store) EnqueuePendingGroupMessage(ctx context.Context, groupMemberID, msgID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO pending_group_messages (group_member_id, msg_id, created_at)
		VALUES (?, ?, ?)`, groupMemberID, msgID, time.Now().Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "pending-group-message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "pending-group-message", err)
	}
	return id, nil
}

// ListPendingGroupMessages returns a member's queued messages in
// insertion order.
func (s *Store) ListPendingGroupMessages(ctx context.Context, groupMemberID int64) ([]model.PendingGroupMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, group_member_id, msg_id, created_at
		FROM pending_group_messages WHERE group_member_id = ? ORDER BY id`, groupMemberID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "pending-group-message", err)
	}
	defer rows.Close()
	var out []model.PendingGroupMessage
	for rows.Next() {
		var p model.PendingGroupMessage
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.GroupMemberID, &p.MsgID, &createdAt); err != nil {
			return nil, wrap(model.StoreInternal, "pending-group-message", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, p)
	}
	return out, wrap(model.StoreInternal, "pending-group-message", rows.Err())
}

// DeletePendingGroupMessage removes a queued message once flushed.
func (s *Store) DeletePendingGroupMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_group_messages WHERE id = ?`, id)
	return wrap(model.StoreInternal, "pending-group-message", err)
}

// CreateUserContactRequest records an incoming contact request on a
// user's address.
func (s *Store) CreateUserContactRequest(ctx context.Context, r model.UserContactRequest) (int64, error) {
	profile, err := marshalProfile(r.Profile)
	if err != nil {
		return 0, wrap(model.StoreInternal, "user-contact-request", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO user_contact_requests
		(user_id, conn_id, invitation_id, profile_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.UserID, r.ConnID, r.InvitationID, profile, r.CreatedAt.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "user-contact-request", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "user-contact-request", err)
	}
	return id, nil
}

// DeleteUserContactRequest removes a request once accepted or rejected.
func (s *Store) DeleteUserContactRequest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_contact_requests WHERE request_id = ?`, id)
	return wrap(model.StoreInternal, "user-contact-request", err)
}

// GetSetting reads a per-user key/value setting (e.g. the configured
// network/proxy options of RespNetworkConfig).
func (s *Store) GetSetting(ctx context.Context, userID model.UserID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, wrap(model.StoreInternal, "setting", err)
	}
	return value, true, nil
}

// SetSetting upserts a per-user key/value setting.
func (s *Store) SetSetting(ctx context.Context, userID model.UserID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`, userID, key, value)
	return wrap(model.StoreInternal, "setting", err)
}

// ListSettings returns every key/value pair stored for userID.
func (s *Store) ListSettings(ctx context.Context, userID model.UserID) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "setting", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrap(model.StoreInternal, "setting", err)
		}
		out[k] = v
	}
	return out, wrap(model.StoreInternal, "setting", rows.Err())
}

func marshalProfile(p model.Profile) (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}
