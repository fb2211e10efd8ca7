package store

import (
	"context"
	"database/sql"
	"time"

	"chatcore/internal/model"
)

// GetMessageBySharedMsgID finds the most recent envelope row for a
// shared message id, regardless of direction.
func (s *Store) GetMessageBySharedMsgID(ctx context.Context, userID model.UserID, sharedMsgID model.SharedMsgID) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT msg_id, user_id, shared_msg_id, direction, event_tag, body, created_at
		FROM messages WHERE user_id = ? AND shared_msg_id = ? ORDER BY msg_id DESC LIMIT 1`, userID, sharedMsgID.String())
	return scanMessage(row)
}

// DeliveryAcked reports whether an (connID, agentMsgID) delivery has
// already been acknowledged, the idempotence check before applying a
// MSG.OK callback twice.
func (s *Store) DeliveryAcked(ctx context.Context, connID model.ConnID, agentMsgID string) (bool, error) {
	var acked int
	err := s.db.QueryRowContext(ctx, `SELECT acked FROM msg_deliveries WHERE conn_id = ? AND agent_msg_id = ?`,
		connID, agentMsgID).Scan(&acked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrap(model.StoreInternal, "msg-delivery", err)
	}
	return acked != 0, nil
}

// AckDelivery marks a delivery acknowledged. Safe to call more than
// once for the same (connID, agentMsgID) pair.
func (s *Store) AckDelivery(ctx context.Context, connID model.ConnID, agentMsgID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE msg_deliveries SET acked = 1 WHERE conn_id = ? AND agent_msg_id = ?`,
		connID, agentMsgID)
	return wrap(model.StoreInternal, "msg-delivery", err)
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var sharedMsgID, direction string
	var createdAt int64
	err := row.Scan(&m.MsgID, &m.UserID, &sharedMsgID, &direction, &m.EventTag, &m.Body, &createdAt)
	if err != nil {
		return model.Message{}, notFoundOr("message", err)
	}
	mid, err := parseMemberID(sharedMsgID)
	if err != nil {
		return model.Message{}, wrap(model.StoreInternal, "message", err)
	}
	m.SharedMsgID = mid
	m.Direction = model.MsgDirection(direction)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return m, nil
}
