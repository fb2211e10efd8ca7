package store

import (
	"context"
	"database/sql"

	"chatcore/internal/model"
)

// UpsertCall creates or replaces the in-flight call negotiation
// anchored to a contact. There is at most
// one live call per contact.
func (s *Store) UpsertCall(ctx context.Context, c model.Call) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls (call_id, contact_id, chat_item_id, state, shared_key)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET call_id = excluded.call_id, chat_item_id = excluded.chat_item_id,
			state = excluded.state, shared_key = excluded.shared_key`,
		int64(c.CallID), c.ContactID, c.ChatItemID, string(c.State), c.SharedKey)
	return wrap(model.StoreInternal, "call", err)
}

// GetCallByContact loads the live call for a contact, if any.
func (s *Store) GetCallByContact(ctx context.Context, contactID model.ContactID) (model.Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT call_id, contact_id, chat_item_id, state, shared_key
		FROM calls WHERE contact_id = ?`, contactID)
	var c model.Call
	var state string
	var sharedKey []byte
	if err := row.Scan(&c.CallID, &c.ContactID, &c.ChatItemID, &state, &sharedKey); err != nil {
		return model.Call{}, notFoundOr("call", err)
	}
	c.State = model.CallState(state)
	c.SharedKey = sharedKey
	return c, nil
}

// DeleteCall ends a call negotiation.
func (s *Store) DeleteCall(ctx context.Context, contactID model.ContactID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE contact_id = ?`, contactID)
	if err != nil {
		return wrap(model.StoreInternal, "call", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "call", sql.ErrNoRows)
	}
	return nil
}
