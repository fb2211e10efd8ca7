package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chatcore/internal/model"
)

// NewSndMessage is the input to the composite write that creates a
// sent message, its envelope row, and the per-recipient deliveries in
// one transaction.
type NewSndMessage struct {
	UserID      model.UserID
	ContactID   *model.ContactID
	GroupID     *model.GroupID
	SharedMsgID model.SharedMsgID
	EventTag    string
	Body        []byte
	Content     model.CIContent
	Quote       *model.QuotedItem
	Timed       *model.ItemTimed
	FileID      *model.FileID
	Deliveries  []ConnDelivery // connection + agent message id for each recipient
}

// ConnDelivery pairs a connection with the agent-assigned message id
// returned by SEND, to be recorded for ack tracking.
type ConnDelivery struct {
	ConnID     model.ConnID
	AgentMsgID string
}

// CreateNewSndMessage atomically inserts the Message envelope, one
// MsgDelivery per recipient connection, and the resulting ChatItem.
// Returns the new ChatItemID.
func (s *Store) CreateNewSndMessage(ctx context.Context, in NewSndMessage) (model.ChatItemID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `INSERT INTO messages (user_id, shared_msg_id, direction, event_tag, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, in.UserID, in.SharedMsgID.String(), string(model.CISnd), in.EventTag, in.Body, now.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "message", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "message", err)
	}

	for _, d := range in.Deliveries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO msg_deliveries (msg_id, conn_id, agent_msg_id, acked)
			VALUES (?, ?, ?, 0)`, msgID, d.ConnID, d.AgentMsgID); err != nil {
			return 0, wrap(model.StoreInternal, "msg-delivery", err)
		}
	}

	content, err := json.Marshal(in.Content)
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	var quote []byte
	if in.Quote != nil {
		quote, err = json.Marshal(in.Quote)
		if err != nil {
			return 0, wrap(model.StoreInternal, "chat-item", err)
		}
	}

	itemRes, err := tx.ExecContext(ctx, `INSERT INTO chat_items
		(user_id, contact_id, group_id, member_id, direction, item_ts, shared_msg_id, content_json,
		 file_id, quote_json, timed_ttl_seconds, timed_delete_at, item_edited, item_deleted, item_live, created_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		in.UserID, nullContactID(in.ContactID), nullGroupID(in.GroupID), string(model.CISnd), now.Unix(),
		in.SharedMsgID.String(), string(content), nullFileID(in.FileID), nullBytes(quote),
		nullTimedTTL(in.Timed), nullTimedAt(in.Timed), now.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	itemID, err := itemRes.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}

	return model.ChatItemID(itemID), wrap(model.StoreInternal, "chat-item", tx.Commit())
}

// NewRcvMessage is the input to the composite write for an inbound
// message: envelope row plus the resulting ChatItem, keyed by the
// sender's connection (and member, for group messages).
type NewRcvMessage struct {
	UserID      model.UserID
	ContactID   *model.ContactID
	GroupID     *model.GroupID
	MemberID    *model.MemberID
	SharedMsgID model.SharedMsgID
	EventTag    string
	Body        []byte
	Content     model.CIContent
	Quote       *model.QuotedItem
	Timed       *model.ItemTimed
	FileID      *model.FileID
}

// CreateNewRcvChatItem atomically inserts the Message envelope and the
// resulting ChatItem for an inbound x.msg.new.
func (s *Store) CreateNewRcvChatItem(ctx context.Context, in NewRcvMessage) (model.ChatItemID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (user_id, shared_msg_id, direction, event_tag, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, in.UserID, in.SharedMsgID.String(), string(model.CIRcv), in.EventTag, in.Body, now.Unix()); err != nil {
		return 0, wrap(model.StoreInternal, "message", err)
	}

	content, err := json.Marshal(in.Content)
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	var quote []byte
	if in.Quote != nil {
		quote, err = json.Marshal(in.Quote)
		if err != nil {
			return 0, wrap(model.StoreInternal, "chat-item", err)
		}
	}

	itemRes, err := tx.ExecContext(ctx, `INSERT INTO chat_items
		(user_id, contact_id, group_id, member_id, direction, item_ts, shared_msg_id, content_json,
		 file_id, quote_json, timed_ttl_seconds, timed_delete_at, item_edited, item_deleted, item_live, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		in.UserID, nullContactID(in.ContactID), nullGroupID(in.GroupID), nullMemberID(in.MemberID),
		string(model.CIRcv), now.Unix(), in.SharedMsgID.String(), string(content), nullFileID(in.FileID),
		nullBytes(quote), nullTimedTTL(in.Timed), nullTimedAt(in.Timed), now.Unix())
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}
	itemID, err := itemRes.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "chat-item", err)
	}

	return model.ChatItemID(itemID), wrap(model.StoreInternal, "chat-item", tx.Commit())
}

// GetChatItem loads a chat item by id.
func (s *Store) GetChatItem(ctx context.Context, id model.ChatItemID) (model.ChatItem, error) {
	row := s.db.QueryRowContext(ctx, chatItemSelect+` WHERE chat_item_id = ?`, id)
	return scanChatItem(row)
}

// GetChatItemBySharedMsgID resolves the chat item addressed by a
// shared message id within one chat, the lookup every x.msg.update /
// x.msg.del relies on.
func (s *Store) GetChatItemBySharedMsgID(ctx context.Context, userID model.UserID, sharedMsgID model.SharedMsgID) (model.ChatItem, error) {
	row := s.db.QueryRowContext(ctx, chatItemSelect+` WHERE user_id = ? AND shared_msg_id = ? ORDER BY chat_item_id DESC LIMIT 1`,
		userID, sharedMsgID.String())
	item, err := scanChatItem(row)
	if err != nil {
		if se, ok := err.(*model.StoreError); ok && se.Kind == model.StoreNotFound {
			return model.ChatItem{}, wrap(model.StoreChatItemSharedMsgIDNotFound, "chat-item", se.Cause)
		}
	}
	return item, err
}

// ListChatItemsByContact pages through a direct chat's items, newest
// first, starting strictly before beforeID (0 meaning "from the end").
func (s *Store) ListChatItemsByContact(ctx context.Context, contactID model.ContactID, beforeID model.ChatItemID, limit int) ([]model.ChatItem, error) {
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx, chatItemSelect+` WHERE contact_id = ? AND chat_item_id < ?
			ORDER BY chat_item_id DESC LIMIT ?`, contactID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, chatItemSelect+` WHERE contact_id = ?
			ORDER BY chat_item_id DESC LIMIT ?`, contactID, limit)
	}
	if err != nil {
		return nil, wrap(model.StoreInternal, "chat-item", err)
	}
	return scanChatItems(rows)
}

// ListChatItemsByGroup pages through a group chat's items, newest
// first.
func (s *Store) ListChatItemsByGroup(ctx context.Context, groupID model.GroupID, beforeID model.ChatItemID, limit int) ([]model.ChatItem, error) {
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx, chatItemSelect+` WHERE group_id = ? AND chat_item_id < ?
			ORDER BY chat_item_id DESC LIMIT ?`, groupID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, chatItemSelect+` WHERE group_id = ?
			ORDER BY chat_item_id DESC LIMIT ?`, groupID, limit)
	}
	if err != nil {
		return nil, wrap(model.StoreInternal, "chat-item", err)
	}
	return scanChatItems(rows)
}

// ListTimedDue returns every chat item whose Timed.DeleteAt has
// passed, feeding the scheduler's sweep.
func (s *Store) ListTimedDue(ctx context.Context, now time.Time) ([]model.ChatItem, error) {
	rows, err := s.db.QueryContext(ctx, chatItemSelect+` WHERE timed_delete_at IS NOT NULL AND timed_delete_at <= ? AND item_deleted = 0
		ORDER BY timed_delete_at`, now.Unix())
	if err != nil {
		return nil, wrap(model.StoreInternal, "chat-item", err)
	}
	return scanChatItems(rows)
}

// ListExpiredItems returns up to limit of userID's items older than
// cutoff, oldest first, for the per-user expiration worker's batched
// sweep.
func (s *Store) ListExpiredItems(ctx context.Context, userID model.UserID, cutoff time.Time, limit int) ([]model.ChatItem, error) {
	rows, err := s.db.QueryContext(ctx, chatItemSelect+` WHERE user_id = ? AND item_ts < ? AND item_deleted = 0
		ORDER BY item_ts LIMIT ?`, userID, cutoff.Unix(), limit)
	if err != nil {
		return nil, wrap(model.StoreInternal, "chat-item", err)
	}
	return scanChatItems(rows)
}

func scanChatItems(rows *sql.Rows) ([]model.ChatItem, error) {
	defer rows.Close()
	var out []model.ChatItem
	for rows.Next() {
		item, err := scanChatItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, wrap(model.StoreInternal, "chat-item", rows.Err())
}

// UpdateChatItemContent applies x.msg.update, marking the item edited.
func (s *Store) UpdateChatItemContent(ctx context.Context, id model.ChatItemID, content model.CIContent) error {
	c, err := json.Marshal(content)
	if err != nil {
		return wrap(model.StoreInternal, "chat-item", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_items SET content_json = ?, item_edited = 1 WHERE chat_item_id = ?`, string(c), id)
	if err != nil {
		return wrap(model.StoreInternal, "chat-item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "chat-item", sql.ErrNoRows)
	}
	return nil
}

// UpdateChatItemPreview attaches link-preview metadata fetched after
// the item was already sent/received. Unlike UpdateChatItemContent
// this does not set item_edited — a preview arriving asynchronously
// is not a user edit.
func (s *Store) UpdateChatItemPreview(ctx context.Context, id model.ChatItemID, content model.CIContent) error {
	c, err := json.Marshal(content)
	if err != nil {
		return wrap(model.StoreInternal, "chat-item", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_items SET content_json = ? WHERE chat_item_id = ?`, string(c), id)
	if err != nil {
		return wrap(model.StoreInternal, "chat-item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "chat-item", sql.ErrNoRows)
	}
	return nil
}

// DeleteChatItemInternal marks an item as internally-deleted (local
// only, the peer is not notified): used by the "delete for me" path.
func (s *Store) DeleteChatItemInternal(ctx context.Context, id model.ChatItemID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_items SET item_deleted = 1 WHERE chat_item_id = ?`, id)
	if err != nil {
		return wrap(model.StoreInternal, "chat-item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "chat-item", sql.ErrNoRows)
	}
	return nil
}

// MarkChatItemLive toggles the streaming "live message" flag.
func (s *Store) MarkChatItemLive(ctx context.Context, id model.ChatItemID, live bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_items SET item_live = ? WHERE chat_item_id = ?`, boolToInt(live), id)
	return wrap(model.StoreInternal, "chat-item", err)
}

const chatItemSelect = `SELECT chat_item_id, user_id, contact_id, group_id, member_id, direction, item_ts,
	shared_msg_id, content_json, file_id, quote_json, timed_ttl_seconds, timed_delete_at,
	item_edited, item_deleted, item_live, created_at FROM chat_items`

func scanChatItem(row rowScanner) (model.ChatItem, error) {
	var it model.ChatItem
	var contactID, groupID, fileID, ttl, deleteAt sql.NullInt64
	var memberID, quote, sharedMsgID sql.NullString
	var direction, content string
	var itemTs, createdAt int64
	var edited, deleted, live int
	err := row.Scan(&it.ChatItemID, &it.UserID, &contactID, &groupID, &memberID, &direction, &itemTs,
		&sharedMsgID, &content, &fileID, &quote, &ttl, &deleteAt, &edited, &deleted, &live, &createdAt)
	if err != nil {
		return model.ChatItem{}, notFoundOr("chat-item", err)
	}
	if sharedMsgID.Valid {
		sid, err := parseMemberID(sharedMsgID.String)
		if err != nil {
			return model.ChatItem{}, wrap(model.StoreInternal, "chat-item", err)
		}
		it.SharedMsgID = &sid
	}
	it.Direction = model.CIDirection(direction)
	it.ItemTs = time.Unix(itemTs, 0).UTC()
	it.CreatedAt = time.Unix(createdAt, 0).UTC()
	it.ItemEdited = edited != 0
	it.ItemDeleted = deleted != 0
	it.ItemLive = live != 0
	if err := json.Unmarshal([]byte(content), &it.Content); err != nil {
		return model.ChatItem{}, wrap(model.StoreInternal, "chat-item", err)
	}
	if contactID.Valid {
		cid := model.ContactID(contactID.Int64)
		it.ContactID = &cid
	}
	if groupID.Valid {
		gid := model.GroupID(groupID.Int64)
		it.GroupID = &gid
	}
	if fileID.Valid {
		fid := model.FileID(fileID.Int64)
		it.FileID = &fid
	}
	if memberID.Valid {
		mid, err := parseMemberID(memberID.String)
		if err != nil {
			return model.ChatItem{}, wrap(model.StoreInternal, "chat-item", err)
		}
		it.MemberID = &mid
	}
	if quote.Valid {
		var q model.QuotedItem
		if err := json.Unmarshal([]byte(quote.String), &q); err != nil {
			return model.ChatItem{}, wrap(model.StoreInternal, "chat-item", err)
		}
		it.Quote = &q
	}
	if ttl.Valid && deleteAt.Valid {
		it.Timed = &model.ItemTimed{
			TTL:      time.Duration(ttl.Int64) * time.Second,
			DeleteAt: time.Unix(deleteAt.Int64, 0).UTC(),
		}
	}
	return it, nil
}

func nullFileID(id *model.FileID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullTimedTTL(t *model.ItemTimed) any {
	if t == nil {
		return nil
	}
	return int64(t.TTL / time.Second)
}

func nullTimedAt(t *model.ItemTimed) any {
	if t == nil {
		return nil
	}
	return t.DeleteAt.Unix()
}
