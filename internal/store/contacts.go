package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chatcore/internal/model"
)

// CreateContact inserts a new direct contact row.
func (s *Store) CreateContact(ctx context.Context, c model.Contact) (model.ContactID, error) {
	profile, err := json.Marshal(c.Profile)
	if err != nil {
		return 0, wrap(model.StoreInternal, "contact", err)
	}
	prefs, err := json.Marshal(c.Preferences)
	if err != nil {
		return 0, wrap(model.StoreInternal, "contact", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO contacts
		(user_id, local_display_name, profile_json, local_alias, prefs_json, ntfs_enabled,
		 chat_ts, contact_used, conn_id, contact_group_id, incognito, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.LocalDisplayName, string(profile), c.LocalAlias, string(prefs),
		boolToInt(c.NtfsEnabled), c.ChatTs.Unix(), boolToInt(c.ContactUsed), c.ConnID,
		nullGroupID(c.ContactGroupID), boolToInt(c.Incognito), boolToInt(c.Deleted))
	if err != nil {
		return 0, wrap(model.StoreDuplicateName, "contact", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "contact", err)
	}
	return model.ContactID(id), nil
}

// GetContact loads a contact by id.
func (s *Store) GetContact(ctx context.Context, id model.ContactID) (model.Contact, error) {
	row := s.db.QueryRowContext(ctx, contactSelect+` WHERE contact_id = ?`, id)
	return scanContact(row)
}

// GetContactByConnID resolves the contact owning a direct connection,
// the lookup the event processor runs on every inbound CONF/INFO/
// CON/MSG/SENT/SWITCH/MERR/ERR for a ConnTypeContactDirect connection.
func (s *Store) GetContactByConnID(ctx context.Context, connID model.ConnID) (model.Contact, error) {
	row := s.db.QueryRowContext(ctx, contactSelect+` WHERE conn_id = ?`, connID)
	return scanContact(row)
}

// GetContactByName loads a contact by its local display name.
func (s *Store) GetContactByName(ctx context.Context, userID model.UserID, name string) (model.Contact, error) {
	row := s.db.QueryRowContext(ctx, contactSelect+` WHERE user_id = ? AND local_display_name = ?`, userID, name)
	return scanContact(row)
}

// ListContacts returns every non-deleted contact for a user.
func (s *Store) ListContacts(ctx context.Context, userID model.UserID) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, contactSelect+` WHERE user_id = ? AND deleted = 0 ORDER BY chat_ts DESC`, userID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "contact", err)
	}
	defer rows.Close()
	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, wrap(model.StoreInternal, "contact", rows.Err())
}

// UpdateContactProfile replaces the stored profile and preferences for
// a contact (received via x.info).
func (s *Store) UpdateContactProfile(ctx context.Context, id model.ContactID, profile model.Profile, prefs model.Preferences) error {
	p, err := json.Marshal(profile)
	if err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	pr, err := json.Marshal(prefs)
	if err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET profile_json = ?, prefs_json = ? WHERE contact_id = ?`,
		string(p), string(pr), id)
	if err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "contact", sql.ErrNoRows)
	}
	return nil
}

// UpdateContactChatTs bumps the timestamp used to order the chat list.
func (s *Store) UpdateContactChatTs(ctx context.Context, id model.ContactID, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contacts SET chat_ts = ? WHERE contact_id = ?`, ts.Unix(), id)
	return wrap(model.StoreInternal, "contact", err)
}

// MarkContactUsed flips contact_used once a message has actually been
// exchanged.
func (s *Store) MarkContactUsed(ctx context.Context, id model.ContactID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contacts SET contact_used = 1 WHERE contact_id = ?`, id)
	return wrap(model.StoreInternal, "contact", err)
}

// DeleteContact soft-deletes a contact (its chat history is retained).
func (s *Store) DeleteContact(ctx context.Context, id model.ContactID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET deleted = 1 WHERE contact_id = ?`, id)
	if err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "contact", sql.ErrNoRows)
	}
	return nil
}

// MergeContacts folds the duplicate contact created by the probe/merge
// protocol into the canonical one once probeOk confirms they are the
// same peer ("on probe match, merge the duplicate contact
// that resulted from a group-member promotion into the original").
// Chat items and group-member rows referencing the duplicate are
// reassigned, then the duplicate row is deleted.
func (s *Store) MergeContacts(ctx context.Context, keep, duplicate model.ContactID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE chat_items SET contact_id = ? WHERE contact_id = ?`, keep, duplicate); err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE group_members SET contact_id = ? WHERE contact_id = ?`, keep, duplicate); err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE contact_id = ?`, duplicate); err != nil {
		return wrap(model.StoreInternal, "contact", err)
	}
	return wrap(model.StoreInternal, "contact", tx.Commit())
}

const contactSelect = `SELECT contact_id, user_id, local_display_name, profile_json, local_alias, prefs_json,
	ntfs_enabled, chat_ts, contact_used, conn_id, contact_group_id, incognito, deleted FROM contacts`

func scanContact(row rowScanner) (model.Contact, error) {
	var c model.Contact
	var profile, prefs string
	var ntfs, used, incognito, deleted int
	var chatTs int64
	var groupID sql.NullInt64
	err := row.Scan(&c.ContactID, &c.UserID, &c.LocalDisplayName, &profile, &c.LocalAlias, &prefs,
		&ntfs, &chatTs, &used, &c.ConnID, &groupID, &incognito, &deleted)
	if err != nil {
		return model.Contact{}, notFoundOr("contact", err)
	}
	if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
		return model.Contact{}, wrap(model.StoreInternal, "contact", err)
	}
	if err := json.Unmarshal([]byte(prefs), &c.Preferences); err != nil {
		return model.Contact{}, wrap(model.StoreInternal, "contact", err)
	}
	c.NtfsEnabled = ntfs != 0
	c.ChatTs = time.Unix(chatTs, 0).UTC()
	c.ContactUsed = used != 0
	c.Incognito = incognito != 0
	c.Deleted = deleted != 0
	if groupID.Valid {
		gid := model.GroupID(groupID.Int64)
		c.ContactGroupID = &gid
	}
	return c, nil
}

func nullGroupID(id *model.GroupID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
