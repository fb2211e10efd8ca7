package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chatcore/internal/model"
)

// CreateGroup inserts a new group shell. The caller is responsible for
// also inserting the membership GroupMember row via CreateMember.
func (s *Store) CreateGroup(ctx context.Context, g model.Group) (model.GroupID, error) {
	profile, err := json.Marshal(g.Profile)
	if err != nil {
		return 0, wrap(model.StoreInternal, "group", err)
	}
	prefs, err := json.Marshal(g.Preferences)
	if err != nil {
		return 0, wrap(model.StoreInternal, "group", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO groups
		(user_id, local_name, profile_json, link_conn_id, membership_id, prefs_json, chat_ts, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.LocalName, string(profile), nullConnID(g.LinkConnID), g.MembershipID,
		string(prefs), g.ChatTs.Unix(), boolToInt(g.Deleted))
	if err != nil {
		return 0, wrap(model.StoreDuplicateName, "group", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "group", err)
	}
	return model.GroupID(id), nil
}

// SetGroupMembership records which GroupMember row represents the
// local user, once CreateMember has inserted it (CreateGroup cannot
// do this itself: the membership row's foreign key points back at the
// group it belongs to).
func (s *Store) SetGroupMembership(ctx context.Context, groupID model.GroupID, membershipID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET membership_id = ? WHERE group_id = ?`, membershipID, groupID)
	return wrap(model.StoreInternal, "group", err)
}

// GetGroup loads a group by id.
func (s *Store) GetGroup(ctx context.Context, id model.GroupID) (model.Group, error) {
	row := s.db.QueryRowContext(ctx, groupSelect+` WHERE group_id = ?`, id)
	return scanGroup(row)
}

// GetGroupByName loads a group by its local name.
func (s *Store) GetGroupByName(ctx context.Context, userID model.UserID, name string) (model.Group, error) {
	row := s.db.QueryRowContext(ctx, groupSelect+` WHERE user_id = ? AND local_name = ?`, userID, name)
	return scanGroup(row)
}

// ListGroups returns every non-deleted group for a user.
func (s *Store) ListGroups(ctx context.Context, userID model.UserID) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, groupSelect+` WHERE user_id = ? AND deleted = 0 ORDER BY chat_ts DESC`, userID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "group", err)
	}
	defer rows.Close()
	var out []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, wrap(model.StoreInternal, "group", rows.Err())
}

// UpdateGroupProfile replaces a group's profile and preferences
// (x.grp.info applied by an owner/admin).
func (s *Store) UpdateGroupProfile(ctx context.Context, id model.GroupID, profile model.Profile, prefs model.Preferences) error {
	p, err := json.Marshal(profile)
	if err != nil {
		return wrap(model.StoreInternal, "group", err)
	}
	pr, err := json.Marshal(prefs)
	if err != nil {
		return wrap(model.StoreInternal, "group", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET profile_json = ?, prefs_json = ? WHERE group_id = ?`, string(p), string(pr), id)
	if err != nil {
		return wrap(model.StoreInternal, "group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "group", sql.ErrNoRows)
	}
	return nil
}

// UpdateGroupChatTs bumps the chat-list ordering timestamp.
func (s *Store) UpdateGroupChatTs(ctx context.Context, id model.GroupID, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET chat_ts = ? WHERE group_id = ?`, ts.Unix(), id)
	return wrap(model.StoreInternal, "group", err)
}

// DeleteGroup soft-deletes a group.
func (s *Store) DeleteGroup(ctx context.Context, id model.GroupID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET deleted = 1 WHERE group_id = ?`, id)
	if err != nil {
		return wrap(model.StoreInternal, "group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "group", sql.ErrNoRows)
	}
	return nil
}

const groupSelect = `SELECT group_id, user_id, local_name, profile_json, link_conn_id, membership_id,
	prefs_json, chat_ts, deleted FROM groups`

func scanGroup(row rowScanner) (model.Group, error) {
	var g model.Group
	var profile, prefs string
	var linkConnID sql.NullInt64
	var chatTs int64
	var deleted int
	err := row.Scan(&g.GroupID, &g.UserID, &g.LocalName, &profile, &linkConnID, &g.MembershipID,
		&prefs, &chatTs, &deleted)
	if err != nil {
		return model.Group{}, notFoundOr("group", err)
	}
	if err := json.Unmarshal([]byte(profile), &g.Profile); err != nil {
		return model.Group{}, wrap(model.StoreInternal, "group", err)
	}
	if err := json.Unmarshal([]byte(prefs), &g.Preferences); err != nil {
		return model.Group{}, wrap(model.StoreInternal, "group", err)
	}
	if linkConnID.Valid {
		cid := model.ConnID(linkConnID.Int64)
		g.LinkConnID = &cid
	}
	g.ChatTs = time.Unix(chatTs, 0).UTC()
	g.Deleted = deleted != 0
	return g, nil
}

func nullConnID(id *model.ConnID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
