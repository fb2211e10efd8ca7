package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"chatcore/internal/model"
)

// CreateMember inserts a GroupMember row (including the membership row
// for the local user, whose Category is CategoryUserMember).
func (s *Store) CreateMember(ctx context.Context, m model.GroupMember) (int64, error) {
	profile, err := json.Marshal(m.Profile)
	if err != nil {
		return 0, wrap(model.StoreInternal, "member", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO group_members
		(group_id, member_id, display_name, profile_json, role, status, category, conn_id,
		 contact_id, invited_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID, m.MemberID.String(), m.DisplayName, string(profile), string(m.Role), string(m.Status),
		string(m.Category), nullConnID(m.ConnID), nullContactID(m.ContactID), nullMemberID(m.InvitedBy), m.CreatedAt.Unix())
	if err != nil {
		return 0, wrap(model.StoreDuplicateName, "member", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(model.StoreInternal, "member", err)
	}
	return id, nil
}

// GetMember loads a group member by row id.
func (s *Store) GetMember(ctx context.Context, id int64) (model.GroupMember, error) {
	row := s.db.QueryRowContext(ctx, memberSelect+` WHERE group_member_id = ?`, id)
	return scanMember(row)
}

// GetMemberByMemberID looks up a member within a group by its
// protocol-level MemberID, the key every x.grp.* event arrives tagged
// with.
func (s *Store) GetMemberByMemberID(ctx context.Context, groupID model.GroupID, memberID model.MemberID) (model.GroupMember, error) {
	row := s.db.QueryRowContext(ctx, memberSelect+` WHERE group_id = ? AND member_id = ?`, groupID, memberID.String())
	return scanMember(row)
}

// GetMemberByContactID finds the membership row for a contact already
// known directly, used by the probe/merge protocol.
func (s *Store) GetMemberByContactID(ctx context.Context, groupID model.GroupID, contactID model.ContactID) (model.GroupMember, error) {
	row := s.db.QueryRowContext(ctx, memberSelect+` WHERE group_id = ? AND contact_id = ?`, groupID, contactID)
	return scanMember(row)
}

// GetMemberByConnID resolves the member owning a group-member
// connection, the lookup the event processor runs on every inbound
// event for a ConnTypeGroupMember connection.
func (s *Store) GetMemberByConnID(ctx context.Context, connID model.ConnID) (model.GroupMember, error) {
	row := s.db.QueryRowContext(ctx, memberSelect+` WHERE conn_id = ?`, connID)
	return scanMember(row)
}

// ListMembers returns every member of a group ordered by join time.
func (s *Store) ListMembers(ctx context.Context, groupID model.GroupID) ([]model.GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, memberSelect+` WHERE group_id = ? ORDER BY created_at, group_member_id`, groupID)
	if err != nil {
		return nil, wrap(model.StoreInternal, "member", err)
	}
	defer rows.Close()
	var out []model.GroupMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, wrap(model.StoreInternal, "member", rows.Err())
}

// UpdateMemberStatus transitions a member's lifecycle status. Callers
// are expected to have already checked model.AdvancesFrom.
func (s *Store) UpdateMemberStatus(ctx context.Context, id int64, status model.MemberStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE group_members SET status = ? WHERE group_member_id = ?`, string(status), id)
	if err != nil {
		return wrap(model.StoreInternal, "member", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap(model.StoreNotFound, "member", sql.ErrNoRows)
	}
	return nil
}

// UpdateMemberRole changes a member's authority level (x.grp.mem.role).
func (s *Store) UpdateMemberRole(ctx context.Context, id int64, role model.MemberRole) error {
	_, err := s.db.ExecContext(ctx, `UPDATE group_members SET role = ? WHERE group_member_id = ?`, string(role), id)
	return wrap(model.StoreInternal, "member", err)
}

// SetMemberConnAndContact attaches the direct connection/contact
// created by the introduction protocol once it completes.
func (s *Store) SetMemberConnAndContact(ctx context.Context, id int64, connID model.ConnID, contactID model.ContactID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE group_members SET conn_id = ?, contact_id = ? WHERE group_member_id = ?`,
		connID, contactID, id)
	return wrap(model.StoreInternal, "member", err)
}

const memberSelect = `SELECT group_member_id, group_id, member_id, display_name, profile_json, role,
	status, category, conn_id, contact_id, invited_by, created_at FROM group_members`

func scanMember(row rowScanner) (model.GroupMember, error) {
	var m model.GroupMember
	var memberID, role, status, category, profile string
	var connID, contactID sql.NullInt64
	var invitedBy sql.NullString
	var createdAt int64
	err := row.Scan(&m.GroupMemberID, &m.GroupID, &memberID, &m.DisplayName, &profile, &role,
		&status, &category, &connID, &contactID, &invitedBy, &createdAt)
	if err != nil {
		return model.GroupMember{}, notFoundOr("member", err)
	}
	mid, err := parseMemberID(memberID)
	if err != nil {
		return model.GroupMember{}, wrap(model.StoreInternal, "member", err)
	}
	m.MemberID = mid
	if err := json.Unmarshal([]byte(profile), &m.Profile); err != nil {
		return model.GroupMember{}, wrap(model.StoreInternal, "member", err)
	}
	m.Role = model.MemberRole(role)
	m.Status = model.MemberStatus(status)
	m.Category = model.MemberCategory(category)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	if connID.Valid {
		cid := model.ConnID(connID.Int64)
		m.ConnID = &cid
	}
	if contactID.Valid {
		cid := model.ContactID(contactID.Int64)
		m.ContactID = &cid
	}
	if invitedBy.Valid {
		ib, err := parseMemberID(invitedBy.String)
		if err != nil {
			return model.GroupMember{}, wrap(model.StoreInternal, "member", err)
		}
		m.InvitedBy = &ib
	}
	return m, nil
}

func nullContactID(id *model.ContactID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
