package model

import "time"

// MemberRole is the authority level of a GroupMember.
type MemberRole string

const (
	RoleObserver MemberRole = "observer"
	RoleMember   MemberRole = "member"
	RoleAdmin    MemberRole = "admin"
	RoleOwner    MemberRole = "owner"
)

// rolerank orders roles for comparisons (admin may act on a role
// strictly below itself, etc).
var rolerank = map[MemberRole]int{
	RoleObserver: 0,
	RoleMember:   1,
	RoleAdmin:    2,
	RoleOwner:    3,
}

// Less reports whether r is strictly weaker than other.
func (r MemberRole) Less(other MemberRole) bool { return rolerank[r] < rolerank[other] }

// AtLeast reports whether r is at least as strong as other.
func (r MemberRole) AtLeast(other MemberRole) bool { return rolerank[r] >= rolerank[other] }

// CanAuthor reports whether members with role r may send content
// messages: a member whose role is below Author may not send content
// messages. Author sits at the Member rank in this model.
func (r MemberRole) CanAuthor() bool { return rolerank[r] >= rolerank[RoleMember] }

// MemberStatus is the membership lifecycle/introduction-protocol state.
type MemberStatus string

const (
	MSInvited        MemberStatus = "invited"
	MSAccepted       MemberStatus = "accepted"
	MSAnnounced      MemberStatus = "announced"
	MSIntroInvited   MemberStatus = "intro-invited"
	MSIntroForwarded MemberStatus = "intro-forwarded"
	MSConnecting     MemberStatus = "connecting"
	MSConnected      MemberStatus = "connected"
	MSComplete       MemberStatus = "complete"
	MSRemoved        MemberStatus = "removed"
	MSLeft           MemberStatus = "left"
	MSGroupDeleted   MemberStatus = "group-deleted"
	MSCreator        MemberStatus = "creator"
)

// introRank orders the introduction-protocol statuses so monotonicity
// can be checked: status never moves backward except through the
// Removed/Left/GroupDeleted terminal transitions.
var introRank = map[MemberStatus]int{
	MSAnnounced:      0,
	MSIntroInvited:   1,
	MSIntroForwarded: 2,
	MSConnecting:     3,
	MSConnected:      4,
}

// IsTerminal reports whether s is one of the terminal member statuses
// that may interrupt introduction-protocol monotonicity.
func (s MemberStatus) IsTerminal() bool {
	switch s {
	case MSRemoved, MSLeft, MSGroupDeleted:
		return true
	default:
		return false
	}
}

// AdvancesFrom reports whether moving from prev to next respects
// introduction-protocol monotonicity (or is a terminal transition).
func AdvancesFrom(prev, next MemberStatus) bool {
	if next.IsTerminal() {
		return true
	}
	pr, pok := introRank[prev]
	nr, nok := introRank[next]
	if !pok || !nok {
		return true // outside the tracked subsequence, no ordering claim
	}
	return nr >= pr
}

// MemberCategory is where a member came from.
type MemberCategory string

const (
	CategoryUserMember    MemberCategory = "user-member"
	CategoryInviteeMember MemberCategory = "invitee-member"
	CategoryHostMember    MemberCategory = "host-member"
	CategoryPreMember     MemberCategory = "pre-member"
	CategoryPostMember    MemberCategory = "post-member"
)

// GroupMember is a remote participant, or the `membership` row
// representing the local user within the group.
type GroupMember struct {
	GroupMemberID int64
	GroupID       GroupID
	MemberID      MemberID
	DisplayName   string
	Profile       Profile
	Role          MemberRole
	Status        MemberStatus
	Category      MemberCategory
	ConnID        *ConnID
	ContactID     *ContactID
	InvitedBy     *MemberID
	CreatedAt     time.Time
}

// Group is the local shell around a membership + many GroupMember rows.
type Group struct {
	GroupID      GroupID
	UserID       UserID
	LocalName    string
	Profile      Profile
	LinkConnID   *ConnID
	MembershipID int64 // GroupMember.GroupMemberID for the local user
	Preferences  Preferences
	ChatTs       time.Time
	Deleted      bool
}
