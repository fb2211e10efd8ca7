package model

import "time"

// Contact is a peer reachable via exactly one direct Connection.
type Contact struct {
	ContactID        ContactID
	UserID           UserID
	LocalDisplayName string
	Profile          Profile
	LocalAlias       string
	Preferences      Preferences
	NtfsEnabled      bool
	ChatTs           time.Time
	ContactUsed      bool
	ConnID           ConnID
	// ContactGroupID is set when this contact was created by promoting
	// a group member to a direct contact; used by the probe/merge
	// protocol to recognise the two-sided relationship.
	ContactGroupID *GroupID
	Incognito      bool
	Deleted        bool
}

// UserContactRequest is a pending incoming contact request on a
// user's address (UserContact connection).
type UserContactRequest struct {
	RequestID    int64
	UserID       UserID
	ConnID       ConnID
	InvitationID string
	Profile      Profile
	CreatedAt    time.Time
}
