// Package model holds the entity and wire types shared by every
// component of the chat controller: store rows, agent-facing values,
// and view-facing response payloads.
package model

import "github.com/google/uuid"

// MemberID uniquely identifies a GroupMember within its group, issued
// by the host on admission. 16 bytes, stable for the life of the group.
type MemberID = uuid.UUID

// SharedMsgID is agreed between peers to refer to the same logical
// message across edit/delete. 16 bytes.
type SharedMsgID = uuid.UUID

// NewMemberID returns a freshly generated MemberID.
func NewMemberID() MemberID { return uuid.New() }

// NewSharedMsgID returns a freshly generated SharedMsgID.
func NewSharedMsgID() SharedMsgID { return uuid.New() }

// ConnID is a local, process-unique connection identifier.
type ConnID int64

// AgentConnID is the opaque connection identifier assigned by the
// underlying messaging agent.
type AgentConnID string

// UserID is a process-unique user identifier.
type UserID int64

// ContactID identifies a Contact row.
type ContactID int64

// GroupID identifies a Group row.
type GroupID int64

// ChatItemID identifies a ChatItem row.
type ChatItemID int64

// FileID identifies a File row (shared by send and receive transfers).
type FileID int64

// CallID identifies a Call row.
type CallID int64

// CmdID is used as the correlation id for a pending asynchronous agent
// operation.
type CmdID = uuid.UUID

// NewCmdID returns a freshly generated CmdID.
func NewCmdID() CmdID { return uuid.New() }

// ChatKind distinguishes the three addressable chat reference kinds.
type ChatKind string

const (
	ChatKindDirect ChatKind = "@" // direct contact
	ChatKindGroup  ChatKind = "#" // group
	ChatKindFile   ChatKind = ":" // file transfer status channel
)

// ChatRef is the parsed form of the command grammar's `(@|#|:)ID`.
type ChatRef struct {
	Kind ChatKind
	ID   int64
}
