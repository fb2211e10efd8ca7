package model

import "fmt"

// ChatError is the closed four-branch error sum: command, store, agent,
// and fatal errors are the only kinds a caller ever needs to branch on.
type ChatError interface {
	error
	chatError()
}

// CommandError is raised for input validation and rule violations
// before any state mutation; recovered at the dispatcher entry point.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return "command error: " + e.Reason }
func (*CommandError) chatError()      {}

// StoreErrKind enumerates the named StoreError branches.
type StoreErrKind string

const (
	StoreDuplicateName               StoreErrKind = "duplicate-name"
	StoreNotFound                    StoreErrKind = "not-found"
	StoreDuplicateContactLink        StoreErrKind = "duplicate-contact-link"
	StoreDuplicateGroupLink          StoreErrKind = "duplicate-group-link"
	StoreChatItemSharedMsgIDNotFound StoreErrKind = "shared-msg-id-not-found"
	StoreQuotedChatItemNotFound      StoreErrKind = "quoted-item-not-found"
	StoreInternal                    StoreErrKind = "internal"
)

// StoreError wraps a persistence-layer failure.
type StoreError struct {
	Kind   StoreErrKind
	Entity string
	Cause  error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error: %s %s: %v", e.Kind, e.Entity, e.Cause)
	}
	return fmt.Sprintf("store error: %s %s", e.Kind, e.Entity)
}
func (e *StoreError) Unwrap() error { return e.Cause }
func (*StoreError) chatError()      {}

// AgentErrKind enumerates the named AgentError branches with
// load-bearing behavior.
type AgentErrKind string

const (
	AgentSMPAuth       AgentErrKind = "SMP.AUTH"
	AgentDuplicate     AgentErrKind = "AGENT.DUPLICATE"
	AgentConnNotFound  AgentErrKind = "CONN.NOT_FOUND"
	AgentOther         AgentErrKind = "AGENT.OTHER"
)

// AgentError is propagated from the Agent Gateway.
type AgentError struct {
	Kind   AgentErrKind
	ConnID *ConnID
	Cause  error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent error: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("agent error: %s", e.Kind)
}
func (e *AgentError) Unwrap() error { return e.Cause }
func (*AgentError) chatError()      {}

// FatalError models AgentDatabaseError/CryptoError: fatal to the
// operation, reported verbatim.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal error: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }
func (*FatalError) chatError()      {}

// EncryptedDbNotOpen is the single retryable store sentinel that is
// reported verbatim.
var ErrEncryptedDbNotOpen = &StoreError{Kind: StoreInternal, Entity: "database", Cause: fmt.Errorf("encrypted database is not open")}

// ErrFileAlreadyExists is returned when a received file would
// overwrite an existing path.
var ErrFileAlreadyExists = fmt.Errorf("file already exists")

// ErrBadChunkNumber marks a file transfer failed due to an
// out-of-sequence chunk.
var ErrBadChunkNumber = fmt.Errorf("bad chunk number")

// ErrDuplicateMember is returned by add-member when the contact is
// already a non-Invited member of the group.
var ErrDuplicateMember = fmt.Errorf("duplicate member")
