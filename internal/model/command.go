package model

import "time"

// CommandStatus is the lifecycle of a pending asynchronous agent
// operation.
type CommandStatus string

const (
	CmdPending   CommandStatus = "pending"
	CmdCompleted CommandStatus = "completed"
	CmdError     CommandStatus = "error"
)

// Command is a row tracking an in-flight agent operation, keyed by its
// correlation id.
type Command struct {
	CmdID     CmdID
	Function  string
	ConnID    *ConnID
	Status    CommandStatus
	CreatedAt time.Time
}
