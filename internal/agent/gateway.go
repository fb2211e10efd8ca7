// Package agent defines the asynchronous duplex boundary to the
// underlying messaging/file agent (the SMP/XFTP substrate), and a
// QUIC/WebTransport-backed implementation of it.
package agent

import (
	"context"
	"time"

	"chatcore/internal/model"
)

// ConnMode selects how createConnection's invitation is meant to be
// consumed.
type ConnMode string

const (
	ModeInvitation ConnMode = "invitation"
	ModeContact    ConnMode = "contact"
)

// SendFlags carries per-send delivery hints.
type SendFlags struct {
	Notification bool
}

// SubResult is one connection's outcome from SubscribeConnections.
type SubResult struct {
	ConnID model.ConnID
	Err    *model.AgentError
}

// TestFailure describes which step of a server connectivity test
// failed.
type TestFailure struct {
	Step  string
	Error string
}

// NtfMode selects how push notification tokens are registered.
type NtfMode string

const (
	NtfModeOff      NtfMode = "off"
	NtfModePeriodic NtfMode = "periodic"
	NtfModeInstant  NtfMode = "instant"
)

// ServerAddr names a protocol server plus its auth parameters, used by
// TestProtocolServer/SetProtocolServers.
type ServerAddr struct {
	Protocol string // "smp" | "xftp"
	URI      string
	Auth     string
}

// AgentStats is a coarse counter snapshot for getAgentStats.
type AgentStats struct {
	SentMessages int64
	RecvMessages int64
	ActiveConns  int64
}

// Gateway is the full operation surface the controller drives the
// messaging/file agent through. Every operation may fail with a
// *model.AgentError. Operations documented
// as asynchronous return a correlation id immediately; their outcome
// arrives later as an AgentEvent on the channel returned by Events.
type Gateway interface {
	// Connection lifecycle.
	CreateConnection(ctx context.Context, userID model.UserID, mode ConnMode) (model.ConnID, string, error)
	JoinConnection(ctx context.Context, userID model.UserID, enableNtfs bool, connReq, greeting string) (model.ConnID, error)
	AllowConnection(ctx context.Context, connID model.ConnID, confirmationID, greeting string) error
	AcceptContact(ctx context.Context, userID model.UserID, enableNtfs bool, invitationID, greeting string) (model.ConnID, error)
	RejectContact(ctx context.Context, connID model.ConnID, invitationID string) error
	DeleteConnection(ctx context.Context, connID model.ConnID) (model.CmdID, error)
	DeleteConnections(ctx context.Context, connIDs []model.ConnID) (model.CmdID, error)

	// Messaging.
	SendMessage(ctx context.Context, connID model.ConnID, flags SendFlags, body []byte) (string, error)
	AckMessage(ctx context.Context, connID model.ConnID, agentMsgID string) (model.CmdID, error)
	SwitchConnection(ctx context.Context, connID model.ConnID) (model.CmdID, error)

	// Subscriptions.
	SubscribeConnections(ctx context.Context, connIDs []model.ConnID) (map[model.ConnID]*model.AgentError, error)
	ToggleNtfs(ctx context.Context, connID model.ConnID, on bool) error
	ResumeAgentClient(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Activate(ctx context.Context) error
	Suspend(ctx context.Context, drain time.Duration) error

	// Push notifications.
	RegisterNtfToken(ctx context.Context, token string, mode NtfMode) error
	VerifyNtfToken(ctx context.Context, token, nonce, code string) error
	DeleteNtfToken(ctx context.Context, token string) error
	GetNotificationMessage(ctx context.Context, nonce string, encPayload []byte) (model.ConnID, [][]byte, error)

	// XFTP.
	XFTPSendFile(ctx context.Context, userID model.UserID, path string, recipientCount int) (model.FileID, error)
	XFTPReceiveFile(ctx context.Context, userID model.UserID, descriptor string) (model.FileID, error)
	XFTPDeleteSndFile(ctx context.Context, fileID model.FileID) error
	XFTPDeleteRcvFile(ctx context.Context, fileID model.FileID) error

	// Introspection.
	GetConnectionServers(ctx context.Context, connID model.ConnID) (rcv, snd []string, err error)
	GetConnectionRatchetAdHash(ctx context.Context, connID model.ConnID) ([]byte, error)
	TestProtocolServer(ctx context.Context, userID model.UserID, server ServerAddr) (*TestFailure, error)
	SetProtocolServers(ctx context.Context, userID model.UserID, servers []ServerAddr) error
	GetAgentStats(ctx context.Context) (AgentStats, error)
	DebugAgentLocks(ctx context.Context) (map[string]string, error)

	// Events is the single inbound stream of agent events, fed to the
	// Event Processor (C5). Closed when the gateway shuts down.
	Events() <-chan AgentEvent
}
