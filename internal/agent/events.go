package agent

import "chatcore/internal/model"

// EventTag names the agent event taxonomy dispatched by the Event
// Processor.
type EventTag string

const (
	EvtCONN   EventTag = "CONN"   // connection ready
	EvtCONF   EventTag = "CONF"   // confirmation received, awaiting AllowConnection
	EvtINFO   EventTag = "INFO"   // peer info delivered pre-confirmation
	EvtREQ    EventTag = "REQ"    // contact request on a user-address connection
	EvtMSG    EventTag = "MSG"    // inbound application message
	EvtRCVD   EventTag = "RCVD"   // delivery receipt for an inbound message (ack)
	EvtSENT   EventTag = "SENT"   // outbound message delivery confirmed
	EvtSWITCH EventTag = "SWITCH" // switchConnection progress
	EvtMERR   EventTag = "MERR"   // per-message error
	EvtERR    EventTag = "ERR"    // per-connection error
	EvtSFPROG EventTag = "SFPROG" // XFTP send progress
	EvtSFDONE EventTag = "SFDONE" // XFTP send complete, recipient descriptors attached
	EvtRFPROG EventTag = "RFPROG" // XFTP receive progress
	EvtRFDONE EventTag = "RFDONE" // XFTP receive complete, staging path attached
	EvtDEL    EventTag = "DEL"    // connection deletion confirmed
)

// SwitchPhase is the progress sequence of a connection switch.
type SwitchPhase string

const (
	SwitchStarted      SwitchPhase = "started"
	SwitchConfirmed    SwitchPhase = "confirmed"
	SwitchSecuredQueue SwitchPhase = "secured-queue"
	SwitchCompleted    SwitchPhase = "completed"
)

// AgentEvent is the flat tagged union of every inbound agent event —
// the same envelope idiom as wire.ChatMsgEvent, scaled to the agent
// boundary instead of the peer-to-peer wire.
type AgentEvent struct {
	Tag    EventTag
	ConnID model.ConnID

	Body           []byte // raw application message body, for MSG
	AgentMsgID     string // for RCVD/SENT
	CorrelationID  *model.CmdID
	ConfirmationID string // for CONF
	InvitationID   string // for REQ/CONF
	Greeting       string // peer-supplied greeting text

	SwitchPhase SwitchPhase
	SwitchStats map[string]int64

	Err *model.AgentError

	FileID            model.FileID
	RecipientDescrs   []string // SFDONE
	StagingPath       string   // RFDONE
	ProgressSent      int64
	ProgressTotal     int64
}
