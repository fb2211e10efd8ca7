package model

import "time"

// FileProtocol is the transfer substrate a file uses.
type FileProtocol string

const (
	ProtocolSMP  FileProtocol = "smp"
	ProtocolXFTP FileProtocol = "xftp"
)

// InlineMode is whether/how a file is offered inline over SMP.
type InlineMode string

const (
	InlineNone  InlineMode = ""
	InlineOffer InlineMode = "offer"
	InlineSent  InlineMode = "sent"
)

// SndFileStatus is the per-recipient delivery state of a sent file.
type SndFileStatus string

const (
	SndFileNew       SndFileStatus = "new"
	SndFileAccepted  SndFileStatus = "accepted"
	SndFileConnected SndFileStatus = "connected"
	SndFileComplete  SndFileStatus = "complete"
	SndFileCancelled SndFileStatus = "cancelled"
)

// RcvFileStatus is the receive-transfer state machine.
type RcvFileStatus string

const (
	RcvFileNew       RcvFileStatus = "new"
	RcvFileAccepted  RcvFileStatus = "accepted"
	RcvFileConnected RcvFileStatus = "connected"
	RcvFileComplete  RcvFileStatus = "complete"
	RcvFileCancelled RcvFileStatus = "cancelled"
)

// FileMeta is the logical transfer's shared metadata row.
type FileMeta struct {
	FileID        FileID
	UserID        UserID
	Name          string
	Size          int64
	ChunkSize     int64
	Protocol      FileProtocol
	Inline        InlineMode
	AgentSndFileID string
	Cancelled     bool
	CreatedAt     time.Time
}

// SndFileTransfer is one recipient's send-side progress.
type SndFileTransfer struct {
	FileID     FileID
	ConnID     ConnID
	Status     SndFileStatus
	Recipient  ContactID
	Descriptor string // XFTP: this recipient's descriptor text, once known
}

// RcvFileInvitation is the invitation payload carried by x.msg.new.
type RcvFileInvitation struct {
	Name        string
	Size        int64
	Digest      string
	ConnReq     string
	Inline      InlineMode
	Descriptor  string // XFTP descriptor, if already known
}

// RcvFileTransfer is the receive-side state machine.
type RcvFileTransfer struct {
	FileID         FileID
	UserID         UserID
	Invitation     RcvFileInvitation
	Status         RcvFileStatus
	ConnID         *ConnID
	AgentRcvFileID string
	LocalPath      string
	ChunksWritten  int
	DescriptorBuf  string // partial XFTP descriptor text accumulator
	DescriptorDone bool
}
