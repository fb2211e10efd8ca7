package model

import "time"

// ConnDirection is which side originated a Connection.
type ConnDirection string

const (
	ConnSnd ConnDirection = "snd"
	ConnRcv ConnDirection = "rcv"
)

// ConnStatus is the lifecycle state of a Connection.
type ConnStatus string

const (
	ConnNew       ConnStatus = "new"
	ConnJoined    ConnStatus = "joined"
	ConnRequested ConnStatus = "requested"
	ConnAccepted  ConnStatus = "accepted"
	ConnSndReady  ConnStatus = "snd-ready"
	ConnReady     ConnStatus = "ready"
	ConnDeleted   ConnStatus = "deleted"
)

// Usable reports whether messages may be sent on this connection.
func (s ConnStatus) Usable() bool {
	return s == ConnReady || s == ConnSndReady
}

// ConnType names the entity kind a Connection is bound to: the
// five-way ConnectionEntity tagged pairing.
type ConnType string

const (
	ConnTypeContactDirect ConnType = "contact"
	ConnTypeGroupMember   ConnType = "group-member"
	ConnTypeSndFile       ConnType = "snd-file"
	ConnTypeRcvFile       ConnType = "rcv-file"
	ConnTypeUserContact   ConnType = "user-contact"
)

// Connection is the unit of addressing with the agent.
type Connection struct {
	ConnID              ConnID
	AgentConnID         AgentConnID
	Direction           ConnDirection
	Status              ConnStatus
	Type                ConnType
	CustomUserProfileID *UserID // incognito
	GroupLinkID         *MemberID
	AuthErrCounter      int
	ConnectionCode      string
	NtfsEnabled         bool
	CreatedAt           time.Time
}
