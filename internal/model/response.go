package model

// ChatResponse is a tagged union response to exactly one command.
// Rather than ~150 Go types, the wire tag selects which optional
// fields are populated — a flat, tagged envelope generalized to the
// controller's much larger response surface.
type ChatResponse struct {
	Tag string `json:"tag"`

	ActiveUser *User         `json:"activeUser,omitempty"`
	Users      []User        `json:"users,omitempty"`
	Contact    *Contact      `json:"contact,omitempty"`
	Contacts   []Contact     `json:"contacts,omitempty"`
	Group      *Group        `json:"group,omitempty"`
	Groups     []Group       `json:"groups,omitempty"`
	Member     *GroupMember  `json:"member,omitempty"`
	Members    []GroupMember `json:"members,omitempty"`
	ChatItem   *ChatItem     `json:"chatItem,omitempty"`
	ChatItems  []ChatItem    `json:"chatItems,omitempty"`
	File       *FileMeta     `json:"file,omitempty"`
	Call       *Call         `json:"call,omitempty"`
	Network    *NetworkInfo  `json:"network,omitempty"`
	Request    *UserContactRequest `json:"contactRequest,omitempty"`

	// Deletion/edit metadata.
	ByUser bool `json:"byUser,omitempty"`
	Timed  bool `json:"timed,omitempty"`

	ChatError *ResponseError `json:"chatError,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ResponseError flattens a ChatError for the wire response.
type ResponseError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// NetworkInfo describes the configured network/proxy settings
// (APINetworkConfig response).
type NetworkInfo struct {
	SocksProxy string `json:"socksProxy,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	LogEnabled bool   `json:"logEnabled,omitempty"`
}

// Response tag constants — the streaming/entity-snapshot/error variants
// the controller can emit, enumerated as string tags rather than Go types.
const (
	RespActiveUser            = "activeUser"
	RespUsersList              = "usersList"
	RespContactConnected       = "contactConnected"
	RespNewChatItem            = "newChatItem"
	RespChatItemUpdated        = "chatItemUpdated"
	RespChatItemDeleted        = "chatItemDeleted"
	RespRcvFileStart           = "rcvFileStart"
	RespRcvFileComplete        = "rcvFileComplete"
	RespSndFileComplete        = "sndFileComplete"
	RespSndFileCompleteXFTP    = "sndFileCompleteXFTP"
	RespGroupSubscribed        = "groupSubscribed"
	RespMemberSubSummary       = "memberSubSummary"
	RespContactSubSummary      = "contactSubSummary"
	RespNetworkConfig          = "networkConfig"
	RespCallInvitation         = "callInvitation"
	RespCallOffer              = "callOffer"
	RespCallAnswer             = "callAnswer"
	RespCallEnd                = "callEnd"
	RespConnectionDisabled     = "connectionDisabled"
	RespJoinedGroupMemberConnecting = "joinedGroupMemberConnecting"
	RespConnectedToGroupMember = "connectedToGroupMember"
	RespGroupInvitation        = "groupInvitation"
	RespChatCmdError           = "chatCmdError"
	RespChatError              = "chatError"
	RespCmdOk                  = "cmdOk"
	RespReceivedContactRequest = "receivedContactRequest"
)
