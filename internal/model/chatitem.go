package model

import "time"

// CIDirection is the author side of a ChatItem.
type CIDirection string

const (
	CISnd CIDirection = "snd"
	CIRcv CIDirection = "rcv"
)

// CIContentTag tags the typed content union of a ChatItem.
type CIContentTag string

const (
	CIText          CIContentTag = "text"
	CILinkPreview   CIContentTag = "link-preview"
	CIImage         CIContentTag = "image"
	CIVideo         CIContentTag = "video"
	CIVoice         CIContentTag = "voice"
	CIFile          CIContentTag = "file"
	CICallStatus    CIContentTag = "call-status"
	CIGroupEvent    CIContentTag = "group-event"
	CIFeatureNotice CIContentTag = "feature-notice"
	CIConnEvent     CIContentTag = "conn-event"
	CIIntegrityErr  CIContentTag = "integrity-error"
	CIUnknown       CIContentTag = "unknown"
)

// LinkPreview is OpenGraph metadata attached to a text item whose body
// contains a URL.
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"desc,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"siteName,omitempty"`
}

// CIContent is the typed union of a ChatItem's rendered content.
type CIContent struct {
	Tag          CIContentTag `json:"tag"`
	Text         string       `json:"text,omitempty"`
	Preview      *LinkPreview `json:"preview,omitempty"`
	GroupEvent   string       `json:"groupEvent,omitempty"`
	CallStatus   string       `json:"callStatus,omitempty"`
	FeatureName  string       `json:"feature,omitempty"`
	UnknownEvent string       `json:"unknownEvent,omitempty"`
	RawParams    []byte       `json:"rawParams,omitempty"`
}

// QuotedItem is a lightweight reference to the item being replied to.
type QuotedItem struct {
	ItemID   ChatItemID
	SentAt   time.Time
	Content  CIContent
	Sender   string
}

// ItemTimed holds the timed-message TTL/delete-at pair.
type ItemTimed struct {
	TTL      time.Duration
	DeleteAt time.Time
}

// ChatItem is a single rendered conversation entry.
type ChatItem struct {
	ChatItemID   ChatItemID
	UserID       UserID
	ContactID    *ContactID
	GroupID      *GroupID
	MemberID     *MemberID // sender, for group items
	Direction    CIDirection
	ItemTs       time.Time
	SharedMsgID  *SharedMsgID
	Content      CIContent
	FileID       *FileID
	Quote        *QuotedItem
	Timed        *ItemTimed
	ItemEdited   bool
	ItemDeleted  bool
	ItemLive     bool
	CreatedAt    time.Time
}
