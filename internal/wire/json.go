package wire

import (
	"encoding/json"
	"fmt"

	"chatcore/internal/model"
)

// MsgContainer is the x.msg.new payload shape: Simple, Quote, or
// Forward content.
type MsgContainer struct {
	Kind           string                   `json:"kind"` // simple|quote|forward
	Content        model.CIContent          `json:"content"`
	QuotedItemID   *model.SharedMsgID       `json:"quotedItemId,omitempty"`
	FileInvitation *model.RcvFileInvitation `json:"fileInvitation,omitempty"`
	TTLSeconds     *int64                   `json:"ttl,omitempty"`
	Live           bool                     `json:"live,omitempty"`
}

// FileDescrPart is one fragment of an x.msg.file.descr transmission.
type FileDescrPart struct {
	PartNo   int    `json:"partNo"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
}

// GroupInvitation is the x.grp.inv payload.
type GroupInvitation struct {
	GroupProfile model.Profile    `json:"groupProfile"`
	GroupLinkID  *model.MemberID  `json:"groupLinkId,omitempty"`
	ConnRequest  string           `json:"connRequest"`
}

// MemberInfo is the x.grp.mem.new / x.grp.mem.info payload.
type MemberInfo struct {
	MemberID model.MemberID  `json:"memberId"`
	Role     model.MemberRole `json:"role"`
	Profile  model.Profile   `json:"profile"`
}

// IntroInvitation is the x.grp.mem.inv payload a member sends back to
// the host describing the two fresh connections it created.
type IntroInvitation struct {
	MemberID      model.MemberID `json:"memberId"`
	GroupConnReq  string         `json:"groupConnReq"`
	DirectConnReq string         `json:"directConnReq"`
}

// IntroForward is the x.grp.mem.fwd payload the host relays to the new
// member.
type IntroForward struct {
	MemberID      model.MemberID `json:"memberId"`
	GroupConnReq  string         `json:"groupConnReq"`
	DirectConnReq string         `json:"directConnReq"`
}

// CallInvitation is the x.call.inv payload.
type CallInvitation struct {
	Media     string `json:"media"`
	Encrypted bool   `json:"encrypted"`
}

// CallOfferPayload is the x.call.offer/x.call.answer payload.
type CallOfferPayload struct {
	SDP string `json:"sdp"`
}

// ChatMsgEvent is the tagged union of every wire event. Only the
// fields relevant to Tag are populated — a flat envelope scaled to
// this taxonomy rather than one Go type per event.
type ChatMsgEvent struct {
	Tag string `json:"-"`

	MsgContainer    *MsgContainer       `json:"msgContainer,omitempty"`
	UpdatedContent  *model.CIContent    `json:"updatedContent,omitempty"`
	DelMemberID     *model.MemberID     `json:"delMemberId,omitempty"`
	FileDescr       *FileDescrPart      `json:"fileDescr,omitempty"`
	FileInvitation  *model.RcvFileInvitation `json:"fileInvitation,omitempty"`
	AcceptConnReq   string              `json:"acceptConnReq,omitempty"`
	Profile         *model.Profile      `json:"profile,omitempty"`
	Probe           []byte              `json:"probe,omitempty"`
	ProbeHash       []byte              `json:"probeHash,omitempty"`
	GroupInvitation *GroupInvitation    `json:"groupInvitation,omitempty"`
	MemberInfo      *MemberInfo         `json:"memberInfo,omitempty"`
	IntroInvitation *IntroInvitation    `json:"introInvitation,omitempty"`
	IntroForward    *IntroForward       `json:"introForward,omitempty"`
	MemberRole      *model.MemberRole   `json:"memberRole,omitempty"`
	GroupProfile    *model.Profile      `json:"groupProfile,omitempty"`
	CallInvitation  *CallInvitation     `json:"callInvitation,omitempty"`
	CallOffer       *CallOfferPayload   `json:"callOffer,omitempty"`
	CallAnswer      *CallOfferPayload   `json:"callAnswer,omitempty"`
	CallExtra       json.RawMessage     `json:"callExtra,omitempty"`

	// RawParams preserves the original params object for unknown tags,
	// so a downgraded client never loses a peer's message.
	RawParams json.RawMessage `json:"-"`
}

// ChatMessage is the logical envelope wrapping every chat event.
type ChatMessage struct {
	SharedMsgID *model.SharedMsgID
	Event       ChatMsgEvent
}

// wireEnvelope is the on-the-wire JSON shape: { msgId?, event, params }.
type wireEnvelope struct {
	MsgID  *model.SharedMsgID `json:"msgId,omitempty"`
	Event  string             `json:"event"`
	Params json.RawMessage    `json:"params"`
}

// Encode marshals a ChatMessage to its JSON wire form.
func Encode(msg ChatMessage) ([]byte, error) {
	var params json.RawMessage
	if msg.Event.RawParams != nil {
		params = msg.Event.RawParams
	} else {
		p, err := json.Marshal(msg.Event)
		if err != nil {
			return nil, fmt.Errorf("encode event params: %w", err)
		}
		params = p
	}
	env := wireEnvelope{MsgID: msg.SharedMsgID, Event: msg.Event.Tag, Params: params}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode chat message: %w", err)
	}
	return out, nil
}

// Decode parses the JSON wire form back into a ChatMessage. Unknown
// event tags round-trip: Tag is set, RawParams holds the original
// params object verbatim, and IsKnownTag(Tag) is false.
func Decode(data []byte) (ChatMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}

	event := ChatMsgEvent{Tag: env.Event}
	if IsKnownTag(env.Event) {
		if err := json.Unmarshal(env.Params, &event); err != nil {
			return ChatMessage{}, fmt.Errorf("decode event %q params: %w", env.Event, err)
		}
	} else {
		event.RawParams = env.Params
	}

	return ChatMessage{SharedMsgID: env.MsgID, Event: event}, nil
}
