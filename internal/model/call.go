package model

// CallState is the WebRTC negotiation phase.
type CallState string

const (
	CallInvitationSent     CallState = "invitation-sent"
	CallInvitationReceived CallState = "invitation-received"
	CallOfferSent          CallState = "offer-sent"
	CallOfferReceived      CallState = "offer-received"
	CallNegotiated         CallState = "negotiated"
)

// Call is an in-flight negotiation anchored to a ChatItem.
type Call struct {
	CallID     CallID
	ContactID  ContactID
	ChatItemID ChatItemID
	State      CallState
	SharedKey  []byte // AES key, present only when encrypted
}
