package controller

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/linkpreview"
	"chatcore/internal/model"
	"chatcore/internal/store"
	"chatcore/internal/wire"
)

// handleEvent dispatches an inbound agent event to exactly one of five
// entity handlers, keyed on the owning connection's type. Called under
// the chat lock from Run's event-processor loop.
func (c *Controller) handleEvent(ctx context.Context, evt agent.AgentEvent) {
	switch evt.Tag {
	case agent.EvtDEL:
		if err := c.Store.DeleteConnection(ctx, evt.ConnID); err != nil {
			c.Log.Warn("delete connection on DEL event failed", "conn", evt.ConnID, "err", err)
		}
		return
	case agent.EvtSFPROG, agent.EvtSFDONE:
		// XFTP uploads are single agent-side jobs serving every
		// recipient at once; they carry the agent's file handle, not a
		// connection, so they route independently of conn.Type.
		c.handleXFTPSendEvent(ctx, evt)
		return
	case agent.EvtRFPROG, agent.EvtRFDONE:
		c.handleXFTPRecvEvent(ctx, evt)
		return
	}

	conn, err := c.Store.GetConnection(ctx, evt.ConnID)
	if err != nil {
		c.Log.Warn("event for unknown connection", "conn", evt.ConnID, "tag", evt.Tag, "err", err)
		return
	}

	switch conn.Type {
	case model.ConnTypeContactDirect:
		c.handleContactEvent(ctx, conn, evt)
	case model.ConnTypeGroupMember:
		c.handleMemberEvent(ctx, conn, evt)
	case model.ConnTypeUserContact:
		c.handleUserContactEvent(ctx, conn, evt)
	case model.ConnTypeSndFile:
		c.handleSndFileEvent(ctx, conn, evt)
	case model.ConnTypeRcvFile:
		c.handleRcvFileEvent(ctx, conn, evt)
	default:
		c.Log.Warn("event for connection of unknown type", "conn", evt.ConnID, "type", conn.Type)
	}
}

// handleContactEvent processes CONF/INFO/CONN/MSG/SENT/SWITCH/MERR/ERR
// arriving on a direct-contact connection.
func (c *Controller) handleContactEvent(ctx context.Context, conn model.Connection, evt agent.AgentEvent) {
	contact, err := c.Store.GetContactByConnID(ctx, conn.ConnID)
	if err != nil {
		c.Log.Warn("contact event for unknown contact", "conn", conn.ConnID, "err", err)
		return
	}

	switch evt.Tag {
	case agent.EvtCONF:
		if err := c.GW.AllowConnection(ctx, conn.ConnID, evt.ConfirmationID, ""); err != nil {
			c.Log.Warn("allow connection failed", "contact", contact.ContactID, "err", err)
		}
	case agent.EvtINFO:
		// Peer profile arrives before the handshake completes; nothing
		// to persist until CONN confirms the connection usable.
	case agent.EvtCONN:
		if err := c.Store.UpdateConnectionStatus(ctx, conn.ConnID, model.ConnReady); err != nil {
			c.Log.Warn("update connection status failed", "contact", contact.ContactID, "err", err)
			return
		}
		c.emit(model.ChatResponse{Tag: model.RespContactConnected, Contact: &contact})
		c.probeContactIfEligible(ctx, contact)
	case agent.EvtMSG:
		c.handleContactMessage(ctx, contact, evt)
	case agent.EvtSENT:
		if err := c.Store.AckDelivery(ctx, conn.ConnID, evt.AgentMsgID); err != nil {
			c.Log.Warn("ack delivery failed", "contact", contact.ContactID, "err", err)
		}
	case agent.EvtSWITCH:
		c.emitSwitchProgress(ctx, contact, evt.SwitchPhase)
	case agent.EvtMERR:
		c.Log.Warn("message delivery error", "contact", contact.ContactID, "err", evt.Err)
	case agent.EvtERR:
		c.handleContactConnError(ctx, contact, conn, evt)
	}
}

func (c *Controller) handleContactConnError(ctx context.Context, contact model.Contact, conn model.Connection, evt agent.AgentEvent) {
	if evt.Err == nil || evt.Err.Kind != model.AgentSMPAuth {
		c.Log.Warn("connection error", "contact", contact.ContactID, "err", evt.Err)
		return
	}
	count, err := c.Store.IncrementAuthErrCounter(ctx, conn.ConnID)
	if err != nil {
		c.Log.Warn("increment auth err counter failed", "contact", contact.ContactID, "err", err)
		return
	}
	if count >= authErrDisableThreshold {
		c.emit(model.ChatResponse{Tag: model.RespConnectionDisabled, Contact: &contact})
	}
}

// authErrDisableThreshold mirrors agent.authErrThreshold: once a
// connection's local auth-error counter reaches it, the UI should stop
// retrying silently and surface ConnectionDisabled.
const authErrDisableThreshold = 10

// handleContactMessage decodes an inbound x.msg.* envelope and applies
// it to the contact's chat history.
func (c *Controller) handleContactMessage(ctx context.Context, contact model.Contact, evt agent.AgentEvent) {
	msg, err := wire.Decode(evt.Body)
	if err != nil {
		c.Log.Warn("decode inbound message failed", "contact", contact.ContactID, "err", err)
		return
	}
	switch msg.Event.Tag {
	case wire.TagMsgNew:
		fileID := c.receiveFileInvitation(ctx, contact.UserID, msg.Event.MsgContainer)
		c.receiveNewMessage(ctx, store.NewRcvMessage{
			UserID:      contact.UserID,
			ContactID:   &contact.ContactID,
			SharedMsgID: derefSharedMsgID(msg.SharedMsgID),
			EventTag:    msg.Event.Tag,
			Body:        evt.Body,
			Content:     msg.Event.MsgContainer.Content,
			FileID:      fileID,
		})
	case wire.TagMsgUpdate:
		if msg.Event.UpdatedContent != nil {
			c.applyRemoteUpdate(ctx, contact.UserID, msg.SharedMsgID, *msg.Event.UpdatedContent, store.NewRcvMessage{
				UserID:      contact.UserID,
				ContactID:   &contact.ContactID,
				SharedMsgID: derefSharedMsgID(msg.SharedMsgID),
				EventTag:    msg.Event.Tag,
				Body:        evt.Body,
				Content:     *msg.Event.UpdatedContent,
			})
		}
	case wire.TagMsgDel:
		c.applyRemoteDelete(ctx, contact.UserID, msg.SharedMsgID)
	case wire.TagInfo:
		if msg.Event.Profile != nil {
			if err := c.Store.UpdateContactProfile(ctx, contact.ContactID, *msg.Event.Profile, contact.Preferences); err != nil {
				c.Log.Warn("update contact profile failed", "contact", contact.ContactID, "err", err)
			}
		}
	case wire.TagInfoProbe, wire.TagInfoProbeChk, wire.TagInfoProbeOk:
		c.handleProbeMessage(ctx, contact, msg.Event)
	case wire.TagGrpInv:
		c.handleGroupInvitation(ctx, contact, msg.Event)
	case wire.TagMsgFileDescr:
		c.receiveFileDescrPart(ctx, contact.UserID, msg)
	default:
		c.Log.Debug("unhandled message tag", "tag", msg.Event.Tag)
	}
}

// receiveFileInvitation creates the receive-side state machine for a
// MsgContainer's file invitation, if it carries one.
func (c *Controller) receiveFileInvitation(ctx context.Context, userID model.UserID, container *wire.MsgContainer) *model.FileID {
	if container == nil || container.FileInvitation == nil {
		return nil
	}
	isVoice := container.Content.Tag == model.CIVoice
	fileID, err := c.Files.ReceiveInvitation(ctx, userID, *container.FileInvitation, isVoice)
	if err != nil {
		c.Log.Warn("receive file invitation failed", "err", err)
		return nil
	}
	return &fileID
}

// receiveFileDescrPart routes an inbound x.msg.file.descr fragment to
// the file it extends, resolved via the shared message id it shares
// with the x.msg.new that created the receive transfer.
func (c *Controller) receiveFileDescrPart(ctx context.Context, userID model.UserID, msg wire.ChatMessage) {
	if msg.SharedMsgID == nil || msg.Event.FileDescr == nil {
		return
	}
	item, err := c.Store.GetChatItemBySharedMsgID(ctx, userID, *msg.SharedMsgID)
	if err != nil || item.FileID == nil {
		c.Log.Warn("file descr part for unknown item", "err", err)
		return
	}
	if err := c.Files.ReceiveDescriptorPart(ctx, userID, *item.FileID, *msg.Event.FileDescr); err != nil {
		c.Log.Warn("receive file descr part failed", "file", *item.FileID, "err", err)
	}
}

func derefSharedMsgID(id *model.SharedMsgID) model.SharedMsgID {
	if id == nil {
		return model.NewSharedMsgID()
	}
	return *id
}

// receiveNewMessage persists an inbound x.msg.new as a ChatItem and
// emits the corresponding view event.
func (c *Controller) receiveNewMessage(ctx context.Context, in store.NewRcvMessage) {
	itemID, err := c.Store.CreateNewRcvChatItem(ctx, in)
	if err != nil {
		c.Log.Warn("create rcv chat item failed", "err", err)
		return
	}
	if in.ContactID != nil {
		if err := c.Store.MarkContactUsed(ctx, *in.ContactID); err != nil {
			c.Log.Warn("mark contact used failed", "err", err)
		}
	}
	if in.GroupID != nil {
		if err := c.Store.UpdateGroupChatTs(ctx, *in.GroupID, time.Now()); err != nil {
			c.Log.Warn("update group chat ts failed", "err", err)
		}
	}
	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return
	}
	c.emit(model.ChatResponse{Tag: model.RespNewChatItem, ChatItem: &item})
	if item.Content.Tag == model.CIText {
		if url := linkpreview.ExtractFirstURL(item.Content.Text); url != "" {
			c.fetchLinkPreviewAsync(item.ChatItemID, url)
		}
	}
}

// applyRemoteDelete honors a peer's x.msg.del for the referenced item.
func (c *Controller) applyRemoteDelete(ctx context.Context, userID model.UserID, sharedMsgID *model.SharedMsgID) {
	if sharedMsgID == nil {
		return
	}
	item, err := c.Store.GetChatItemBySharedMsgID(ctx, userID, *sharedMsgID)
	if err != nil {
		c.Log.Warn("remote delete for unknown item", "err", err)
		return
	}
	if err := c.Store.DeleteChatItemInternal(ctx, item.ChatItemID); err != nil {
		c.Log.Warn("remote delete failed", "err", err)
		return
	}
	item.ItemDeleted = true
	c.emit(model.ChatResponse{Tag: model.RespChatItemDeleted, ChatItem: &item, ByUser: false})
}

// applyRemoteUpdate honors a peer's x.msg.update for the referenced
// item: updates it in place when the sharedMsgId resolves to an
// existing Rcv item, or synthesizes a late Rcv item from late when the
// update overtook its own x.msg.new.
func (c *Controller) applyRemoteUpdate(ctx context.Context, userID model.UserID, sharedMsgID *model.SharedMsgID, content model.CIContent, late store.NewRcvMessage) {
	if sharedMsgID == nil {
		return
	}
	item, err := c.Store.GetChatItemBySharedMsgID(ctx, userID, *sharedMsgID)
	if err != nil {
		if se, ok := err.(*model.StoreError); ok && se.Kind == model.StoreChatItemSharedMsgIDNotFound {
			c.receiveNewMessage(ctx, late)
			return
		}
		c.Log.Warn("remote update for unknown item", "err", err)
		return
	}
	if err := c.Store.UpdateChatItemContent(ctx, item.ChatItemID, content); err != nil {
		c.Log.Warn("remote update failed", "err", err)
		return
	}
	item.Content = content
	item.ItemEdited = true
	c.emit(model.ChatResponse{Tag: model.RespChatItemUpdated, ChatItem: &item})
}

// handleMemberEvent processes events on a group-member connection: the
// same envelope taxonomy as a direct contact, plus the introduction
// protocol's x.grp.mem.* messages (see groups.go).
func (c *Controller) handleMemberEvent(ctx context.Context, conn model.Connection, evt agent.AgentEvent) {
	member, err := c.Store.GetMemberByConnID(ctx, conn.ConnID)
	if err != nil {
		c.Log.Warn("member event for unknown member", "conn", conn.ConnID, "err", err)
		return
	}

	switch evt.Tag {
	case agent.EvtCONF:
		if err := c.GW.AllowConnection(ctx, conn.ConnID, evt.ConfirmationID, ""); err != nil {
			c.Log.Warn("allow member connection failed", "member", member.GroupMemberID, "err", err)
		}
	case agent.EvtCONN:
		if err := c.Store.UpdateConnectionStatus(ctx, conn.ConnID, model.ConnReady); err != nil {
			c.Log.Warn("update member connection status failed", "member", member.GroupMemberID, "err", err)
			return
		}
		c.onMemberConnected(ctx, member)
	case agent.EvtMSG:
		c.handleMemberMessage(ctx, member, evt)
	case agent.EvtSENT:
		if err := c.Store.AckDelivery(ctx, conn.ConnID, evt.AgentMsgID); err != nil {
			c.Log.Warn("ack member delivery failed", "member", member.GroupMemberID, "err", err)
		}
	case agent.EvtMERR:
		c.Log.Warn("group message delivery error", "member", member.GroupMemberID, "err", evt.Err)
	case agent.EvtERR:
		c.Log.Warn("member connection error", "member", member.GroupMemberID, "err", evt.Err)
	}
}

func (c *Controller) handleMemberMessage(ctx context.Context, member model.GroupMember, evt agent.AgentEvent) {
	msg, err := wire.Decode(evt.Body)
	if err != nil {
		c.Log.Warn("decode member message failed", "member", member.GroupMemberID, "err", err)
		return
	}
	group, err := c.Store.GetGroup(ctx, member.GroupID)
	if err != nil {
		c.Log.Warn("member message for unknown group", "group", member.GroupID, "err", err)
		return
	}

	switch msg.Event.Tag {
	case wire.TagMsgNew:
		fileID := c.receiveFileInvitation(ctx, group.UserID, msg.Event.MsgContainer)
		c.receiveNewMessage(ctx, store.NewRcvMessage{
			UserID:      group.UserID,
			GroupID:     &member.GroupID,
			MemberID:    &member.MemberID,
			SharedMsgID: derefSharedMsgID(msg.SharedMsgID),
			EventTag:    msg.Event.Tag,
			Body:        evt.Body,
			Content:     msg.Event.MsgContainer.Content,
			FileID:      fileID,
		})
	case wire.TagMsgUpdate:
		if msg.Event.UpdatedContent != nil {
			c.applyRemoteUpdate(ctx, group.UserID, msg.SharedMsgID, *msg.Event.UpdatedContent, store.NewRcvMessage{
				UserID:      group.UserID,
				GroupID:     &member.GroupID,
				MemberID:    &member.MemberID,
				SharedMsgID: derefSharedMsgID(msg.SharedMsgID),
				EventTag:    msg.Event.Tag,
				Body:        evt.Body,
				Content:     *msg.Event.UpdatedContent,
			})
		}
	case wire.TagMsgDel:
		c.applyRemoteDelete(ctx, group.UserID, msg.SharedMsgID)
	case wire.TagGrpMemNew, wire.TagGrpMemIntro, wire.TagGrpMemInv, wire.TagGrpMemFwd, wire.TagGrpMemInfo:
		c.handleIntroductionMessage(ctx, member, msg.Event)
	case wire.TagMsgFileDescr:
		c.receiveFileDescrPart(ctx, group.UserID, msg)
	default:
		c.Log.Debug("unhandled member message tag", "tag", msg.Event.Tag)
	}
}

// handleUserContactEvent processes REQ on a user-address connection:
// a stranger presenting their profile to start a direct chat.
func (c *Controller) handleUserContactEvent(ctx context.Context, conn model.Connection, evt agent.AgentEvent) {
	if evt.Tag != agent.EvtREQ {
		return
	}
	u := c.ActiveUser()
	if u == nil {
		c.Log.Warn("contact request with no active user")
		return
	}
	msg, err := wire.Decode(evt.Body)
	if err != nil {
		c.Log.Warn("decode contact request failed", "err", err)
		return
	}
	var profile model.Profile
	if msg.Event.Profile != nil {
		profile = *msg.Event.Profile
	}
	reqID, err := c.Store.CreateUserContactRequest(ctx, model.UserContactRequest{
		UserID:       u.UserID,
		ConnID:       conn.ConnID,
		InvitationID: evt.InvitationID,
		Profile:      profile,
	})
	if err != nil {
		c.Log.Warn("create user contact request failed", "err", err)
		return
	}
	req := model.UserContactRequest{RequestID: reqID, UserID: u.UserID, ConnID: conn.ConnID, InvitationID: evt.InvitationID, Profile: profile}
	c.emit(model.ChatResponse{Tag: model.RespReceivedContactRequest, Request: &req})
}

// handleSndFileEvent logs MERR/ERR on an inline send-file connection;
// other events, SENT included, need no action. Completion itself is driven
// synchronously by files.Engine.StartInlineSend once every chunk has
// gone out, not by an event.
func (c *Controller) handleSndFileEvent(ctx context.Context, conn model.Connection, evt agent.AgentEvent) {
	t, err := c.Store.GetSndFileTransferByConnID(ctx, conn.ConnID)
	if err != nil {
		c.Log.Warn("snd-file event for unknown transfer", "conn", conn.ConnID, "err", err)
		return
	}
	switch evt.Tag {
	case agent.EvtMERR, agent.EvtERR:
		c.Log.Warn("send-file transfer error", "file", t.FileID, "err", evt.Err)
	}
}

// handleRcvFileEvent processes CONN/MSG(inline chunk)/ERR on a
// receive-file connection.
func (c *Controller) handleRcvFileEvent(ctx context.Context, conn model.Connection, evt agent.AgentEvent) {
	t, err := c.Store.GetRcvFileTransferByConnID(ctx, conn.ConnID)
	if err != nil {
		c.Log.Warn("rcv-file event for unknown transfer", "conn", conn.ConnID, "err", err)
		return
	}
	switch evt.Tag {
	case agent.EvtCONN:
		if err := c.Store.UpdateConnectionStatus(ctx, conn.ConnID, model.ConnReady); err != nil {
			c.Log.Warn("update rcv-file connection status failed", "file", t.FileID, "err", err)
		}
	case agent.EvtMSG:
		chunk, err := wire.DecodeChunk(evt.Body, true)
		if err != nil {
			c.Log.Warn("decode inline file chunk failed", "file", t.FileID, "err", err)
			return
		}
		if err := c.Files.ReceiveChunk(ctx, t.FileID, chunk); err != nil {
			c.Log.Warn("receive inline file chunk failed", "file", t.FileID, "err", err)
		}
	case agent.EvtERR:
		c.Log.Warn("receive-file transfer error", "file", t.FileID, "err", evt.Err)
	}
}

// handleXFTPSendEvent processes SFPROG/SFDONE for an XFTP upload,
// matched back to its file_meta row via the agent's own handle.
func (c *Controller) handleXFTPSendEvent(ctx context.Context, evt agent.AgentEvent) {
	f, err := c.Store.GetFileMetaByAgentSndFileID(ctx, fmt.Sprint(evt.FileID))
	if err != nil {
		c.Log.Warn("xftp send event for unknown upload", "agent-file", evt.FileID, "err", err)
		return
	}
	switch evt.Tag {
	case agent.EvtSFPROG:
		// Progress is surfaced to the UI only; no state transition.
	case agent.EvtSFDONE:
		if err := c.Files.FinishXFTPSend(ctx, f.FileID, evt.RecipientDescrs); err != nil {
			c.Log.Warn("finish xftp send failed", "file", f.FileID, "err", err)
		}
	}
}

// handleXFTPRecvEvent processes RFPROG/RFDONE for an XFTP download,
// matched back to its rcv_file_transfers row via the agent's handle.
func (c *Controller) handleXFTPRecvEvent(ctx context.Context, evt agent.AgentEvent) {
	t, err := c.Store.GetRcvFileTransferByAgentID(ctx, fmt.Sprint(evt.FileID))
	if err != nil {
		c.Log.Warn("xftp receive event for unknown download", "agent-file", evt.FileID, "err", err)
		return
	}
	switch evt.Tag {
	case agent.EvtRFPROG:
		// Progress is surfaced to the UI only; no state transition.
	case agent.EvtRFDONE:
		if err := c.Files.FinishXFTPReceive(ctx, t.FileID, evt.StagingPath); err != nil {
			c.Log.Warn("finish xftp receive failed", "file", t.FileID, "err", err)
		}
	}
}
