package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/files"
	"chatcore/internal/linkpreview"
	"chatcore/internal/model"
	"chatcore/internal/store"
	"chatcore/internal/wire"
)

// Dispatch parses and runs a single textual command line under the
// chat lock, returning exactly one ChatResponse.
func (c *Controller) Dispatch(ctx context.Context, line string) (resp model.ChatResponse) {
	c.lock.withLock("cmd:"+firstToken(line), func() {
		resp = c.dispatchLocked(ctx, line)
	})
	return resp
}

func firstToken(line string) string {
	toks := tokenize(line)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}

func (c *Controller) dispatchLocked(ctx context.Context, line string) model.ChatResponse {
	toks := tokenize(line)
	if len(toks) == 0 {
		return errResponse(&model.CommandError{Reason: "empty command"})
	}

	var err error
	var resp model.ChatResponse
	switch toks[0] {
	case "/_send":
		resp, err = c.cmdSend(ctx, toks)
	case "/_update":
		resp, err = c.cmdUpdate(ctx, toks)
	case "/_delete":
		resp, err = c.cmdDeleteItem(ctx, toks)
	case "/_add":
		resp, err = c.cmdAddMember(ctx, toks)
	case "/_switch":
		resp, err = c.cmdSwitchAddress(ctx, toks)
	case "/_get":
		resp, err = c.cmdGetChat(ctx, toks)
	case "/_file":
		resp, err = c.cmdSendFile(ctx, toks)
	case "/_ttl":
		resp, err = c.cmdTTL(ctx, toks)
	default:
		err = &model.CommandError{Reason: fmt.Sprintf("unsupported command %q", toks[0])}
	}
	if err != nil {
		return errResponse(err)
	}
	return resp
}

// cmdSend implements "Send direct message" / "Send group message".
// Grammar: /_send <chatRef> live=<bool> text <content>
func (c *Controller) cmdSend(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 4 {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_send <chatRef> live=<bool> text <content>"}
	}
	ref, err := parseChatRef(toks[1])
	if err != nil {
		return model.ChatResponse{}, err
	}
	live := kvBool(toks, "live", false)

	textIdx := -1
	for i, t := range toks {
		if t == "text" {
			textIdx = i
			break
		}
	}
	if textIdx == -1 || textIdx+1 >= len(toks) {
		return model.ChatResponse{}, &model.CommandError{Reason: "missing text payload"}
	}
	text := toks[textIdx+1]
	for _, t := range toks[textIdx+2:] {
		text += " " + t
	}
	content := model.CIContent{Tag: model.CIText, Text: text}

	var resp model.ChatResponse
	switch ref.Kind {
	case model.ChatKindDirect:
		resp, err = c.sendDirectMessage(ctx, model.ContactID(ref.ID), content, live)
	case model.ChatKindGroup:
		resp, err = c.sendGroupMessage(ctx, model.GroupID(ref.ID), content, live)
	default:
		return model.ChatResponse{}, &model.CommandError{Reason: "send is only valid on @contact or #group"}
	}
	if err != nil {
		return model.ChatResponse{}, err
	}
	if resp.ChatItem != nil && resp.ChatItem.Timed != nil {
		c.Scheduler.ScheduleTimedDelete(ctx, *resp.ChatItem)
	}
	if resp.ChatItem != nil && content.Tag == model.CIText {
		if url := linkpreview.ExtractFirstURL(content.Text); url != "" {
			c.fetchLinkPreviewAsync(resp.ChatItem.ChatItemID, url)
		}
	}
	return resp, nil
}

// fetchLinkPreviewAsync fetches url's OpenGraph metadata off the chat
// lock and, on success, attaches it to itemID's content and emits a
// chatItemUpdated view event. Fetch failures are logged and otherwise
// ignored — a missing preview never fails the send that already
// succeeded.
func (c *Controller) fetchLinkPreviewAsync(itemID model.ChatItemID, url string) {
	go func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), linkpreview.FetchTimeout)
		defer cancel()
		preview, err := linkpreview.Fetch(fetchCtx, url)
		if err != nil {
			c.Log.Warn("link preview fetch failed", "url", url, "err", err)
			return
		}
		c.lock.withLock(fmt.Sprintf("linkpreview:%d", itemID), func() {
			item, err := c.Store.GetChatItem(context.Background(), itemID)
			if err != nil || item.ItemDeleted {
				return
			}
			content := item.Content
			content.Preview = &preview
			if err := c.Store.UpdateChatItemPreview(context.Background(), itemID, content); err != nil {
				c.Log.Warn("link preview store update failed", "item", itemID, "err", err)
				return
			}
			item.Content = content
			c.emit(model.ChatResponse{Tag: model.RespChatItemUpdated, ChatItem: &item})
		})
	}()
}

// itemTimedForUser builds the item's Timed deadline from userID's
// configured chatItemTTL setting (worked example: "Alice
// sends text with itemTimed.ttl=60s"), or nil if no TTL is configured.
func (c *Controller) itemTimedForUser(ctx context.Context, userID model.UserID) *model.ItemTimed {
	v, ok, err := c.Store.GetSetting(ctx, userID, "chatItemTTL")
	if err != nil || !ok {
		return nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return nil
	}
	ttl := time.Duration(seconds) * time.Second
	return &model.ItemTimed{TTL: ttl, DeleteAt: time.Now().Add(ttl)}
}

// sendDirectMessage implements "Send direct message".
func (c *Controller) sendDirectMessage(ctx context.Context, contactID model.ContactID, content model.CIContent, live bool) (model.ChatResponse, error) {
	contact, err := c.Store.GetContact(ctx, contactID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	conn, err := c.Store.GetConnection(ctx, contact.ConnID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if !conn.Status.Usable() {
		return model.ChatResponse{}, &model.CommandError{Reason: "contact connection is not ready"}
	}

	sharedMsgID := model.NewSharedMsgID()
	container := wire.MsgContainer{Kind: "simple", Content: content, Live: live}
	body, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedMsgID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgNew, MsgContainer: &container},
	})
	if err != nil {
		return model.ChatResponse{}, &model.FatalError{Cause: err}
	}

	agentMsgID, err := c.GW.SendMessage(ctx, contact.ConnID, agent.SendFlags{Notification: true}, body)
	if err != nil {
		return model.ChatResponse{}, err
	}

	itemID, err := c.Store.CreateNewSndMessage(ctx, store.NewSndMessage{
		UserID:      contact.UserID,
		ContactID:   &contactID,
		SharedMsgID: sharedMsgID,
		EventTag:    wire.TagMsgNew,
		Body:        body,
		Content:     content,
		Timed:       c.itemTimedForUser(ctx, contact.UserID),
		Deliveries:  []store.ConnDelivery{{ConnID: contact.ConnID, AgentMsgID: agentMsgID}},
	})
	if err != nil {
		return model.ChatResponse{}, err
	}
	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespNewChatItem, ChatItem: &item}, nil
}

// sendGroupMessage implements "Send group message":
// create the envelope once, deliver to every currently-usable member
// connection, and enqueue a pending_group_message for members whose
// connection exists but is not yet usable (members with no connection
// yet are skipped).
// Individual delivery failures surface but never abort the batch.
func (c *Controller) sendGroupMessage(ctx context.Context, groupID model.GroupID, content model.CIContent, live bool) (model.ChatResponse, error) {
	group, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	membership, err := c.Store.GetMember(ctx, group.MembershipID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if !membership.Role.CanAuthor() {
		return model.ChatResponse{}, &model.CommandError{Reason: "role does not permit sending"}
	}

	members, err := c.Store.ListMembers(ctx, groupID)
	if err != nil {
		return model.ChatResponse{}, err
	}

	sharedMsgID := model.NewSharedMsgID()
	container := wire.MsgContainer{Kind: "simple", Content: content, Live: live}
	body, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedMsgID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgNew, MsgContainer: &container},
	})
	if err != nil {
		return model.ChatResponse{}, &model.FatalError{Cause: err}
	}

	var deliveries []store.ConnDelivery
	var pendingFor []int64
	for _, m := range members {
		if m.GroupMemberID == membership.GroupMemberID {
			continue // never deliver to ourselves
		}
		if m.ConnID == nil {
			continue // not yet invited, nothing to enqueue against
		}
		conn, err := c.Store.GetConnection(ctx, *m.ConnID)
		if err != nil || !conn.Status.Usable() {
			pendingFor = append(pendingFor, m.GroupMemberID)
			continue
		}
		agentMsgID, err := c.GW.SendMessage(ctx, *m.ConnID, agent.SendFlags{Notification: true}, body)
		if err != nil {
			c.Log.Warn("group message delivery failed", "member", m.GroupMemberID, "err", err)
			continue
		}
		deliveries = append(deliveries, store.ConnDelivery{ConnID: *m.ConnID, AgentMsgID: agentMsgID})
	}

	itemID, err := c.Store.CreateNewSndMessage(ctx, store.NewSndMessage{
		UserID:      group.UserID,
		GroupID:     &groupID,
		SharedMsgID: sharedMsgID,
		EventTag:    wire.TagMsgNew,
		Body:        body,
		Content:     content,
		Timed:       c.itemTimedForUser(ctx, group.UserID),
		Deliveries:  deliveries,
	})
	if err != nil {
		return model.ChatResponse{}, err
	}

	msg, err := c.Store.GetMessageBySharedMsgID(ctx, group.UserID, sharedMsgID)
	if err == nil {
		for _, memberID := range pendingFor {
			if _, err := c.Store.EnqueuePendingGroupMessage(ctx, memberID, msg.MsgID); err != nil {
				c.Log.Warn("enqueue pending group message failed", "member", memberID, "err", err)
			}
		}
	}

	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespNewChatItem, ChatItem: &item}, nil
}

// cmdDeleteItem implements "Delete chat item".
// Grammar: /_delete item <chatRef> <itemId> (broadcast|internal)
func (c *Controller) cmdDeleteItem(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 5 || toks[1] != "item" {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_delete item <chatRef> <itemId> (broadcast|internal)"}
	}
	ref, err := parseChatRef(toks[2])
	if err != nil {
		return model.ChatResponse{}, err
	}
	var itemID int64
	if _, err := fmt.Sscanf(toks[3], "%d", &itemID); err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: "invalid item id"}
	}
	mode := toks[4]

	item, err := c.Store.GetChatItem(ctx, model.ChatItemID(itemID))
	if err != nil {
		return model.ChatResponse{}, err
	}

	if mode == "broadcast" {
		if err := c.broadcastDelete(ctx, ref, item); err != nil {
			return model.ChatResponse{}, err
		}
	}

	if err := c.Store.DeleteChatItemInternal(ctx, item.ChatItemID); err != nil {
		return model.ChatResponse{}, err
	}
	c.Scheduler.CancelTimedDelete(item.ChatItemID)
	item.ItemDeleted = true
	return model.ChatResponse{Tag: model.RespChatItemDeleted, ChatItem: &item, ByUser: true}, nil
}

// broadcastDelete sends x.msg.del to the item's peer(s) before the
// local delete happens.
func (c *Controller) broadcastDelete(ctx context.Context, ref model.ChatRef, item model.ChatItem) error {
	if item.SharedMsgID == nil {
		return &model.CommandError{Reason: "item has no shared message id to broadcast delete"}
	}
	del := wire.ChatMsgEvent{Tag: wire.TagMsgDel, DelMemberID: item.MemberID}
	body, err := wire.Encode(wire.ChatMessage{SharedMsgID: item.SharedMsgID, Event: del})
	if err != nil {
		return &model.FatalError{Cause: err}
	}

	switch ref.Kind {
	case model.ChatKindDirect:
		contact, err := c.Store.GetContact(ctx, model.ContactID(ref.ID))
		if err != nil {
			return err
		}
		_, err = c.GW.SendMessage(ctx, contact.ConnID, agent.SendFlags{}, body)
		return err
	case model.ChatKindGroup:
		members, err := c.Store.ListMembers(ctx, model.GroupID(ref.ID))
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.ConnID == nil {
				continue
			}
			if _, err := c.GW.SendMessage(ctx, *m.ConnID, agent.SendFlags{}, body); err != nil {
				c.Log.Warn("broadcast delete failed", "member", m.GroupMemberID, "err", err)
			}
		}
		return nil
	default:
		return &model.CommandError{Reason: "broadcast delete is only valid on @contact or #group"}
	}
}

// cmdUpdate implements "Update chat item": reuses the item's existing
// sharedMsgId rather than minting a new one, sends x.msg.update to the
// peer(s), and marks the item edited in place.
// Grammar: /_update item <chatRef> <itemId> live=<bool> (text|json) <payload>
func (c *Controller) cmdUpdate(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 7 || toks[1] != "item" {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_update item <chatRef> <itemId> live=<bool> (text|json) <payload>"}
	}
	ref, err := parseChatRef(toks[2])
	if err != nil {
		return model.ChatResponse{}, err
	}
	var itemIDNum int64
	if _, err := fmt.Sscanf(toks[3], "%d", &itemIDNum); err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: "invalid item id"}
	}
	itemID := model.ChatItemID(itemIDNum)
	live := kvBool(toks, "live", false)

	kindIdx := -1
	for i, t := range toks {
		if t == "text" || t == "json" {
			kindIdx = i
			break
		}
	}
	if kindIdx == -1 || kindIdx+1 >= len(toks) {
		return model.ChatResponse{}, &model.CommandError{Reason: "missing text/json payload"}
	}
	var content model.CIContent
	switch toks[kindIdx] {
	case "text":
		text := toks[kindIdx+1]
		for _, t := range toks[kindIdx+2:] {
			text += " " + t
		}
		content = model.CIContent{Tag: model.CIText, Text: text}
	case "json":
		if err := json.Unmarshal([]byte(toks[kindIdx+1]), &content); err != nil {
			return model.ChatResponse{}, &model.CommandError{Reason: "invalid json payload"}
		}
	}

	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if item.SharedMsgID == nil {
		return model.ChatResponse{}, &model.CommandError{Reason: "item has no shared message id to update"}
	}

	body, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: item.SharedMsgID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgUpdate, UpdatedContent: &content},
	})
	if err != nil {
		return model.ChatResponse{}, &model.FatalError{Cause: err}
	}

	switch ref.Kind {
	case model.ChatKindDirect:
		contact, err := c.Store.GetContact(ctx, model.ContactID(ref.ID))
		if err != nil {
			return model.ChatResponse{}, err
		}
		if _, err := c.GW.SendMessage(ctx, contact.ConnID, agent.SendFlags{Notification: true}, body); err != nil {
			return model.ChatResponse{}, err
		}
	case model.ChatKindGroup:
		members, err := c.Store.ListMembers(ctx, model.GroupID(ref.ID))
		if err != nil {
			return model.ChatResponse{}, err
		}
		for _, m := range members {
			if m.ConnID == nil {
				continue
			}
			if _, err := c.GW.SendMessage(ctx, *m.ConnID, agent.SendFlags{Notification: true}, body); err != nil {
				c.Log.Warn("update delivery failed", "member", m.GroupMemberID, "err", err)
			}
		}
	default:
		return model.ChatResponse{}, &model.CommandError{Reason: "update is only valid on @contact or #group"}
	}

	if err := c.Store.UpdateChatItemContent(ctx, itemID, content); err != nil {
		return model.ChatResponse{}, err
	}
	if err := c.Store.MarkChatItemLive(ctx, itemID, live); err != nil {
		return model.ChatResponse{}, err
	}

	updated, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespChatItemUpdated, ChatItem: &updated}, nil
}

// cmdAddMember implements "Add member".
// Grammar: /_add #<gId> <contactId> (owner|admin|member|observer)
func (c *Controller) cmdAddMember(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 4 {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_add #<gId> <contactId> <role>"}
	}
	ref, err := parseChatRef(toks[1])
	if err != nil {
		return model.ChatResponse{}, err
	}
	if ref.Kind != model.ChatKindGroup {
		return model.ChatResponse{}, &model.CommandError{Reason: "add member requires a #group ref"}
	}
	var contactIDNum int64
	if _, err := fmt.Sscanf(toks[2], "%d", &contactIDNum); err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: "invalid contact id"}
	}
	role := model.MemberRole(toks[3])

	groupID := model.GroupID(ref.ID)
	contactID := model.ContactID(contactIDNum)

	group, err := c.Store.GetGroup(ctx, groupID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	membership, err := c.Store.GetMember(ctx, group.MembershipID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if membership.Role.Less(role) {
		return model.ChatResponse{}, &model.CommandError{Reason: "cannot grant a role above your own"}
	}
	contact, err := c.Store.GetContact(ctx, contactID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if contact.Incognito {
		return model.ChatResponse{}, &model.CommandError{Reason: "cannot add an incognito contact"}
	}

	if existing, err := c.Store.GetMemberByContactID(ctx, groupID, contactID); err == nil {
		if existing.Status != model.MSInvited {
			return model.ChatResponse{}, model.ErrDuplicateMember
		}
		if err := c.Store.UpdateMemberRole(ctx, existing.GroupMemberID, role); err != nil {
			return model.ChatResponse{}, err
		}
		m, err := c.Store.GetMember(ctx, existing.GroupMemberID)
		if err != nil {
			return model.ChatResponse{}, err
		}
		return model.ChatResponse{Tag: model.RespCmdOk, Member: &m}, nil
	}

	connID, connReq, err := c.GW.CreateConnection(ctx, group.UserID, agent.ModeInvitation)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if _, err := c.Store.CreateConnection(ctx, model.Connection{
		ConnID:    connID,
		Direction: model.ConnSnd,
		Status:    model.ConnNew,
		Type:      model.ConnTypeGroupMember,
	}); err != nil {
		return model.ChatResponse{}, err
	}

	memberID := model.NewMemberID()
	gmID, err := c.Store.CreateMember(ctx, model.GroupMember{
		GroupID:   groupID,
		MemberID:  memberID,
		Profile:   contact.Profile,
		Role:      role,
		Status:    model.MSInvited,
		Category:  model.CategoryInviteeMember,
		ConnID:    &connID,
		ContactID: &contactID,
	})
	if err != nil {
		return model.ChatResponse{}, err
	}

	inv := wire.GroupInvitation{GroupProfile: group.Profile, ConnRequest: connReq}
	body, err := wire.Encode(wire.ChatMessage{Event: wire.ChatMsgEvent{Tag: wire.TagGrpInv, GroupInvitation: &inv}})
	if err != nil {
		return model.ChatResponse{}, &model.FatalError{Cause: err}
	}
	if _, err := c.GW.SendMessage(ctx, contact.ConnID, agent.SendFlags{Notification: true}, body); err != nil {
		return model.ChatResponse{}, err
	}

	m, err := c.Store.GetMember(ctx, gmID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespCmdOk, Member: &m}, nil
}

// cmdSwitchAddress implements "Switch address":
// /_switch <chatRef>. Emits the Started phase as an internal ConnEvent
// item; Confirmed/SecuredQueue/Completed arrive later via SWITCH
// events (see events.go handleSwitch).
func (c *Controller) cmdSwitchAddress(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 2 {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_switch <chatRef>"}
	}
	ref, err := parseChatRef(toks[1])
	if err != nil {
		return model.ChatResponse{}, err
	}
	if ref.Kind != model.ChatKindDirect {
		return model.ChatResponse{}, &model.CommandError{Reason: "switch address is only valid on @contact"}
	}
	contact, err := c.Store.GetContact(ctx, model.ContactID(ref.ID))
	if err != nil {
		return model.ChatResponse{}, err
	}
	if _, err := c.GW.SwitchConnection(ctx, contact.ConnID); err != nil {
		return model.ChatResponse{}, err
	}
	c.emitSwitchProgress(ctx, contact, agent.SwitchStarted)
	return model.ChatResponse{Tag: model.RespCmdOk, Contact: &contact}, nil
}

func (c *Controller) emitSwitchProgress(ctx context.Context, contact model.Contact, phase agent.SwitchPhase) {
	content := model.CIContent{Tag: model.CIConnEvent, GroupEvent: fmt.Sprintf("switch:%s", phase)}
	itemID, err := c.Store.CreateNewRcvChatItem(ctx, store.NewRcvMessage{
		UserID:      contact.UserID,
		ContactID:   &contact.ContactID,
		SharedMsgID: model.NewSharedMsgID(),
		EventTag:    "internal.switch",
		Content:     content,
	})
	if err != nil {
		c.Log.Warn("switch progress item failed", "err", err)
		return
	}
	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return
	}
	c.emit(model.ChatResponse{Tag: model.RespNewChatItem, ChatItem: &item})
}

// cmdGetChat implements a minimal form of // /_get chat <chatRef> (count=N|before=ID count=N) paginated read.
func (c *Controller) cmdGetChat(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 3 || toks[1] != "chat" {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_get chat <chatRef> count=N"}
	}
	ref, err := parseChatRef(toks[2])
	if err != nil {
		return model.ChatResponse{}, err
	}
	count := 50
	if v, ok := kv(toks, "count"); ok {
		fmt.Sscanf(v, "%d", &count)
	}
	var before model.ChatItemID
	if v, ok := kv(toks, "before"); ok {
		var id int64
		fmt.Sscanf(v, "%d", &id)
		before = model.ChatItemID(id)
	}

	var items []model.ChatItem
	switch ref.Kind {
	case model.ChatKindDirect:
		items, err = c.Store.ListChatItemsByContact(ctx, model.ContactID(ref.ID), before, count)
	case model.ChatKindGroup:
		items, err = c.Store.ListChatItemsByGroup(ctx, model.GroupID(ref.ID), before, count)
	default:
		return model.ChatResponse{}, &model.CommandError{Reason: "get chat is only valid on @contact or #group"}
	}
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespCmdOk, ChatItems: items}, nil
}

// cmdTTL implements "/_ttl <userId> (<seconds>|none)":
// persists the user's chat-item TTL setting and enables or pauses that
// user's expiration worker accordingly.
func (c *Controller) cmdTTL(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) != 3 {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_ttl <userId> (<seconds>|none)"}
	}
	var userIDNum int64
	if _, err := fmt.Sscanf(toks[1], "%d", &userIDNum); err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: "invalid user id"}
	}
	userID := model.UserID(userIDNum)

	if toks[2] == "none" {
		if err := c.Store.SetSetting(ctx, userID, "chatItemTTL", "0"); err != nil {
			return model.ChatResponse{}, err
		}
		c.Scheduler.PauseExpiration(userID)
		return model.ChatResponse{Tag: model.RespCmdOk}, nil
	}

	seconds, err := strconv.Atoi(toks[2])
	if err != nil || seconds <= 0 {
		return model.ChatResponse{}, &model.CommandError{Reason: "ttl must be a positive number of seconds, or none"}
	}
	if err := c.Store.SetSetting(ctx, userID, "chatItemTTL", toks[2]); err != nil {
		return model.ChatResponse{}, err
	}
	c.Scheduler.EnableExpiration(ctx, userID, time.Duration(seconds)*time.Second)
	return model.ChatResponse{Tag: model.RespCmdOk}, nil
}

// cmdSendFile implements send path for a direct
// contact: decide inline eligibility, announce the file as an
// x.msg.new carrying a file invitation, then start the matching
// transfer (an immediate inline push for pre-accepted voice messages,
// or an XFTP upload once the chunk count makes inline unworkable).
// Grammar: /_file send <chatRef> <path> [voice]
func (c *Controller) cmdSendFile(ctx context.Context, toks []string) (model.ChatResponse, error) {
	if len(toks) < 4 || toks[1] != "send" {
		return model.ChatResponse{}, &model.CommandError{Reason: "usage: /_file send <chatRef> <path> [voice]"}
	}
	ref, err := parseChatRef(toks[2])
	if err != nil {
		return model.ChatResponse{}, err
	}
	if ref.Kind != model.ChatKindDirect {
		return model.ChatResponse{}, &model.CommandError{Reason: "file send is only valid on @contact"}
	}
	path := toks[3]
	isVoice := len(toks) > 4 && toks[4] == "voice"

	contact, err := c.Store.GetContact(ctx, model.ContactID(ref.ID))
	if err != nil {
		return model.ChatResponse{}, err
	}
	conn, err := c.Store.GetConnection(ctx, contact.ConnID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	if !conn.Status.Usable() {
		return model.ChatResponse{}, &model.CommandError{Reason: "contact connection is not ready"}
	}

	info, err := os.Stat(path)
	if err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: fmt.Sprintf("cannot read file: %v", err)}
	}
	digest, err := files.Digest(path)
	if err != nil {
		return model.ChatResponse{}, &model.CommandError{Reason: fmt.Sprintf("cannot hash file: %v", err)}
	}

	cfg := c.Files.Cfg
	chunks := files.ChunkCount(info.Size(), cfg.ChunkSize)
	mode := files.InlineEligibility(cfg, chunks, 1, isVoice)
	protocol := model.ProtocolSMP
	if mode == model.InlineNone {
		protocol = model.ProtocolXFTP
	}

	fileID, err := c.Store.CreateFileMeta(ctx, model.FileMeta{
		UserID: contact.UserID, Name: filepath.Base(path), Size: info.Size(),
		ChunkSize: cfg.ChunkSize, Protocol: protocol, Inline: mode,
	})
	if err != nil {
		return model.ChatResponse{}, err
	}

	inv := model.RcvFileInvitation{Name: filepath.Base(path), Size: info.Size(), Digest: digest, Inline: mode}
	var fileConnID model.ConnID
	if mode != model.InlineNone {
		connID, connReq, err := c.GW.CreateConnection(ctx, contact.UserID, agent.ModeInvitation)
		if err != nil {
			return model.ChatResponse{}, err
		}
		if _, err := c.Store.CreateConnection(ctx, model.Connection{
			ConnID: connID, Direction: model.ConnSnd, Status: model.ConnNew, Type: model.ConnTypeSndFile,
		}); err != nil {
			return model.ChatResponse{}, err
		}
		if err := c.Store.CreateSndFileTransfer(ctx, model.SndFileTransfer{
			FileID: fileID, ConnID: connID, Recipient: contact.ContactID, Status: model.SndFileNew,
		}); err != nil {
			return model.ChatResponse{}, err
		}
		inv.ConnReq = connReq
		fileConnID = connID
	}

	sharedMsgID := model.NewSharedMsgID()
	content := model.CIContent{Tag: model.CIText, Text: filepath.Base(path)}
	if isVoice {
		content.Tag = model.CIVoice
	}
	container := wire.MsgContainer{Kind: "simple", Content: content, FileInvitation: &inv}
	body, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedMsgID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgNew, MsgContainer: &container},
	})
	if err != nil {
		return model.ChatResponse{}, &model.FatalError{Cause: err}
	}
	agentMsgID, err := c.GW.SendMessage(ctx, contact.ConnID, agent.SendFlags{Notification: true}, body)
	if err != nil {
		return model.ChatResponse{}, err
	}

	itemID, err := c.Store.CreateNewSndMessage(ctx, store.NewSndMessage{
		UserID: contact.UserID, ContactID: &contact.ContactID, SharedMsgID: sharedMsgID,
		EventTag: wire.TagMsgNew, Body: body, Content: content, FileID: &fileID,
		Deliveries: []store.ConnDelivery{{ConnID: contact.ConnID, AgentMsgID: agentMsgID}},
	})
	if err != nil {
		return model.ChatResponse{}, err
	}

	switch {
	case mode == model.InlineSent:
		if err := c.Files.StartInlineSend(ctx, fileID, fileConnID, sharedMsgID, path, cfg.ChunkSize); err != nil {
			c.Log.Warn("start inline send failed", "file", fileID, "err", err)
		}
	case mode == model.InlineNone:
		if err := c.Files.StartXFTPSend(ctx, contact.UserID, fileID, path, []files.Recipient{{ContactID: contact.ContactID, ConnID: contact.ConnID}}); err != nil {
			c.Log.Warn("start xftp send failed", "file", fileID, "err", err)
		}
	}

	item, err := c.Store.GetChatItem(ctx, itemID)
	if err != nil {
		return model.ChatResponse{}, err
	}
	return model.ChatResponse{Tag: model.RespNewChatItem, ChatItem: &item}, nil
}
