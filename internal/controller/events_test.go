package controller

import (
	"context"
	"testing"

	"chatcore/internal/agent"
	"chatcore/internal/model"
	"chatcore/internal/wire"
)

func TestHandleContactEventInboundMessage(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	sharedID := model.NewSharedMsgID()
	body, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event: wire.ChatMsgEvent{
			Tag:          wire.TagMsgNew,
			MsgContainer: &wire.MsgContainer{Kind: "simple", Content: model.CIContent{Tag: model.CIText, Text: "hi there"}},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: body})

	view := drainView(t, tc)
	if view.Tag != model.RespNewChatItem || view.ChatItem == nil {
		t.Fatalf("expected newChatItem view, got %+v", view)
	}
	if view.ChatItem.Content.Text != "hi there" {
		t.Fatalf("expected decoded text, got %q", view.ChatItem.Content.Text)
	}

	refreshed, err := tc.st.GetContact(ctx, contact.ContactID)
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	if !refreshed.ContactUsed {
		t.Fatal("expected contact to be marked used after receiving a message")
	}
}

func TestHandleContactEventRemoteDelete(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	sharedID := model.NewSharedMsgID()
	newBody, _ := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event: wire.ChatMsgEvent{
			Tag:          wire.TagMsgNew,
			MsgContainer: &wire.MsgContainer{Kind: "simple", Content: model.CIContent{Tag: model.CIText, Text: "oops"}},
		},
	})
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: newBody})
	created := drainView(t, tc)

	delBody, _ := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgDel},
	})
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: delBody})

	deleted := drainView(t, tc)
	if deleted.Tag != model.RespChatItemDeleted || deleted.ByUser {
		t.Fatalf("expected a non-byUser chatItemDeleted view, got %+v", deleted)
	}
	if deleted.ChatItem.ChatItemID != created.ChatItem.ChatItemID {
		t.Fatalf("delete applied to wrong item: %+v vs %+v", deleted.ChatItem, created.ChatItem)
	}
}

func TestHandleContactEventRemoteUpdate(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	sharedID := model.NewSharedMsgID()
	newBody, _ := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event: wire.ChatMsgEvent{
			Tag:          wire.TagMsgNew,
			MsgContainer: &wire.MsgContainer{Kind: "simple", Content: model.CIContent{Tag: model.CIText, Text: "oops"}},
		},
	})
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: newBody})
	created := drainView(t, tc)

	updated := model.CIContent{Tag: model.CIText, Text: "fixed"}
	updateBody, _ := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgUpdate, UpdatedContent: &updated},
	})
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: updateBody})

	view := drainView(t, tc)
	if view.Tag != model.RespChatItemUpdated || view.ChatItem == nil {
		t.Fatalf("expected chatItemUpdated view, got %+v", view)
	}
	if view.ChatItem.ChatItemID != created.ChatItem.ChatItemID {
		t.Fatalf("update applied to wrong item: %+v vs %+v", view.ChatItem, created.ChatItem)
	}
	if view.ChatItem.Content.Text != "fixed" {
		t.Fatalf("expected updated text 'fixed', got %q", view.ChatItem.Content.Text)
	}

	stored, err := tc.st.GetChatItem(ctx, created.ChatItem.ChatItemID)
	if err != nil {
		t.Fatalf("get chat item: %v", err)
	}
	if !stored.ItemEdited {
		t.Fatal("expected item to be marked edited after remote update")
	}
}

func TestHandleContactEventRemoteUpdateSynthesizesLateItem(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	sharedID := model.NewSharedMsgID()
	updated := model.CIContent{Tag: model.CIText, Text: "update arrived first"}
	updateBody, _ := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event:       wire.ChatMsgEvent{Tag: wire.TagMsgUpdate, UpdatedContent: &updated},
	})
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: contact.ConnID, Body: updateBody})

	view := drainView(t, tc)
	if view.Tag != model.RespNewChatItem || view.ChatItem == nil {
		t.Fatalf("expected a synthesized newChatItem view for an update with no known item, got %+v", view)
	}
	if view.ChatItem.Content.Text != "update arrived first" {
		t.Fatalf("expected synthesized item to carry the update's content, got %q", view.ChatItem.Content.Text)
	}
}

func TestHandleContactEventAuthErrorDisablesAfterThreshold(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	for i := 0; i < authErrDisableThreshold-1; i++ {
		tc.handleEvent(ctx, agent.AgentEvent{
			Tag: agent.EvtERR, ConnID: contact.ConnID,
			Err: &model.AgentError{Kind: model.AgentSMPAuth},
		})
	}
	select {
	case v := <-tc.Views():
		t.Fatalf("expected no view before threshold, got %+v", v)
	default:
	}

	tc.handleEvent(ctx, agent.AgentEvent{
		Tag: agent.EvtERR, ConnID: contact.ConnID,
		Err: &model.AgentError{Kind: model.AgentSMPAuth},
	})
	view := drainView(t, tc)
	if view.Tag != model.RespConnectionDisabled {
		t.Fatalf("expected connectionDisabled at the threshold, got %+v", view)
	}
}

func TestHandleEventDeleteConnection(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	u := tc.createUser(t, "alice")
	contact := tc.readyContact(t, u.UserID, "bob")

	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtDEL, ConnID: contact.ConnID})

	if _, err := tc.st.GetConnection(ctx, contact.ConnID); err == nil {
		t.Fatal("expected connection to be deleted on DEL event")
	}
}
