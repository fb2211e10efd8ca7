package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatcore/internal/model"
)

// TestSendWithTTLSchedulesDelete exercises a user's configured
// chatItemTTL end to end: once set via /_ttl, every subsequent /_send
// for that user carries a Timed deadline, and the scheduler deletes
// the item on its own once that deadline passes (worked
// example: "Alice sends text with itemTimed.ttl=60s").
func TestSendWithTTLSchedulesDelete(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")
	contact := tc.readyContact(t, alice.UserID, "bob")

	if resp := tc.Dispatch(ctx, fmt.Sprintf("/_ttl %d 1", alice.UserID)); resp.Tag != model.RespCmdOk {
		t.Fatalf("expected /_ttl to succeed, got %+v", resp)
	}

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_send @%d live=false text hi", contact.ContactID))
	if resp.Tag != model.RespNewChatItem || resp.ChatItem == nil {
		t.Fatalf("expected RespNewChatItem, got %+v", resp)
	}
	if resp.ChatItem.Timed == nil || resp.ChatItem.Timed.TTL != time.Second {
		t.Fatalf("expected a 1-second Timed deadline, got %+v", resp.ChatItem.Timed)
	}
	itemID := resp.ChatItem.ChatItemID

	deleted := drainView(t, tc)
	if deleted.Tag != model.RespChatItemDeleted || !deleted.Timed {
		t.Fatalf("expected a timed chatItemDeleted view event, got %+v", deleted)
	}
	if deleted.ChatItem == nil || deleted.ChatItem.ChatItemID != itemID {
		t.Fatalf("expected the ttl item to be the one deleted, got %+v", deleted.ChatItem)
	}

	stored, err := tc.st.GetChatItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetChatItem: %v", err)
	}
	if !stored.ItemDeleted {
		t.Fatal("expected the item to be marked deleted in the store")
	}
}

// TestSendWithoutTTLNeverSchedulesDelete confirms a send with no
// configured chatItemTTL leaves no Timed deadline and produces no
// later deletion event.
func TestSendWithoutTTLNeverSchedulesDelete(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")
	contact := tc.readyContact(t, alice.UserID, "bob")

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_send @%d live=false text hi", contact.ContactID))
	if resp.Tag != model.RespNewChatItem || resp.ChatItem == nil {
		t.Fatalf("expected RespNewChatItem, got %+v", resp)
	}
	if resp.ChatItem.Timed != nil {
		t.Fatalf("expected no Timed deadline, got %+v", resp.ChatItem.Timed)
	}

	select {
	case r := <-tc.Views():
		t.Fatalf("expected no further view event, got %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestDeleteItemCancelsPendingTTL confirms a delete before the
// TTL deadline cancels the scheduler's pending thread instead of
// racing it.
func TestDeleteItemCancelsPendingTTL(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")
	contact := tc.readyContact(t, alice.UserID, "bob")

	if resp := tc.Dispatch(ctx, fmt.Sprintf("/_ttl %d 3600", alice.UserID)); resp.Tag != model.RespCmdOk {
		t.Fatalf("expected /_ttl to succeed, got %+v", resp)
	}

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_send @%d live=false text hi", contact.ContactID))
	if resp.ChatItem == nil {
		t.Fatalf("expected a chat item, got %+v", resp)
	}
	itemID := resp.ChatItem.ChatItemID

	del := tc.Dispatch(ctx, fmt.Sprintf("/_delete item @%d %d internal", contact.ContactID, itemID))
	if del.Tag != model.RespChatItemDeleted {
		t.Fatalf("expected RespChatItemDeleted, got %+v", del)
	}

	tc.Scheduler.mu.Lock()
	_, tracked := tc.Scheduler.timedItemThreads[itemID]
	tc.Scheduler.mu.Unlock()
	if tracked {
		t.Fatal("expected the delete to cancel the pending timed-delete thread")
	}
}

// TestTTLCommandPersistsSettingAndEnablesExpiration exercises
// /_ttl <userId> <seconds> and /_ttl <userId> none.
func TestTTLCommandPersistsSettingAndEnablesExpiration(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_ttl %d 60", alice.UserID))
	if resp.Tag != model.RespCmdOk {
		t.Fatalf("expected RespCmdOk, got %+v", resp)
	}
	val, ok, err := tc.st.GetSetting(ctx, alice.UserID, "chatItemTTL")
	if err != nil || !ok || val != "60" {
		t.Fatalf("expected chatItemTTL=60 persisted, got %q ok=%v err=%v", val, ok, err)
	}

	none := tc.Dispatch(ctx, fmt.Sprintf("/_ttl %d none", alice.UserID))
	if none.Tag != model.RespCmdOk {
		t.Fatalf("expected RespCmdOk, got %+v", none)
	}
	val, ok, err = tc.st.GetSetting(ctx, alice.UserID, "chatItemTTL")
	if err != nil || !ok || val != "0" {
		t.Fatalf("expected chatItemTTL=0 after disabling, got %q ok=%v err=%v", val, ok, err)
	}
}

// TestTTLCommandRejectsBadInput confirms malformed ttl values are
// rejected as command errors rather than silently accepted.
func TestTTLCommandRejectsBadInput(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_ttl %d not-a-number", alice.UserID))
	if resp.Tag != model.RespChatCmdError {
		t.Fatalf("expected RespChatCmdError, got %+v", resp)
	}
}
