package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatcore/internal/model"
)

// TestSendWithURLFetchesPreviewAsync exercises a text send whose body
// contains a URL: the newChatItem arrives first with no preview, and
// a chatItemUpdated carrying the fetched OpenGraph metadata follows
// once the background fetch completes.
func TestSendWithURLFetchesPreviewAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
			<meta property="og:title" content="Preview Title">
			<meta property="og:description" content="Preview Desc">
		</head><body></body></html>`)
	}))
	defer srv.Close()

	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")
	contact := tc.readyContact(t, alice.UserID, "bob")

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_send @%d live=false text %s", contact.ContactID, "check this out "+srv.URL))
	if resp.Tag != model.RespNewChatItem || resp.ChatItem == nil {
		t.Fatalf("expected RespNewChatItem, got %+v", resp)
	}
	if resp.ChatItem.Content.Preview != nil {
		t.Fatalf("expected no preview on the initial send, got %+v", resp.ChatItem.Content.Preview)
	}
	itemID := resp.ChatItem.ChatItemID

	updated := drainView(t, tc)
	if updated.Tag != model.RespChatItemUpdated || updated.ChatItem == nil {
		t.Fatalf("expected a chatItemUpdated view event, got %+v", updated)
	}
	if updated.ChatItem.ChatItemID != itemID {
		t.Fatalf("expected the updated item to match the sent one, got %+v", updated.ChatItem)
	}
	if updated.ChatItem.Content.Preview == nil {
		t.Fatal("expected a populated preview")
	}
	if updated.ChatItem.Content.Preview.Title != "Preview Title" {
		t.Fatalf("expected preview title %q, got %q", "Preview Title", updated.ChatItem.Content.Preview.Title)
	}
	if updated.ChatItem.Content.Preview.Desc != "Preview Desc" {
		t.Fatalf("expected preview desc %q, got %q", "Preview Desc", updated.ChatItem.Content.Preview.Desc)
	}

	stored, err := tc.st.GetChatItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetChatItem: %v", err)
	}
	if stored.ItemEdited {
		t.Fatal("a fetched preview should not mark the item as edited")
	}
}

// TestSendWithoutURLNeverFetchesPreview confirms a plain text send
// with no URL produces no follow-up view event.
func TestSendWithoutURLNeverFetchesPreview(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")
	contact := tc.readyContact(t, alice.UserID, "bob")

	resp := tc.Dispatch(ctx, fmt.Sprintf("/_send @%d live=false text hello", contact.ContactID))
	if resp.Tag != model.RespNewChatItem || resp.ChatItem == nil {
		t.Fatalf("expected RespNewChatItem, got %+v", resp)
	}

	select {
	case r := <-tc.Views():
		t.Fatalf("expected no further view event, got %+v", r)
	case <-time.After(300 * time.Millisecond):
	}
}
