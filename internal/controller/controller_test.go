package controller

import (
	"context"
	"testing"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/model"
	"chatcore/internal/store"
)

// testController wires a fresh in-memory store and MemoryGateway
// behind a Controller, the harness every test in this package starts
// from.
type testController struct {
	*Controller
	st *store.Store
	gw *agent.MemoryGateway
}

func newTestController(t *testing.T) *testController {
	t.Helper()
	st, err := store.Open(":memory:", store.PolicyYes)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	gw := agent.NewMemoryGateway()
	c := New(st, gw, nil)
	return &testController{Controller: c, st: st, gw: gw}
}

func (tc *testController) createUser(t *testing.T, name string) model.User {
	t.Helper()
	ctx := context.Background()
	id, err := tc.st.CreateUser(ctx, model.User{
		AgentUserID: "au-" + name,
		Profile:     model.Profile{DisplayName: name},
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	u, err := tc.st.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get user %s: %v", name, err)
	}
	tc.SetActiveUser(&u)
	return u
}

// readyContact creates a contact plus a usable connection pointed at
// it, as if CONN had already arrived.
func (tc *testController) readyContact(t *testing.T, userID model.UserID, name string) model.Contact {
	t.Helper()
	ctx := context.Background()
	connID, _, err := tc.gw.CreateConnection(ctx, userID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("gateway create connection: %v", err)
	}
	if _, err := tc.st.CreateConnection(ctx, model.Connection{
		ConnID: connID, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeContactDirect,
	}); err != nil {
		t.Fatalf("persist connection: %v", err)
	}
	contactID, err := tc.st.CreateContact(ctx, model.Contact{
		UserID: userID, LocalDisplayName: name, Profile: model.Profile{DisplayName: name},
		ChatTs: time.Now(), ConnID: connID,
	})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	contact, err := tc.st.GetContact(ctx, contactID)
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	return contact
}

// drainView waits briefly for one view event, failing the test if
// none arrives.
func drainView(t *testing.T, tc *testController) model.ChatResponse {
	t.Helper()
	select {
	case r := <-tc.Views():
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for view event")
		return model.ChatResponse{}
	}
}
