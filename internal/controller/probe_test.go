package controller

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/model"
	"chatcore/internal/wire"
)

// TestProbeMergesGroupPromotedDuplicate exercises the full
// x.info.probe/.check/.ok round trip: a direct contact and a
// second contact created by promoting a group member share the same
// display name, so connecting the direct contact should probe the
// duplicate and, once it confirms, fold it into the original.
func TestProbeMergesGroupPromotedDuplicate(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")

	direct := tc.readyContact(t, alice.UserID, "bob")

	dupConnID, _, err := tc.gw.CreateConnection(ctx, alice.UserID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create dup connection: %v", err)
	}
	if _, err := tc.st.CreateConnection(ctx, model.Connection{
		ConnID: dupConnID, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeContactDirect,
	}); err != nil {
		t.Fatalf("persist dup connection: %v", err)
	}
	groupID := model.GroupID(1)
	dupID, err := tc.st.CreateContact(ctx, model.Contact{
		UserID: alice.UserID, LocalDisplayName: "bob_1", Profile: model.Profile{DisplayName: "bob"},
		ChatTs: time.Now(), ConnID: dupConnID, ContactGroupID: &groupID,
	})
	if err != nil {
		t.Fatalf("create dup contact: %v", err)
	}

	// Connecting the direct contact triggers the probe against every
	// other same-named contact.
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtCONN, ConnID: direct.ConnID})
	drainView(t, tc) // contactConnected

	probeMsg := lastSentTo(t, tc, direct.ConnID)
	if probeMsg.Event.Tag != wire.TagInfoProbe || len(probeMsg.Event.Probe) == 0 {
		t.Fatalf("expected a probe sent to the direct contact, got %+v", probeMsg.Event)
	}
	checkMsg := lastSentTo(t, tc, dupConnID)
	if checkMsg.Event.Tag != wire.TagInfoProbeChk {
		t.Fatalf("expected a probe check sent to the duplicate, got %+v", checkMsg.Event)
	}
	wantHash := sha256.Sum256(probeMsg.Event.Probe)
	if string(checkMsg.Event.ProbeHash) != string(wantHash[:]) {
		t.Fatalf("probe check hash does not match the probe sent to the direct contact")
	}

	// The duplicate's peer turns out to hold the same probe value and
	// confirms the match.
	okBody, err := wire.Encode(wire.ChatMessage{Event: wire.ChatMsgEvent{Tag: wire.TagInfoProbeOk, Probe: probeMsg.Event.Probe}})
	if err != nil {
		t.Fatalf("encode probe ok: %v", err)
	}
	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: dupConnID, Body: okBody})

	if _, err := tc.st.GetContact(ctx, dupID); err == nil {
		t.Fatal("expected the group-promoted duplicate to be merged away")
	}
	kept, err := tc.st.GetContact(ctx, direct.ContactID)
	if err != nil {
		t.Fatalf("expected the original direct contact to survive the merge: %v", err)
	}
	if kept.ContactGroupID != nil {
		t.Fatalf("expected the surviving contact to carry no group-promotion marker, got %+v", kept.ContactGroupID)
	}
}

// TestProbeSkipsIncognitoContact confirms an incognito contact never
// participates in the probe, since that would leak a profile link
// across conversations the user deliberately kept separate.
func TestProbeSkipsIncognitoContact(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")

	connID, _, err := tc.gw.CreateConnection(ctx, alice.UserID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if _, err := tc.st.CreateConnection(ctx, model.Connection{
		ConnID: connID, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeContactDirect,
	}); err != nil {
		t.Fatalf("persist connection: %v", err)
	}
	_, err = tc.st.CreateContact(ctx, model.Contact{
		UserID: alice.UserID, LocalDisplayName: "bob", Profile: model.Profile{DisplayName: "bob"},
		ChatTs: time.Now(), ConnID: connID, Incognito: true,
	})
	if err != nil {
		t.Fatalf("create incognito contact: %v", err)
	}

	tc.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtCONN, ConnID: connID})
	drainView(t, tc) // contactConnected

	if sent := tc.gw.Sent(); len(sent) != 0 {
		t.Fatalf("expected no probe traffic for an incognito contact, got %+v", sent)
	}
}
