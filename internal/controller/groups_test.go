package controller

import (
	"context"
	"fmt"
	"testing"

	"chatcore/internal/agent"
	"chatcore/internal/model"
	"chatcore/internal/wire"
)

// lastSentTo returns the body of the most recent SendMessage call made
// against connID, decoded as a ChatMessage.
func lastSentTo(t *testing.T, tc *testController, connID model.ConnID) wire.ChatMessage {
	t.Helper()
	sent := tc.gw.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].ConnID == connID {
			msg, err := wire.Decode(sent[i].Body)
			if err != nil {
				t.Fatalf("decode message on conn %d: %v", connID, err)
			}
			return msg
		}
	}
	t.Fatalf("no message sent on connection %d", connID)
	return wire.ChatMessage{}
}

// TestGroupIntroductionProtocol walks a new member (bob) through the
// full x.grp.mem.new/.intro/.inv/.fwd/.info handshake against one
// already-complete member (carol). Each party gets its own Controller
// and store, exactly as each would run its own local database in
// production, and messages are relayed between them by hand the way a
// real network would carry them.
func TestGroupIntroductionProtocol(t *testing.T) {
	ctx := context.Background()

	hostTC := newTestController(t)
	alice := hostTC.createUser(t, "alice")

	groupID, err := hostTC.st.CreateGroup(ctx, model.Group{UserID: alice.UserID, LocalName: "club", Profile: model.Profile{DisplayName: "club"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	membershipID, err := hostTC.st.CreateMember(ctx, model.GroupMember{
		GroupID: groupID, MemberID: model.NewMemberID(), Role: model.RoleOwner,
		Status: model.MSCreator, Category: model.CategoryUserMember,
	})
	if err != nil {
		t.Fatalf("create membership: %v", err)
	}
	if err := hostTC.st.SetGroupMembership(ctx, groupID, membershipID); err != nil {
		t.Fatalf("set group membership: %v", err)
	}

	// carol: an existing, fully-joined member, as the host sees her.
	hostCarolConnID, _, err := hostTC.gw.CreateConnection(ctx, alice.UserID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create carol connection: %v", err)
	}
	if _, err := hostTC.st.CreateConnection(ctx, model.Connection{
		ConnID: hostCarolConnID, Direction: model.ConnSnd, Status: model.ConnReady, Type: model.ConnTypeGroupMember,
	}); err != nil {
		t.Fatalf("persist carol connection: %v", err)
	}
	carolMemberID := model.NewMemberID()
	if _, err := hostTC.st.CreateMember(ctx, model.GroupMember{
		GroupID: groupID, MemberID: carolMemberID, DisplayName: "carol", Role: model.RoleMember,
		Status: model.MSComplete, Category: model.CategoryInviteeMember, ConnID: &hostCarolConnID,
	}); err != nil {
		t.Fatalf("create carol member: %v", err)
	}

	// bob: a direct contact being invited into the group.
	bobContact := hostTC.readyContact(t, alice.UserID, "bob")
	addResp := hostTC.Dispatch(ctx, fmt.Sprintf("/_add #%d %d member", groupID, bobContact.ContactID))
	if addResp.ChatError != nil {
		t.Fatalf("add member: %+v", addResp.ChatError)
	}
	bob := *addResp.Member
	if bob.Status != model.MSInvited {
		t.Fatalf("expected newly-added member to be invited, got %s", bob.Status)
	}
	hostToBobConnID := *bob.ConnID

	// Bob's invitation connection reaches CONN: the host announces him
	// to carol and introduces carol to him.
	hostTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtCONN, ConnID: hostToBobConnID})
	drainView(t, hostTC) // joinedGroupMemberConnecting

	bobAfterAnnounce, err := hostTC.st.GetMember(ctx, bob.GroupMemberID)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bobAfterAnnounce.Status != model.MSAnnounced {
		t.Fatalf("expected bob announced, got %s", bobAfterAnnounce.Status)
	}

	newMsg := lastSentTo(t, hostTC, hostCarolConnID)
	if newMsg.Event.Tag != wire.TagGrpMemNew || newMsg.Event.MemberInfo == nil {
		t.Fatalf("expected x.grp.mem.new to carol, got %+v", newMsg.Event)
	}
	introMsg := lastSentTo(t, hostTC, hostToBobConnID)
	if introMsg.Event.Tag != wire.TagGrpMemIntro || introMsg.Event.MemberInfo == nil {
		t.Fatalf("expected x.grp.mem.intro to bob, got %+v", introMsg.Event)
	}

	// carol: her own local view of the same group, reached from her
	// own membership row over her own connection back to the host.
	carolTC := newTestController(t)
	carolUser := carolTC.createUser(t, "carol")
	carolGroupID, err := carolTC.st.CreateGroup(ctx, model.Group{UserID: carolUser.UserID, LocalName: "club", Profile: model.Profile{DisplayName: "club"}})
	if err != nil {
		t.Fatalf("create carol's group: %v", err)
	}
	carolLocalConnToHost, _, err := carolTC.gw.CreateConnection(ctx, carolUser.UserID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create carol's conn to host: %v", err)
	}
	if _, err := carolTC.st.CreateConnection(ctx, model.Connection{
		ConnID: carolLocalConnToHost, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeGroupMember,
	}); err != nil {
		t.Fatalf("persist carol's conn to host: %v", err)
	}
	carolMembershipID, err := carolTC.st.CreateMember(ctx, model.GroupMember{
		GroupID: carolGroupID, MemberID: carolMemberID, Role: model.RoleMember,
		Status: model.MSComplete, Category: model.CategoryUserMember, ConnID: &carolLocalConnToHost,
	})
	if err != nil {
		t.Fatalf("create carol's membership: %v", err)
	}
	if err := carolTC.st.SetGroupMembership(ctx, carolGroupID, carolMembershipID); err != nil {
		t.Fatalf("set carol's group membership: %v", err)
	}

	// Carol receives the announcement and opens two fresh connections
	// back toward bob.
	newBody, err := wire.Encode(newMsg)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	carolTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: carolLocalConnToHost, Body: newBody})

	bobPlaceholderOnCarol, err := carolTC.st.GetMemberByMemberID(ctx, carolGroupID, bob.MemberID)
	if err != nil {
		t.Fatalf("expected carol to have created a placeholder for bob: %v", err)
	}
	if bobPlaceholderOnCarol.Category != model.CategoryPreMember || bobPlaceholderOnCarol.ConnID == nil {
		t.Fatalf("expected bob's placeholder to be pre-member with a direct conn, got %+v", bobPlaceholderOnCarol)
	}
	carolDirectConnID := *bobPlaceholderOnCarol.ConnID

	invMsg := lastSentTo(t, carolTC, carolLocalConnToHost)
	if invMsg.Event.Tag != wire.TagGrpMemInv || invMsg.Event.IntroInvitation == nil {
		t.Fatalf("expected x.grp.mem.inv reply from carol, got %+v", invMsg.Event)
	}

	// The host relays carol's invitation on to bob.
	invBody, _ := wire.Encode(invMsg)
	hostTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: hostCarolConnID, Body: invBody})

	bobAfterFwd, err := hostTC.st.GetMember(ctx, bob.GroupMemberID)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bobAfterFwd.Status != model.MSIntroInvited {
		t.Fatalf("expected bob intro-invited, got %s", bobAfterFwd.Status)
	}
	fwdMsg := lastSentTo(t, hostTC, hostToBobConnID)
	if fwdMsg.Event.Tag != wire.TagGrpMemFwd || fwdMsg.Event.IntroForward == nil {
		t.Fatalf("expected x.grp.mem.fwd to bob, got %+v", fwdMsg.Event)
	}

	// bob: his own local view of the group, reached from his own
	// membership row over his own connection back to the host.
	bobTC := newTestController(t)
	bobUser := bobTC.createUser(t, "bob")
	bobGroupID, err := bobTC.st.CreateGroup(ctx, model.Group{UserID: bobUser.UserID, LocalName: "club", Profile: model.Profile{DisplayName: "club"}})
	if err != nil {
		t.Fatalf("create bob's group: %v", err)
	}
	bobLocalConnToHost, _, err := bobTC.gw.CreateConnection(ctx, bobUser.UserID, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create bob's conn to host: %v", err)
	}
	if _, err := bobTC.st.CreateConnection(ctx, model.Connection{
		ConnID: bobLocalConnToHost, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeGroupMember,
	}); err != nil {
		t.Fatalf("persist bob's conn to host: %v", err)
	}
	bobMembershipID, err := bobTC.st.CreateMember(ctx, model.GroupMember{
		GroupID: bobGroupID, MemberID: bob.MemberID, Role: model.RoleMember,
		Status: model.MSIntroInvited, Category: model.CategoryUserMember, ConnID: &bobLocalConnToHost,
	})
	if err != nil {
		t.Fatalf("create bob's membership: %v", err)
	}
	if err := bobTC.st.SetGroupMembership(ctx, bobGroupID, bobMembershipID); err != nil {
		t.Fatalf("set bob's group membership: %v", err)
	}

	// Bob joins the two connections carol opened for him.
	fwdBody, _ := wire.Encode(fwdMsg)
	bobTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: bobLocalConnToHost, Body: fwdBody})

	carolPlaceholderOnBob, err := bobTC.st.GetMemberByMemberID(ctx, bobGroupID, carolMemberID)
	if err != nil {
		t.Fatalf("expected bob to have created a placeholder for carol: %v", err)
	}
	if carolPlaceholderOnBob.Status != model.MSConnecting || carolPlaceholderOnBob.ConnID == nil {
		t.Fatalf("expected carol's placeholder connecting with a direct conn, got %+v", carolPlaceholderOnBob)
	}
	bobDirectConnID := *carolPlaceholderOnBob.ConnID

	// That direct connection comes up: bob sends his profile.
	bobTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtCONN, ConnID: bobDirectConnID})
	carolPlaceholderOnBobAfter, err := bobTC.st.GetMember(ctx, carolPlaceholderOnBob.GroupMemberID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if carolPlaceholderOnBobAfter.Status != model.MSConnected {
		t.Fatalf("expected carol's placeholder connected, got %s", carolPlaceholderOnBobAfter.Status)
	}
	infoMsg := lastSentTo(t, bobTC, bobDirectConnID)
	if infoMsg.Event.Tag != wire.TagGrpMemInfo {
		t.Fatalf("expected x.grp.mem.info from bob, got %+v", infoMsg.Event)
	}

	// Bridge that send to carol's paired direct connection and let her
	// finish bob's introduction.
	infoBody, _ := wire.Encode(infoMsg)
	carolTC.handleEvent(ctx, agent.AgentEvent{Tag: agent.EvtMSG, ConnID: carolDirectConnID, Body: infoBody})

	bobPlaceholderOnCarolAfter, err := carolTC.st.GetMember(ctx, bobPlaceholderOnCarol.GroupMemberID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bobPlaceholderOnCarolAfter.Status != model.MSComplete {
		t.Fatalf("expected bob's placeholder complete on carol's side, got %s", bobPlaceholderOnCarolAfter.Status)
	}
}

// TestAdvanceMemberStatusRejectsBackwardsMove checks the monotonicity
// invariant the introduction protocol relies on throughout: a member's
// status can only move forward along the introduction sequence, never
// back to an earlier step.
func TestAdvanceMemberStatusRejectsBackwardsMove(t *testing.T) {
	tc := newTestController(t)
	ctx := context.Background()
	alice := tc.createUser(t, "alice")

	groupID, err := tc.st.CreateGroup(ctx, model.Group{UserID: alice.UserID, LocalName: "club", Profile: model.Profile{DisplayName: "club"}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	memberID, err := tc.st.CreateMember(ctx, model.GroupMember{
		GroupID: groupID, MemberID: model.NewMemberID(), Role: model.RoleMember,
		Status: model.MSConnected, Category: model.CategoryInviteeMember,
	})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}

	if err := tc.advanceMemberStatus(ctx, memberID, model.MSConnected, model.MSAnnounced); err == nil {
		t.Fatal("expected advanceMemberStatus to reject a backwards transition")
	}

	m, err := tc.st.GetMember(ctx, memberID)
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	if m.Status != model.MSConnected {
		t.Fatalf("expected status to remain connected after a rejected transition, got %s", m.Status)
	}
}
