package controller

import (
	"context"

	"chatcore/internal/agent"
	"chatcore/internal/model"
	"chatcore/internal/wire"
)

// onMemberConnected runs once a member connection reaches CONN ready.
// It covers two distinct cases that share the same connection type:
//
//  1. The host's connection to a freshly invited member: the host
//     announces the new member to every already-complete member
//     (x.grp.mem.new) and introduces each of them to the new member
//     (x.grp.mem.intro).
//  2. A member-to-member connection created while joining an
//     introduction (x.grp.mem.fwd): once ready, the joining side
//     sends x.grp.mem.info to finish the handshake.
func (c *Controller) onMemberConnected(ctx context.Context, member model.GroupMember) {
	switch member.Category {
	case model.CategoryInviteeMember:
		c.hostAnnounceNewMember(ctx, member)
	case model.CategoryPreMember, model.CategoryPostMember:
		c.sendMemberInfo(ctx, member)
	default:
		if err := c.Store.UpdateMemberStatus(ctx, member.GroupMemberID, model.MSConnected); err != nil {
			c.Log.Warn("update member status failed", "member", member.GroupMemberID, "err", err)
		}
	}
}

// hostAnnounceNewMember implements introduction-protocol step 1: the
// host tells every already-joined member about the new one and vice
// versa.
func (c *Controller) hostAnnounceNewMember(ctx context.Context, newMember model.GroupMember) {
	if err := c.advanceMemberStatus(ctx, newMember.GroupMemberID, newMember.Status, model.MSAnnounced); err != nil {
		c.Log.Warn("advance member status failed", "member", newMember.GroupMemberID, "err", err)
		return
	}
	group, err := c.Store.GetGroup(ctx, newMember.GroupID)
	if err != nil {
		return
	}
	c.emit(model.ChatResponse{Tag: model.RespJoinedGroupMemberConnecting, Group: &group, Member: &newMember})

	others, err := c.Store.ListMembers(ctx, newMember.GroupID)
	if err != nil {
		c.Log.Warn("list members failed", "group", newMember.GroupID, "err", err)
		return
	}
	newInfo := wire.MemberInfo{MemberID: newMember.MemberID, Role: newMember.Role, Profile: newMember.Profile}
	for _, e := range others {
		if e.GroupMemberID == newMember.GroupMemberID || e.GroupMemberID == group.MembershipID {
			continue
		}
		if e.Status != model.MSComplete || e.ConnID == nil {
			continue // only fully-joined members participate in introductions
		}
		eInfo := wire.MemberInfo{MemberID: e.MemberID, Role: e.Role, Profile: e.Profile}
		if err := c.sendEvent(ctx, *e.ConnID, wire.TagGrpMemNew, wire.ChatMsgEvent{Tag: wire.TagGrpMemNew, MemberInfo: &newInfo}); err != nil {
			c.Log.Warn("send x.grp.mem.new failed", "member", e.GroupMemberID, "err", err)
			continue
		}
		if err := c.sendEvent(ctx, *newMember.ConnID, wire.TagGrpMemIntro, wire.ChatMsgEvent{Tag: wire.TagGrpMemIntro, MemberInfo: &eInfo}); err != nil {
			c.Log.Warn("send x.grp.mem.intro failed", "member", newMember.GroupMemberID, "err", err)
		}
	}
}

// sendEvent encodes and sends a bare event (no SharedMsgID) on connID.
func (c *Controller) sendEvent(ctx context.Context, connID model.ConnID, tag string, event wire.ChatMsgEvent) error {
	event.Tag = tag
	body, err := wire.Encode(wire.ChatMessage{Event: event})
	if err != nil {
		return &model.FatalError{Cause: err}
	}
	_, err = c.GW.SendMessage(ctx, connID, agent.SendFlags{}, body)
	return err
}

// advanceMemberStatus enforces monotonicity invariant
// before persisting a status change.
func (c *Controller) advanceMemberStatus(ctx context.Context, memberID int64, prev, next model.MemberStatus) error {
	if !model.AdvancesFrom(prev, next) {
		return &model.CommandError{Reason: "member status would move backwards"}
	}
	return c.Store.UpdateMemberStatus(ctx, memberID, next)
}

// handleIntroductionMessage routes one x.grp.mem.* message to its step
// of the introduction protocol.
func (c *Controller) handleIntroductionMessage(ctx context.Context, member model.GroupMember, evt wire.ChatMsgEvent) {
	switch evt.Tag {
	case wire.TagGrpMemNew:
		c.onGrpMemNew(ctx, member, evt)
	case wire.TagGrpMemIntro:
		c.onGrpMemIntro(ctx, member, evt)
	case wire.TagGrpMemInv:
		c.onGrpMemInv(ctx, member, evt)
	case wire.TagGrpMemFwd:
		c.onGrpMemFwd(ctx, member, evt)
	case wire.TagGrpMemInfo:
		c.onGrpMemInfo(ctx, member, evt)
	}
}

// onGrpMemNew implements introduction-protocol step 2: an existing
// member E, told about new member M, opens two fresh connections (a
// group connection and a direct connection) and replies to the host
// with their invitations over the same connection E received this on.
func (c *Controller) onGrpMemNew(ctx context.Context, hostConn model.GroupMember, evt wire.ChatMsgEvent) {
	if evt.MemberInfo == nil || hostConn.ConnID == nil {
		return
	}
	newMemberInfo := *evt.MemberInfo
	group, err := c.Store.GetGroup(ctx, hostConn.GroupID)
	if err != nil {
		c.Log.Warn("group lookup for introduction failed", "err", err)
		return
	}

	groupConnID, groupConnReq, err := c.GW.CreateConnection(ctx, group.UserID, agent.ModeInvitation)
	if err != nil {
		c.Log.Warn("create group conn for introduction failed", "err", err)
		return
	}
	directConnID, directConnReq, err := c.GW.CreateConnection(ctx, group.UserID, agent.ModeInvitation)
	if err != nil {
		c.Log.Warn("create direct conn for introduction failed", "err", err)
		return
	}
	for _, cid := range []model.ConnID{groupConnID, directConnID} {
		if _, err := c.Store.CreateConnection(ctx, model.Connection{
			ConnID: cid, Direction: model.ConnSnd, Status: model.ConnNew, Type: model.ConnTypeGroupMember,
		}); err != nil {
			c.Log.Warn("persist introduction connection failed", "err", err)
			return
		}
	}
	// A placeholder row for M, keyed by its protocol MemberID, lazily
	// created so x.grp.mem.fwd (which may race x.grp.mem.new) always
	// finds something to attach the live connections to. It carries
	// directConnID from the start so this side's own CONN for that
	// connection can find it via GetMemberByConnID.
	existing, err := c.Store.GetMemberByMemberID(ctx, hostConn.GroupID, newMemberInfo.MemberID)
	if err != nil {
		if _, err := c.Store.CreateMember(ctx, model.GroupMember{
			GroupID: hostConn.GroupID, MemberID: newMemberInfo.MemberID, DisplayName: newMemberInfo.Profile.DisplayName,
			Profile: newMemberInfo.Profile, Role: newMemberInfo.Role, Status: model.MSAnnounced,
			Category: model.CategoryPreMember, ConnID: &directConnID,
		}); err != nil {
			c.Log.Warn("create placeholder member failed", "err", err)
			return
		}
	} else if err := c.Store.SetMemberConnAndContact(ctx, existing.GroupMemberID, directConnID, 0); err != nil {
		c.Log.Warn("attach direct connection to placeholder failed", "err", err)
	}

	inv := wire.IntroInvitation{MemberID: newMemberInfo.MemberID, GroupConnReq: groupConnReq, DirectConnReq: directConnReq}
	if err := c.sendEvent(ctx, *hostConn.ConnID, wire.TagGrpMemInv, wire.ChatMsgEvent{Tag: wire.TagGrpMemInv, IntroInvitation: &inv}); err != nil {
		c.Log.Warn("send x.grp.mem.inv failed", "err", err)
	}
}

// onGrpMemIntro implements the new member's half of step 1: it learns
// about an existing member E and creates a placeholder row for it,
// awaiting the forwarded connection requests.
func (c *Controller) onGrpMemIntro(ctx context.Context, member model.GroupMember, evt wire.ChatMsgEvent) {
	if evt.MemberInfo == nil {
		return
	}
	info := *evt.MemberInfo
	if _, err := c.Store.GetMemberByMemberID(ctx, member.GroupID, info.MemberID); err == nil {
		return // already known, e.g. x.grp.mem.fwd arrived first
	}
	if _, err := c.Store.CreateMember(ctx, model.GroupMember{
		GroupID: member.GroupID, MemberID: info.MemberID, DisplayName: info.Profile.DisplayName,
		Profile: info.Profile, Role: info.Role, Status: model.MSAnnounced, Category: model.CategoryPreMember,
	}); err != nil {
		c.Log.Warn("create intro placeholder member failed", "err", err)
	}
}

// onGrpMemInv implements the host's half of step 3: forward E's fresh
// connection requests on to the new member M.
func (c *Controller) onGrpMemInv(ctx context.Context, fromMember model.GroupMember, evt wire.ChatMsgEvent) {
	if evt.IntroInvitation == nil {
		return
	}
	inv := *evt.IntroInvitation
	newMember, err := c.Store.GetMemberByMemberID(ctx, fromMember.GroupID, inv.MemberID)
	if err != nil || newMember.ConnID == nil {
		c.Log.Warn("forward target member unknown or not connected", "member", inv.MemberID, "err", err)
		return
	}
	fwd := wire.IntroForward{MemberID: fromMember.MemberID, GroupConnReq: inv.GroupConnReq, DirectConnReq: inv.DirectConnReq}
	if err := c.sendEvent(ctx, *newMember.ConnID, wire.TagGrpMemFwd, wire.ChatMsgEvent{Tag: wire.TagGrpMemFwd, IntroForward: &fwd}); err != nil {
		c.Log.Warn("send x.grp.mem.fwd failed", "err", err)
		return
	}
	if err := c.advanceMemberStatus(ctx, newMember.GroupMemberID, newMember.Status, model.MSIntroInvited); err != nil {
		c.Log.Warn("advance member status failed", "member", newMember.GroupMemberID, "err", err)
	}
}

// onGrpMemFwd implements step 4: the new member M joins the two
// connections E opened for it, completing the mesh link to E.
func (c *Controller) onGrpMemFwd(ctx context.Context, member model.GroupMember, evt wire.ChatMsgEvent) {
	if evt.IntroForward == nil {
		return
	}
	fwd := *evt.IntroForward
	group, err := c.Store.GetGroup(ctx, member.GroupID)
	if err != nil {
		c.Log.Warn("group lookup for forward failed", "err", err)
		return
	}
	peer, err := c.Store.GetMemberByMemberID(ctx, member.GroupID, fwd.MemberID)
	if err != nil {
		peer = model.GroupMember{GroupID: member.GroupID, MemberID: fwd.MemberID, Status: model.MSAnnounced, Category: model.CategoryPostMember}
		id, err := c.Store.CreateMember(ctx, peer)
		if err != nil {
			c.Log.Warn("create forward placeholder member failed", "err", err)
			return
		}
		peer.GroupMemberID = id
	}

	groupConnID, err := c.GW.JoinConnection(ctx, group.UserID, true, fwd.GroupConnReq, "")
	if err != nil {
		c.Log.Warn("join group conn for introduction failed", "err", err)
		return
	}
	directConnID, err := c.GW.JoinConnection(ctx, group.UserID, true, fwd.DirectConnReq, "")
	if err != nil {
		c.Log.Warn("join direct conn for introduction failed", "err", err)
		return
	}
	if _, err := c.Store.CreateConnection(ctx, model.Connection{
		ConnID: groupConnID, Direction: model.ConnRcv, Status: model.ConnAccepted, Type: model.ConnTypeGroupMember,
	}); err != nil {
		c.Log.Warn("persist joined group conn failed", "err", err)
		return
	}
	if _, err := c.Store.CreateConnection(ctx, model.Connection{
		ConnID: directConnID, Direction: model.ConnRcv, Status: model.ConnAccepted, Type: model.ConnTypeGroupMember,
	}); err != nil {
		c.Log.Warn("persist joined direct conn failed", "err", err)
		return
	}
	if err := c.Store.SetMemberConnAndContact(ctx, peer.GroupMemberID, directConnID, 0); err != nil {
		c.Log.Warn("set member conn failed", "err", err)
	}
	if err := c.advanceMemberStatus(ctx, peer.GroupMemberID, peer.Status, model.MSConnecting); err != nil {
		c.Log.Warn("advance member status failed", "member", peer.GroupMemberID, "err", err)
	}
}

// sendMemberInfo implements step 5: once a forwarded connection
// becomes ready, exchange profiles to finish joining that peer.
func (c *Controller) sendMemberInfo(ctx context.Context, member model.GroupMember) {
	if err := c.advanceMemberStatus(ctx, member.GroupMemberID, member.Status, model.MSConnected); err != nil {
		c.Log.Warn("advance member status failed", "member", member.GroupMemberID, "err", err)
		return
	}
	me := c.ActiveUser()
	if me == nil || member.ConnID == nil {
		return
	}
	info := wire.MemberInfo{MemberID: member.MemberID, Role: member.Role, Profile: me.Profile}
	if err := c.sendEvent(ctx, *member.ConnID, wire.TagGrpMemInfo, wire.ChatMsgEvent{Tag: wire.TagGrpMemInfo, MemberInfo: &info}); err != nil {
		c.Log.Warn("send x.grp.mem.info failed", "err", err)
	}
}

// onGrpMemInfo implements the receiving half of step 5: the peer's
// profile arrives, completing this member's introduction.
func (c *Controller) onGrpMemInfo(ctx context.Context, member model.GroupMember, evt wire.ChatMsgEvent) {
	if evt.MemberInfo != nil {
		if err := c.Store.UpdateMemberRole(ctx, member.GroupMemberID, evt.MemberInfo.Role); err != nil {
			c.Log.Warn("update member role failed", "err", err)
		}
	}
	if err := c.advanceMemberStatus(ctx, member.GroupMemberID, member.Status, model.MSComplete); err != nil {
		c.Log.Warn("advance member status failed", "member", member.GroupMemberID, "err", err)
	}
}

// handleGroupInvitation accepts an x.grp.inv received over a direct
// contact connection: join the host's connection and record the
// membership row, lazily creating the group if this is the first time
// we have heard of it.
func (c *Controller) handleGroupInvitation(ctx context.Context, contact model.Contact, evt wire.ChatMsgEvent) {
	if evt.GroupInvitation == nil {
		return
	}
	inv := *evt.GroupInvitation

	connID, err := c.GW.JoinConnection(ctx, contact.UserID, true, inv.ConnRequest, "")
	if err != nil {
		c.Log.Warn("join group invitation connection failed", "err", err)
		return
	}
	if _, err := c.Store.CreateConnection(ctx, model.Connection{
		ConnID: connID, Direction: model.ConnRcv, Status: model.ConnAccepted, Type: model.ConnTypeGroupMember,
	}); err != nil {
		c.Log.Warn("persist group invitation connection failed", "err", err)
		return
	}

	groupID, err := c.Store.CreateGroup(ctx, model.Group{
		UserID: contact.UserID, LocalName: inv.GroupProfile.DisplayName, Profile: inv.GroupProfile,
	})
	if err != nil {
		c.Log.Warn("create group from invitation failed", "err", err)
		return
	}
	membershipID, err := c.Store.CreateMember(ctx, model.GroupMember{
		GroupID: groupID, MemberID: model.NewMemberID(), Role: model.RoleMember, Status: model.MSAccepted,
		Category: model.CategoryUserMember, ConnID: &connID, ContactID: &contact.ContactID,
	})
	if err != nil {
		c.Log.Warn("create membership row failed", "err", err)
		return
	}
	if err := c.Store.SetGroupMembership(ctx, groupID, membershipID); err != nil {
		c.Log.Warn("set group membership failed", "err", err)
	}

	group, err := c.Store.GetGroup(ctx, groupID)
	if err == nil {
		c.emit(model.ChatResponse{Tag: model.RespGroupInvitation, Group: &group})
	}
}
