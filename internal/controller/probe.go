package controller

import (
	"context"
	"crypto/rand"
	"crypto/sha256"

	"chatcore/internal/model"
	"chatcore/internal/wire"
)

// probeContactIfEligible runs the duplicate-contact probe, merging the
// duplicate contact that resulted from a group-member promotion into
// the original once a direct contact connection reaches CONN.
// Incognito contacts never participate: a probe would leak the fact
// that two conversations share a profile.
func (c *Controller) probeContactIfEligible(ctx context.Context, contact model.Contact) {
	if contact.Incognito {
		return
	}
	others, err := c.Store.ListContacts(ctx, contact.UserID)
	if err != nil {
		c.Log.Warn("probe candidate lookup failed", "err", err)
		return
	}
	var probe [32]byte
	if _, err := rand.Read(probe[:]); err != nil {
		c.Log.Warn("probe rand read failed", "err", err)
		return
	}
	hash := sha256.Sum256(probe[:])

	sent := false
	for _, other := range others {
		if other.ContactID == contact.ContactID || other.Incognito || other.Deleted {
			continue
		}
		if other.Profile.DisplayName != contact.Profile.DisplayName {
			continue
		}
		if !sent {
			if err := c.sendEvent(ctx, contact.ConnID, wire.TagInfoProbe, wire.ChatMsgEvent{Probe: probe[:]}); err != nil {
				c.Log.Warn("send probe failed", "err", err)
				return
			}
			c.pendingProbes[hash] = contact.ContactID
			sent = true
		}
		if err := c.sendEvent(ctx, other.ConnID, wire.TagInfoProbeChk, wire.ChatMsgEvent{ProbeHash: hash[:]}); err != nil {
			c.Log.Warn("send probe check failed", "err", err)
		}
	}
}

// handleProbeMessage implements both sides of the probe exchange: the
// recipient of a probe/check (any contact can be asked to participate
// in someone else's merge check), and the initiator receiving the
// eventual probe.ok confirmation.
func (c *Controller) handleProbeMessage(ctx context.Context, contact model.Contact, evt wire.ChatMsgEvent) {
	switch evt.Tag {
	case wire.TagInfoProbe:
		if len(evt.Probe) == 0 {
			return
		}
		hash := sha256.Sum256(evt.Probe)
		probe := append([]byte(nil), evt.Probe...)
		c.receivedProbes[hash] = probe

	case wire.TagInfoProbeChk:
		if len(evt.ProbeHash) != sha256.Size {
			return
		}
		var hash [32]byte
		copy(hash[:], evt.ProbeHash)
		probe, ok := c.receivedProbes[hash]
		if !ok {
			return
		}
		if err := c.sendEvent(ctx, contact.ConnID, wire.TagInfoProbeOk, wire.ChatMsgEvent{Probe: probe}); err != nil {
			c.Log.Warn("send probe ok failed", "err", err)
		}

	case wire.TagInfoProbeOk:
		if len(evt.Probe) == 0 {
			return
		}
		hash := sha256.Sum256(evt.Probe)
		original, ok := c.pendingProbes[hash]
		if !ok || original == contact.ContactID {
			return
		}
		delete(c.pendingProbes, hash)
		c.mergeProbedContacts(ctx, original, contact.ContactID)
	}
}

// mergeProbedContacts folds the contact created by a group-member
// promotion into the original direct contact once the probe confirms
// they are the same peer. The promoted row (the one carrying
// ContactGroupID) is always the one discarded, so the group-member
// link is preserved on the surviving contact.
func (c *Controller) mergeProbedContacts(ctx context.Context, a, b model.ContactID) {
	contactA, err := c.Store.GetContact(ctx, a)
	if err != nil {
		c.Log.Warn("merge: load contact failed", "err", err)
		return
	}
	contactB, err := c.Store.GetContact(ctx, b)
	if err != nil {
		c.Log.Warn("merge: load contact failed", "err", err)
		return
	}

	keep, dup := contactA, contactB
	if keep.ContactGroupID != nil && dup.ContactGroupID == nil {
		keep, dup = dup, keep
	}
	if err := c.Store.MergeContacts(ctx, keep.ContactID, dup.ContactID); err != nil {
		c.Log.Warn("merge contacts failed", "err", err)
		return
	}
	c.Log.Info("merged duplicate contact", "keep", keep.ContactID, "dup", dup.ContactID)
}
