package agent

import (
	"context"
	"testing"
	"time"

	"chatcore/internal/model"
)

func TestMemoryGatewayConnectionLifecycle(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	connID, connReq, err := g.CreateConnection(ctx, model.UserID(1), ModeInvitation)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if connReq == "" {
		t.Fatal("expected non-empty connection request")
	}

	stats, err := g.GetAgentStats(ctx)
	if err != nil {
		t.Fatalf("GetAgentStats: %v", err)
	}
	if stats.ActiveConns != 1 {
		t.Fatalf("expected 1 active connection, got %d", stats.ActiveConns)
	}

	if _, err := g.DeleteConnection(ctx, connID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	stats, err = g.GetAgentStats(ctx)
	if err != nil {
		t.Fatalf("GetAgentStats after delete: %v", err)
	}
	if stats.ActiveConns != 0 {
		t.Fatalf("expected 0 active connections after delete, got %d", stats.ActiveConns)
	}
}

func TestMemoryGatewaySendMessageRecordsSend(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()

	connID, _, err := g.CreateConnection(ctx, model.UserID(1), ModeContact)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	agentMsgID, err := g.SendMessage(ctx, connID, SendFlags{Notification: true}, []byte("hello"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if agentMsgID == "" {
		t.Fatal("expected non-empty agent message id")
	}

	sent := g.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 recorded send, got %d", len(sent))
	}
	if sent[0].ConnID != connID || string(sent[0].Body) != "hello" {
		t.Fatalf("unexpected recorded send: %#v", sent[0])
	}
}

func TestMemoryGatewayInjectDeliversEvent(t *testing.T) {
	g := NewMemoryGateway()
	connID, _, err := g.CreateConnection(context.Background(), model.UserID(1), ModeContact)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	g.Inject(AgentEvent{Tag: EvtMSG, ConnID: connID, Body: []byte("ping")})

	select {
	case evt := <-g.Events():
		if evt.Tag != EvtMSG || evt.ConnID != connID || string(evt.Body) != "ping" {
			t.Fatalf("unexpected event: %#v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected event")
	}
}

func TestMemoryGatewaySubscribeConnectionsAllOK(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	c1, _, _ := g.CreateConnection(ctx, model.UserID(1), ModeContact)
	c2, _, _ := g.CreateConnection(ctx, model.UserID(1), ModeContact)

	results, err := g.SubscribeConnections(ctx, []model.ConnID{c1, c2})
	if err != nil {
		t.Fatalf("SubscribeConnections: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for id, agentErr := range results {
		if agentErr != nil {
			t.Fatalf("connection %v: unexpected error %v", id, agentErr)
		}
	}
}

func TestConnHealthOpensAfterThreshold(t *testing.T) {
	h := &connHealth{}
	for i := uint32(0); i < authErrThreshold-1; i++ {
		h.recordAuthErr()
		if h.disabled() {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	h.recordAuthErr() // reaches authErrThreshold
	if !h.disabled() {
		t.Fatal("expected breaker to be open at threshold")
	}
}

func TestConnHealthProbesPeriodically(t *testing.T) {
	h := &connHealth{}
	for i := uint32(0); i < authErrThreshold; i++ {
		h.recordAuthErr()
	}
	var probes int
	for i := 0; i < int(authErrProbeEvery)*3; i++ {
		if !h.disabled() {
			probes++
		}
	}
	if probes == 0 {
		t.Fatal("expected at least one probe to be let through")
	}
}

func TestConnHealthRecoversOnSuccess(t *testing.T) {
	h := &connHealth{}
	for i := uint32(0); i < authErrThreshold; i++ {
		h.recordAuthErr()
	}
	if !h.disabled() {
		t.Fatal("expected breaker open before recovery")
	}
	h.recordOK()
	if h.disabled() {
		t.Fatal("expected breaker closed after recordOK")
	}
}

func TestXFTPFileIDsAreDistinct(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	f1, err := g.XFTPSendFile(ctx, model.UserID(1), "/tmp/a", 1)
	if err != nil {
		t.Fatalf("XFTPSendFile: %v", err)
	}
	f2, err := g.XFTPSendFile(ctx, model.UserID(1), "/tmp/b", 1)
	if err != nil {
		t.Fatalf("XFTPSendFile: %v", err)
	}
	if f1 == f2 {
		t.Fatalf("expected distinct file ids, got %v twice", f1)
	}
}

var _ Gateway = (*QuicGateway)(nil)
