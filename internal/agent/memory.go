package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/model"
)

// MemoryGateway is an in-process Gateway test double: it never touches
// the network, discards every send, and lets tests drive event
// delivery with Inject.
type MemoryGateway struct {
	mu       sync.Mutex
	nextConn int64
	conns    map[model.ConnID]ConnMode
	events   chan AgentEvent
	sent     []MemorySend // inspectable record of every SendMessage call
}

// MemorySend records one SendMessage call for test assertions.
type MemorySend struct {
	ConnID model.ConnID
	Body   []byte
}

// NewMemoryGateway constructs an empty in-process gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		conns:  make(map[model.ConnID]ConnMode),
		events: make(chan AgentEvent, 256),
	}
}

// Inject pushes a synthetic event onto the event stream, as if it had
// arrived from the agent.
func (g *MemoryGateway) Inject(evt AgentEvent) { g.events <- evt }

// Sent returns every SendMessage call recorded so far.
func (g *MemoryGateway) Sent() []MemorySend {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MemorySend, len(g.sent))
	copy(out, g.sent)
	return out
}

func (g *MemoryGateway) Events() <-chan AgentEvent { return g.events }

func (g *MemoryGateway) CreateConnection(_ context.Context, _ model.UserID, mode ConnMode) (model.ConnID, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextConn++
	id := model.ConnID(g.nextConn)
	g.conns[id] = mode
	return id, fmt.Sprintf("conn-req://mem/%d", id), nil
}

func (g *MemoryGateway) JoinConnection(_ context.Context, _ model.UserID, _ bool, _, _ string) (model.ConnID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextConn++
	id := model.ConnID(g.nextConn)
	g.conns[id] = ModeInvitation
	return id, nil
}

func (g *MemoryGateway) AllowConnection(context.Context, model.ConnID, string, string) error { return nil }

func (g *MemoryGateway) AcceptContact(_ context.Context, _ model.UserID, _ bool, _, _ string) (model.ConnID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextConn++
	id := model.ConnID(g.nextConn)
	g.conns[id] = ModeContact
	return id, nil
}

func (g *MemoryGateway) RejectContact(context.Context, model.ConnID, string) error { return nil }

func (g *MemoryGateway) DeleteConnection(_ context.Context, connID model.ConnID) (model.CmdID, error) {
	g.mu.Lock()
	delete(g.conns, connID)
	g.mu.Unlock()
	return model.NewCmdID(), nil
}

func (g *MemoryGateway) DeleteConnections(_ context.Context, connIDs []model.ConnID) (model.CmdID, error) {
	g.mu.Lock()
	for _, id := range connIDs {
		delete(g.conns, id)
	}
	g.mu.Unlock()
	return model.NewCmdID(), nil
}

var memAgentMsgSeq atomic.Int64

func (g *MemoryGateway) SendMessage(_ context.Context, connID model.ConnID, _ SendFlags, body []byte) (string, error) {
	g.mu.Lock()
	g.sent = append(g.sent, MemorySend{ConnID: connID, Body: append([]byte(nil), body...)})
	g.mu.Unlock()
	return fmt.Sprintf("mem-msg-%d", memAgentMsgSeq.Add(1)), nil
}

func (g *MemoryGateway) AckMessage(context.Context, model.ConnID, string) (model.CmdID, error) {
	return model.NewCmdID(), nil
}

func (g *MemoryGateway) SwitchConnection(context.Context, model.ConnID) (model.CmdID, error) {
	return model.NewCmdID(), nil
}

func (g *MemoryGateway) SubscribeConnections(_ context.Context, connIDs []model.ConnID) (map[model.ConnID]*model.AgentError, error) {
	out := make(map[model.ConnID]*model.AgentError, len(connIDs))
	for _, id := range connIDs {
		out[id] = nil
	}
	return out, nil
}

func (g *MemoryGateway) ToggleNtfs(context.Context, model.ConnID, bool) error { return nil }
func (g *MemoryGateway) ResumeAgentClient(context.Context) error             { return nil }
func (g *MemoryGateway) Disconnect(context.Context) error                   { return nil }
func (g *MemoryGateway) Activate(context.Context) error                    { return nil }
func (g *MemoryGateway) Suspend(context.Context, time.Duration) error       { return nil }

func (g *MemoryGateway) RegisterNtfToken(context.Context, string, NtfMode) error { return nil }
func (g *MemoryGateway) VerifyNtfToken(context.Context, string, string, string) error { return nil }
func (g *MemoryGateway) DeleteNtfToken(context.Context, string) error { return nil }
func (g *MemoryGateway) GetNotificationMessage(context.Context, string, []byte) (model.ConnID, [][]byte, error) {
	return 0, nil, nil
}

var memFileSeq atomic.Int64

func (g *MemoryGateway) XFTPSendFile(context.Context, model.UserID, string, int) (model.FileID, error) {
	return model.FileID(memFileSeq.Add(1)), nil
}
func (g *MemoryGateway) XFTPReceiveFile(context.Context, model.UserID, string) (model.FileID, error) {
	return model.FileID(memFileSeq.Add(1)), nil
}
func (g *MemoryGateway) XFTPDeleteSndFile(context.Context, model.FileID) error { return nil }
func (g *MemoryGateway) XFTPDeleteRcvFile(context.Context, model.FileID) error { return nil }

func (g *MemoryGateway) GetConnectionServers(context.Context, model.ConnID) ([]string, []string, error) {
	return nil, nil, nil
}
func (g *MemoryGateway) GetConnectionRatchetAdHash(context.Context, model.ConnID) ([]byte, error) {
	return []byte("mem-ad-hash"), nil
}
func (g *MemoryGateway) TestProtocolServer(context.Context, model.UserID, ServerAddr) (*TestFailure, error) {
	return nil, nil
}
func (g *MemoryGateway) SetProtocolServers(context.Context, model.UserID, []ServerAddr) error {
	return nil
}
func (g *MemoryGateway) GetAgentStats(context.Context) (AgentStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return AgentStats{ActiveConns: int64(len(g.conns))}, nil
}
func (g *MemoryGateway) DebugAgentLocks(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

var _ Gateway = (*MemoryGateway)(nil)
