package agent

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"
	"golang.org/x/time/rate"

	"chatcore/internal/model"
)

// Circuit breaker thresholds for a connection's auth-error counter:
// once this many consecutive SMP.AUTH failures are counted the connection surfaces
// as connectionDisabled.
const (
	authErrThreshold    uint32 = 10
	authErrProbeEvery   uint32 = 5
	sendRateLimit              = 20 // messages/sec per connection
	sendRateBurst              = 40
	callTimeout                = 20 * time.Second
)

// connHealth tracks one connection's consecutive auth-error count and
// implements an open/probe circuit breaker: once tripped, only every
// authErrProbeEvery-th attempt is let through to test recovery.
type connHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *connHealth) disabled() bool {
	if h.failures.Load() < authErrThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%authErrProbeEvery != 0
}

func (h *connHealth) recordAuthErr() uint32 { return h.failures.Add(1) }

func (h *connHealth) recordOK() {
	if h.failures.Swap(0) >= authErrThreshold {
		h.skips.Store(0)
	}
}

// wireEnvelope is the newline-delimited JSON frame exchanged with the
// agent process over its WebTransport control stream: a call, a reply
// to a call, or an unsolicited event.
type wireEnvelope struct {
	Kind          string          `json:"kind"` // "call" | "reply" | "event"
	CorrelationID string          `json:"id,omitempty"`
	Op            string          `json:"op,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrKind       string          `json:"errKind,omitempty"`
	ErrMsg        string          `json:"errMsg,omitempty"`
	Event         *wireEvent      `json:"event,omitempty"`
}

type wireEvent struct {
	Tag            EventTag         `json:"tag"`
	ConnID         model.ConnID     `json:"connId"`
	Body           []byte           `json:"body,omitempty"`
	AgentMsgID     string           `json:"agentMsgId,omitempty"`
	CorrelationID  *model.CmdID     `json:"correlationId,omitempty"`
	ConfirmationID string           `json:"confirmationId,omitempty"`
	InvitationID   string           `json:"invitationId,omitempty"`
	Greeting       string           `json:"greeting,omitempty"`
	SwitchPhase    SwitchPhase      `json:"switchPhase,omitempty"`
	SwitchStats    map[string]int64 `json:"switchStats,omitempty"`
	ErrKind        string           `json:"errKind,omitempty"`
	ErrConnID      *model.ConnID    `json:"errConnId,omitempty"`
	FileID         model.FileID     `json:"fileId,omitempty"`
	RecipientDescrs []string        `json:"recipientDescrs,omitempty"`
	StagingPath    string           `json:"stagingPath,omitempty"`
	ProgressSent   int64            `json:"progressSent,omitempty"`
	ProgressTotal  int64            `json:"progressTotal,omitempty"`
}

// QuicGateway is the production Gateway: a WebTransport session to the
// agent process, a newline-JSON control stream carrying calls/replies/
// events, and per-connection rate limiting plus auth-error circuit
// breaking.
type QuicGateway struct {
	sess   *webtransport.Session
	closer io.Closer
	cancel context.CancelFunc

	ctrlMu sync.Mutex
	ctrl   io.Writer

	events chan AgentEvent

	pendingMu sync.Mutex
	pending   map[string]chan wireEnvelope

	limitersMu sync.Mutex
	limiters   map[model.ConnID]*rate.Limiter

	healthMu sync.Mutex
	health   map[model.ConnID]*connHealth
}

// sessionCloser adapts *webtransport.Session to io.Closer.
type sessionCloser struct{ sess *webtransport.Session }

func (s *sessionCloser) Close() error { return s.sess.CloseWithError(0, "") }

// DialQUIC opens a WebTransport session to the agent process at addr
// and starts its control-stream read loop. The caller's ctx bounds the
// dial; a derived context governs the session's lifetime until Close.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*QuicGateway, error) {
	var dialer webtransport.Dialer
	if tlsConf != nil {
		dialer.TLSClientConfig = tlsConf
	}
	_, sess, err := dialer.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", addr, err)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, fmt.Errorf("agent: open control stream: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	g := &QuicGateway{
		sess:     sess,
		closer:   &sessionCloser{sess},
		cancel:   cancel,
		ctrl:     stream,
		events:   make(chan AgentEvent, 256),
		pending:  make(map[string]chan wireEnvelope),
		limiters: make(map[model.ConnID]*rate.Limiter),
		health:   make(map[model.ConnID]*connHealth),
	}
	go g.readLoop(sessCtx, stream)
	return g, nil
}

func (g *QuicGateway) Events() <-chan AgentEvent { return g.events }

// Close tears down the session and stops the read loop.
func (g *QuicGateway) Close() error {
	g.cancel()
	close(g.events)
	return g.closer.Close()
}

func (g *QuicGateway) limiterFor(connID model.ConnID) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	lim, ok := g.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(sendRateLimit), sendRateBurst)
		g.limiters[connID] = lim
	}
	return lim
}

func (g *QuicGateway) healthFor(connID model.ConnID) *connHealth {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	h, ok := g.health[connID]
	if !ok {
		h = &connHealth{}
		g.health[connID] = h
	}
	return h
}

// readLoop decodes newline-delimited wireEnvelope frames from the
// control stream, routing replies to their waiting caller and events
// onto the Events channel.
func (g *QuicGateway) readLoop(ctx context.Context, stream io.Reader) {
	r := bufio.NewReaderSize(stream, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				log.Printf("[agent] control read error: %v", err)
			}
			g.failAllPending(err)
			return
		}
		var env wireEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Printf("[agent] control unmarshal error: %v", err)
			continue
		}
		switch env.Kind {
		case "reply":
			g.pendingMu.Lock()
			ch, ok := g.pending[env.CorrelationID]
			if ok {
				delete(g.pending, env.CorrelationID)
			}
			g.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		case "event":
			if env.Event != nil {
				g.dispatchEvent(*env.Event)
			}
		default:
			log.Printf("[agent] control: unknown frame kind %q", env.Kind)
		}
	}
}

func (g *QuicGateway) dispatchEvent(we wireEvent) {
	evt := AgentEvent{
		Tag:             we.Tag,
		ConnID:          we.ConnID,
		Body:            we.Body,
		AgentMsgID:      we.AgentMsgID,
		CorrelationID:   we.CorrelationID,
		ConfirmationID:  we.ConfirmationID,
		InvitationID:    we.InvitationID,
		Greeting:        we.Greeting,
		SwitchPhase:     we.SwitchPhase,
		SwitchStats:     we.SwitchStats,
		FileID:          we.FileID,
		RecipientDescrs: we.RecipientDescrs,
		StagingPath:     we.StagingPath,
		ProgressSent:    we.ProgressSent,
		ProgressTotal:   we.ProgressTotal,
	}
	if we.ErrKind != "" {
		evt.Err = &model.AgentError{Kind: model.AgentErrKind(we.ErrKind), ConnID: we.ErrConnID}
	}
	if evt.Tag == EvtERR && evt.Err != nil && evt.Err.Kind == model.AgentSMPAuth {
		g.healthFor(evt.ConnID).recordAuthErr()
	}
	if evt.Tag == EvtSENT || evt.Tag == EvtCONN {
		g.healthFor(evt.ConnID).recordOK()
	}
	g.events <- evt
}

func (g *QuicGateway) failAllPending(cause error) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	for id, ch := range g.pending {
		ch <- wireEnvelope{Kind: "reply", CorrelationID: id, ErrKind: string(model.AgentOther), ErrMsg: cause.Error()}
		delete(g.pending, id)
	}
}

// call sends a request and blocks for its matching reply, honoring ctx
// cancellation and a fixed call timeout.
func (g *QuicGateway) call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	id := model.NewCmdID().String()
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal %s params: %w", op, err)
	}
	ch := make(chan wireEnvelope, 1)
	g.pendingMu.Lock()
	g.pending[id] = ch
	g.pendingMu.Unlock()

	env := wireEnvelope{Kind: "call", CorrelationID: id, Op: op, Params: body}
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	g.ctrlMu.Lock()
	_, werr := g.ctrl.Write(append(line, '\n'))
	g.ctrlMu.Unlock()
	if werr != nil {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
		return nil, fmt.Errorf("agent: write %s: %w", op, werr)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.ErrKind != "" {
			return nil, &model.AgentError{Kind: model.AgentErrKind(reply.ErrKind), Cause: fmt.Errorf("%s", reply.ErrMsg)}
		}
		return reply.Result, nil
	case <-ctx.Done():
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
		return nil, fmt.Errorf("agent: %s timed out after %s", op, callTimeout)
	}
}

func callOut[T any](ctx context.Context, g *QuicGateway, op string, params any) (T, error) {
	var out T
	raw, err := g.call(ctx, op, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("agent: unmarshal %s result: %w", op, err)
	}
	return out, nil
}

// --- Connection lifecycle ---

func (g *QuicGateway) CreateConnection(ctx context.Context, userID model.UserID, mode ConnMode) (model.ConnID, string, error) {
	type result struct {
		ConnID  model.ConnID `json:"connId"`
		ConnReq string       `json:"connReq"`
	}
	r, err := callOut[result](ctx, g, "createConnection", map[string]any{"userId": userID, "mode": mode})
	return r.ConnID, r.ConnReq, err
}

func (g *QuicGateway) JoinConnection(ctx context.Context, userID model.UserID, enableNtfs bool, connReq, greeting string) (model.ConnID, error) {
	type result struct {
		ConnID model.ConnID `json:"connId"`
	}
	r, err := callOut[result](ctx, g, "joinConnection", map[string]any{
		"userId": userID, "enableNtfs": enableNtfs, "connReq": connReq, "greeting": greeting,
	})
	return r.ConnID, err
}

func (g *QuicGateway) AllowConnection(ctx context.Context, connID model.ConnID, confirmationID, greeting string) error {
	_, err := g.call(ctx, "allowConnection", map[string]any{
		"connId": connID, "confirmationId": confirmationID, "greeting": greeting,
	})
	return err
}

func (g *QuicGateway) AcceptContact(ctx context.Context, userID model.UserID, enableNtfs bool, invitationID, greeting string) (model.ConnID, error) {
	type result struct {
		ConnID model.ConnID `json:"connId"`
	}
	r, err := callOut[result](ctx, g, "acceptContact", map[string]any{
		"userId": userID, "enableNtfs": enableNtfs, "invitationId": invitationID, "greeting": greeting,
	})
	return r.ConnID, err
}

func (g *QuicGateway) RejectContact(ctx context.Context, connID model.ConnID, invitationID string) error {
	_, err := g.call(ctx, "rejectContact", map[string]any{"connId": connID, "invitationId": invitationID})
	return err
}

func (g *QuicGateway) DeleteConnection(ctx context.Context, connID model.ConnID) (model.CmdID, error) {
	type result struct {
		CmdID model.CmdID `json:"cmdId"`
	}
	r, err := callOut[result](ctx, g, "deleteConnection", map[string]any{"connId": connID})
	return r.CmdID, err
}

func (g *QuicGateway) DeleteConnections(ctx context.Context, connIDs []model.ConnID) (model.CmdID, error) {
	type result struct {
		CmdID model.CmdID `json:"cmdId"`
	}
	r, err := callOut[result](ctx, g, "deleteConnections", map[string]any{"connIds": connIDs})
	return r.CmdID, err
}

// --- Messaging ---

func (g *QuicGateway) SendMessage(ctx context.Context, connID model.ConnID, flags SendFlags, body []byte) (string, error) {
	if h := g.healthFor(connID); h.disabled() {
		return "", &model.AgentError{Kind: model.AgentSMPAuth, ConnID: &connID, Cause: fmt.Errorf("connection disabled after repeated auth errors")}
	}
	if err := g.limiterFor(connID).Wait(ctx); err != nil {
		return "", err
	}
	type result struct {
		AgentMsgID string `json:"agentMsgId"`
	}
	r, err := callOut[result](ctx, g, "sendMessage", map[string]any{"connId": connID, "flags": flags, "body": body})
	return r.AgentMsgID, err
}

func (g *QuicGateway) AckMessage(ctx context.Context, connID model.ConnID, agentMsgID string) (model.CmdID, error) {
	type result struct {
		CmdID model.CmdID `json:"cmdId"`
	}
	r, err := callOut[result](ctx, g, "ackMessage", map[string]any{"connId": connID, "agentMsgId": agentMsgID})
	return r.CmdID, err
}

func (g *QuicGateway) SwitchConnection(ctx context.Context, connID model.ConnID) (model.CmdID, error) {
	type result struct {
		CmdID model.CmdID `json:"cmdId"`
	}
	r, err := callOut[result](ctx, g, "switchConnection", map[string]any{"connId": connID})
	return r.CmdID, err
}

// --- Subscriptions ---

func (g *QuicGateway) SubscribeConnections(ctx context.Context, connIDs []model.ConnID) (map[model.ConnID]*model.AgentError, error) {
	type wireResult struct {
		ConnID  model.ConnID `json:"connId"`
		ErrKind string       `json:"errKind,omitempty"`
	}
	raw, err := callOut[[]wireResult](ctx, g, "subscribeConnections", map[string]any{"connIds": connIDs})
	if err != nil {
		return nil, err
	}
	out := make(map[model.ConnID]*model.AgentError, len(raw))
	for _, r := range raw {
		if r.ErrKind == "" {
			out[r.ConnID] = nil
		} else {
			out[r.ConnID] = &model.AgentError{Kind: model.AgentErrKind(r.ErrKind), ConnID: &r.ConnID}
		}
	}
	return out, nil
}

func (g *QuicGateway) ToggleNtfs(ctx context.Context, connID model.ConnID, on bool) error {
	_, err := g.call(ctx, "toggleNtfs", map[string]any{"connId": connID, "on": on})
	return err
}

func (g *QuicGateway) ResumeAgentClient(ctx context.Context) error {
	_, err := g.call(ctx, "resumeAgentClient", nil)
	return err
}

func (g *QuicGateway) Disconnect(ctx context.Context) error {
	_, err := g.call(ctx, "disconnect", nil)
	return err
}

func (g *QuicGateway) Activate(ctx context.Context) error {
	_, err := g.call(ctx, "activate", nil)
	return err
}

func (g *QuicGateway) Suspend(ctx context.Context, drain time.Duration) error {
	_, err := g.call(ctx, "suspend", map[string]any{"drainMs": drain.Milliseconds()})
	return err
}

// --- Push notifications ---

func (g *QuicGateway) RegisterNtfToken(ctx context.Context, token string, mode NtfMode) error {
	_, err := g.call(ctx, "registerNtfToken", map[string]any{"token": token, "mode": mode})
	return err
}

func (g *QuicGateway) VerifyNtfToken(ctx context.Context, token, nonce, code string) error {
	_, err := g.call(ctx, "verifyNtfToken", map[string]any{"token": token, "nonce": nonce, "code": code})
	return err
}

func (g *QuicGateway) DeleteNtfToken(ctx context.Context, token string) error {
	_, err := g.call(ctx, "deleteNtfToken", map[string]any{"token": token})
	return err
}

func (g *QuicGateway) GetNotificationMessage(ctx context.Context, nonce string, encPayload []byte) (model.ConnID, [][]byte, error) {
	type result struct {
		ConnID   model.ConnID `json:"connId"`
		Messages [][]byte     `json:"messages"`
	}
	r, err := callOut[result](ctx, g, "getNotificationMessage", map[string]any{"nonce": nonce, "encPayload": encPayload})
	return r.ConnID, r.Messages, err
}

// --- XFTP ---

func (g *QuicGateway) XFTPSendFile(ctx context.Context, userID model.UserID, path string, recipientCount int) (model.FileID, error) {
	type result struct {
		FileID model.FileID `json:"fileId"`
	}
	r, err := callOut[result](ctx, g, "xftpSendFile", map[string]any{"userId": userID, "path": path, "recipients": recipientCount})
	return r.FileID, err
}

func (g *QuicGateway) XFTPReceiveFile(ctx context.Context, userID model.UserID, descriptor string) (model.FileID, error) {
	type result struct {
		FileID model.FileID `json:"fileId"`
	}
	r, err := callOut[result](ctx, g, "xftpReceiveFile", map[string]any{"userId": userID, "descriptor": descriptor})
	return r.FileID, err
}

func (g *QuicGateway) XFTPDeleteSndFile(ctx context.Context, fileID model.FileID) error {
	_, err := g.call(ctx, "xftpDeleteSndFile", map[string]any{"fileId": fileID})
	return err
}

func (g *QuicGateway) XFTPDeleteRcvFile(ctx context.Context, fileID model.FileID) error {
	_, err := g.call(ctx, "xftpDeleteRcvFile", map[string]any{"fileId": fileID})
	return err
}

// --- Introspection ---

func (g *QuicGateway) GetConnectionServers(ctx context.Context, connID model.ConnID) ([]string, []string, error) {
	type result struct {
		Rcv []string `json:"rcv"`
		Snd []string `json:"snd"`
	}
	r, err := callOut[result](ctx, g, "getConnectionServers", map[string]any{"connId": connID})
	return r.Rcv, r.Snd, err
}

func (g *QuicGateway) GetConnectionRatchetAdHash(ctx context.Context, connID model.ConnID) ([]byte, error) {
	type result struct {
		Hash []byte `json:"hash"`
	}
	r, err := callOut[result](ctx, g, "getConnectionRatchetAdHash", map[string]any{"connId": connID})
	return r.Hash, err
}

func (g *QuicGateway) TestProtocolServer(ctx context.Context, userID model.UserID, server ServerAddr) (*TestFailure, error) {
	type result struct {
		Failure *TestFailure `json:"failure"`
	}
	r, err := callOut[result](ctx, g, "testProtocolServer", map[string]any{"userId": userID, "server": server})
	return r.Failure, err
}

func (g *QuicGateway) SetProtocolServers(ctx context.Context, userID model.UserID, servers []ServerAddr) error {
	_, err := g.call(ctx, "setProtocolServers", map[string]any{"userId": userID, "servers": servers})
	return err
}

func (g *QuicGateway) GetAgentStats(ctx context.Context) (AgentStats, error) {
	return callOut[AgentStats](ctx, g, "getAgentStats", nil)
}

func (g *QuicGateway) DebugAgentLocks(ctx context.Context) (map[string]string, error) {
	return callOut[map[string]string](ctx, g, "debugAgentLocks", nil)
}

var _ Gateway = (*QuicGateway)(nil)
