package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatcore/internal/agent"
	"chatcore/internal/config"
	"chatcore/internal/controller"
	"chatcore/internal/model"
	"chatcore/internal/store"
	"chatcore/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *controller.Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", store.PolicyYes)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.FilesDir = t.TempDir()

	ctl := controller.NewWithConfig(st, agent.NewMemoryGateway(), nil, cfg)
	return New(ctl), ctl, st
}

func TestHealthAndState(t *testing.T) {
	s, ctl, st := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.ActiveUser != "" || health.Lock != "" {
		t.Fatalf("unexpected health payload before login: %#v", health)
	}

	id, err := st.CreateUser(context.Background(), model.User{
		AgentUserID: "au-alice", Profile: model.Profile{DisplayName: "alice"}, Active: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	ctl.SetActiveUser(&u)

	stateResp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer stateResp.Body.Close()
	if stateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/state, got %d", stateResp.StatusCode)
	}
	var state stateResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.ActiveUser == nil || state.ActiveUser.Profile.DisplayName != "alice" {
		t.Fatalf("expected alice as active user, got %#v", state.ActiveUser)
	}
}

func TestFileUploadAndDownload(t *testing.T) {
	s, ctl, st := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	wantBytes := []byte("upload-then-receive-round-trip")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	filePart, err := writer.CreateFormFile("file", "note.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := filePart.Write(wantBytes); err != nil {
		t.Fatalf("write multipart bytes: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/files", &body)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d from upload, got %d: %s", http.StatusCreated, resp.StatusCode, string(raw))
	}
	var uploaded fileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if filepath.Dir(uploaded.Path) != ctl.Files.Cfg.FilesDir {
		t.Fatalf("expected staged path under %q, got %q", ctl.Files.Cfg.FilesDir, uploaded.Path)
	}

	// A received-file download only serves a completed RcvFileTransfer
	// row; simulate one having finished at the staged path.
	ctx := context.Background()
	uid, err := st.CreateUser(ctx, model.User{AgentUserID: "au-bob", Profile: model.Profile{DisplayName: "bob"}, Active: true})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	fileID, err := st.CreateFileMeta(ctx, model.FileMeta{
		UserID: uid, Name: "note.txt", Size: int64(len(wantBytes)), Protocol: model.ProtocolSMP, Inline: model.InlineSent,
	})
	if err != nil {
		t.Fatalf("create file meta: %v", err)
	}
	inv := model.RcvFileInvitation{Name: "note.txt", Size: int64(len(wantBytes)), Inline: model.InlineSent}
	if err := st.CreateRcvFileTransfer(ctx, model.RcvFileTransfer{
		FileID: fileID, UserID: uid, Invitation: inv, Status: model.RcvFileComplete, LocalPath: uploaded.Path,
	}); err != nil {
		t.Fatalf("create rcv file transfer: %v", err)
	}

	downloadResp, err := http.Get(ts.URL + "/api/files/" + strconv.FormatInt(int64(fileID), 10))
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer downloadResp.Body.Close()
	if downloadResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(downloadResp.Body)
		t.Fatalf("expected %d from download, got %d: %s", http.StatusOK, downloadResp.StatusCode, string(raw))
	}
	gotBytes, err := io.ReadAll(downloadResp.Body)
	if err != nil {
		t.Fatalf("read downloaded body: %v", err)
	}
	if !bytes.Equal(gotBytes, wantBytes) {
		t.Fatalf("downloaded bytes mismatch: got=%q want=%q", string(gotBytes), string(wantBytes))
	}
}

func TestFileDownloadNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/files/999")
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketBroadcastsViewEvents(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to register itself before broadcasting,
	// so the send isn't dropped for lacking a registered client yet.
	time.Sleep(50 * time.Millisecond)

	want := model.ChatResponse{Tag: model.RespCmdOk}
	s.Broadcast(want)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.ChatResponse
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	if got.Tag != want.Tag {
		t.Fatalf("expected tag %q, got %q", want.Tag, got.Tag)
	}
}

// TestRunBroadcastLoopForwardsControllerEvents exercises the actual
// Views()-to-Broadcast wiring end to end: an agent event injected on
// the gateway produces a newChatItem view event that should reach a
// connected websocket client without the test touching Broadcast
// directly.
func TestRunBroadcastLoopForwardsControllerEvents(t *testing.T) {
	s, ctl, st := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.Run(runCtx)
	go s.RunBroadcastLoop(runCtx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	id, err := st.CreateUser(context.Background(), model.User{
		AgentUserID: "au-alice", Profile: model.Profile{DisplayName: "alice"}, Active: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, err := st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	ctl.SetActiveUser(&u)

	gw := ctl.GW.(*agent.MemoryGateway)
	connID, _, err := gw.CreateConnection(context.Background(), id, agent.ModeInvitation)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if _, err := st.CreateConnection(context.Background(), model.Connection{
		ConnID: connID, Direction: model.ConnRcv, Status: model.ConnReady, Type: model.ConnTypeContactDirect,
	}); err != nil {
		t.Fatalf("persist connection: %v", err)
	}
	if _, err := st.CreateContact(context.Background(), model.Contact{
		UserID: id, LocalDisplayName: "bob", Profile: model.Profile{DisplayName: "bob"},
		ChatTs: time.Now(), ConnID: connID,
	}); err != nil {
		t.Fatalf("create contact: %v", err)
	}

	sharedID := model.NewSharedMsgID()
	msgBody, err := wire.Encode(wire.ChatMessage{
		SharedMsgID: &sharedID,
		Event: wire.ChatMsgEvent{
			Tag:          wire.TagMsgNew,
			MsgContainer: &wire.MsgContainer{Kind: "simple", Content: model.CIContent{Tag: model.CIText, Text: "hello there"}},
		},
	})
	if err != nil {
		t.Fatalf("encode wire message: %v", err)
	}
	gw.Inject(agent.AgentEvent{Tag: agent.EvtMSG, ConnID: connID, Body: msgBody})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.ChatResponse
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	if got.Tag != model.RespNewChatItem {
		t.Fatalf("expected newChatItem forwarded from the controller, got %#v", got)
	}
}
