// Package files implements the file-transfer engine:
// chunked inline sends over SMP, batch transfers over XFTP, and the
// receive-side state machine both substrates share. It is driven by
// the event processor in internal/controller, which owns the single
// chat lock every call here runs under.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatcore/internal/agent"
	"chatcore/internal/config"
	"chatcore/internal/model"
	"chatcore/internal/store"
	"chatcore/internal/wire"
)

// Engine owns the open receive-file handles and drives both transfer
// substrates on behalf of the controller.
type Engine struct {
	Store *store.Store
	GW    agent.Gateway
	Cfg   config.Config
	Log   *slog.Logger

	// handles caches open *os.File destinations for in-progress
	// receives, keyed by FileID, so a burst of chunks on the same
	// transfer doesn't reopen the file every time. Evicted handles are
	// closed by the cache itself.
	handles *lru.Cache[model.FileID, *os.File]

	emit func(model.ChatResponse)
}

// New builds an Engine. emit delivers view events the same way
// Controller.emit does; Engine never has its own view channel.
func New(st *store.Store, gw agent.Gateway, cfg config.Config, log *slog.Logger, emit func(model.ChatResponse)) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	size := cfg.FileHandleCacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.NewWithEvict[model.FileID, *os.File](size, func(_ model.FileID, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("file handle cache: %w", err)
	}
	return &Engine{Store: st, GW: gw, Cfg: cfg, Log: log, handles: cache, emit: emit}, nil
}

// ChunkCount returns how many chunkSize-sized pieces size splits into.
func ChunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(size) / float64(chunkSize)))
}

// InlineEligibility implements inline-offer/pre-accept
// formula: a file is offered inline if its chunk count is within
// offerChunks; it may additionally be sent pre-accepted ("Sent") when
// chunks and chunks*recipients both stay within their thresholds and
// the content is a voice message.
func InlineEligibility(cfg config.Config, chunks, recipients int, isVoice bool) model.InlineMode {
	if chunks > cfg.OfferChunks {
		return model.InlineNone
	}
	if isVoice && chunks <= cfg.SendChunks && chunks*recipients <= cfg.TotalSendChunks {
		return model.InlineSent
	}
	return model.InlineOffer
}

// ShouldAutoAccept implements the open question in : an
// inline-offered file only auto-accepts when the user has opted into
// instant receive and the content is a voice message.
func ShouldAutoAccept(cfg config.Config, isVoice bool) bool {
	return cfg.ReceiveInstant && isVoice
}

// reserveDestPath resolves name to a path under FilesDir that does
// not already exist, appending "_N" to the basename before the
// extension on each collision, and creates the empty file there with
// O_EXCL so the name is claimed atomically: an existing path moves on
// to the next suffix, and ErrFileAlreadyExists is returned only once
// 10000 suffixes are all taken. A file already
// on disk at a resolved path is never overwritten on receive.
func (e *Engine) reserveDestPath(name string) (string, error) {
	if err := os.MkdirAll(e.Cfg.FilesDir, 0o750); err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	path := filepath.Join(e.Cfg.FilesDir, name)
	const maxCollisions = 10000
	for n := 1; n <= maxCollisions; n++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
		path = filepath.Join(e.Cfg.FilesDir, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
	return "", model.ErrFileAlreadyExists
}

// openDest opens path for a chunk write. Writes always append, so a
// handle evicted from the cache mid-transfer and reopened later
// resumes at the correct offset instead of overwriting from byte
// zero. The collision check itself lives in reserveDestPath, which
// ReceiveInvitation already ran before any chunk arrives; this just
// creates the path if something else (e.g. a test) set up the
// transfer directly.
func (e *Engine) openDest(fileID model.FileID, path string) (*os.File, error) {
	if f, ok := e.handles.Get(fileID); ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	e.handles.Add(fileID, f)
	return f, nil
}

func (e *Engine) closeDest(fileID model.FileID) {
	if f, ok := e.handles.Peek(fileID); ok {
		f.Close()
		e.handles.Remove(fileID)
	}
}

// ReceiveInvitation creates the receive-side state machine for an
// inbound x.msg.new carrying a file invitation. An invitation that is
// already inline ("Sent") starts out accepted unconditionally; an
// inline offer ("Offer") is auto-accepted per ShouldAutoAccept.
func (e *Engine) ReceiveInvitation(ctx context.Context, userID model.UserID, inv model.RcvFileInvitation, isVoice bool) (model.FileID, error) {
	fileID, err := e.Store.CreateFileMeta(ctx, model.FileMeta{
		UserID: userID, Name: inv.Name, Size: inv.Size, ChunkSize: e.Cfg.ChunkSize,
		Protocol: protocolFor(inv), Inline: inv.Inline,
	})
	if err != nil {
		return 0, err
	}
	status := model.RcvFileNew
	if inv.Inline == model.InlineSent {
		status = model.RcvFileAccepted
	}
	localPath, err := e.reserveDestPath(inv.Name)
	if err != nil {
		return 0, err
	}
	if err := e.Store.CreateRcvFileTransfer(ctx, model.RcvFileTransfer{
		FileID: fileID, UserID: userID, Invitation: inv, Status: status,
		LocalPath: localPath,
	}); err != nil {
		return 0, err
	}
	if inv.Inline == model.InlineOffer && ShouldAutoAccept(e.Cfg, isVoice) {
		if err := e.Store.UpdateRcvFileStatus(ctx, fileID, model.RcvFileAccepted); err != nil {
			return fileID, err
		}
	}
	e.emit(model.ChatResponse{Tag: model.RespRcvFileStart})
	return fileID, nil
}

func protocolFor(inv model.RcvFileInvitation) model.FileProtocol {
	if inv.Descriptor != "" {
		return model.ProtocolXFTP
	}
	return model.ProtocolSMP
}

// ReceiveChunk appends one inline chunk to the destination file
//: chunks must arrive in
// order (store.AppendRcvChunk enforces this and returns
// model.ErrBadChunkNumber otherwise), a chunk whose size doesn't match
// chunkSize is rejected unless it's the final one, and completion
// fires once every chunk of the file has landed.
func (e *Engine) ReceiveChunk(ctx context.Context, fileID model.FileID, chunk wire.Chunk) error {
	if chunk.Cancel {
		return e.CancelReceive(ctx, fileID)
	}
	t, err := e.Store.GetRcvFileTransfer(ctx, fileID)
	if err != nil {
		return err
	}
	total := ChunkCount(t.Invitation.Size, e.Cfg.ChunkSize)
	isLast := int(chunk.ChunkNo) == total
	if !isLast && int64(len(chunk.Body)) != e.Cfg.ChunkSize {
		return fmt.Errorf("chunk %d has size %d, want %d", chunk.ChunkNo, len(chunk.Body), e.Cfg.ChunkSize)
	}
	if err := e.Store.AppendRcvChunk(ctx, fileID, int(chunk.ChunkNo)); err != nil {
		return err
	}
	dest, err := e.openDest(fileID, t.LocalPath)
	if err != nil {
		return err
	}
	if _, err := dest.Write(chunk.Body); err != nil {
		return err
	}
	if !isLast {
		return nil
	}
	e.closeDest(fileID)
	if err := e.Store.UpdateRcvFileStatus(ctx, fileID, model.RcvFileComplete); err != nil {
		return err
	}
	e.emit(model.ChatResponse{Tag: model.RespRcvFileComplete})
	return nil
}

// CancelReceive implements the receive half of transfer cancellation:
// close the handle, drop the staged bytes, and mark the transfer
// Cancelled.
func (e *Engine) CancelReceive(ctx context.Context, fileID model.FileID) error {
	e.closeDest(fileID)
	t, err := e.Store.GetRcvFileTransfer(ctx, fileID)
	if err == nil && t.LocalPath != "" {
		os.Remove(t.LocalPath)
	}
	return e.Store.UpdateRcvFileStatus(ctx, fileID, model.RcvFileCancelled)
}

// StartInlineSend reads path in chunkSize-sized blocks and sends each
// one as a binary BFileChunk message on connID (SMP
// inline send path), advancing the per-recipient transfer to Complete
// once every chunk has gone out.
func (e *Engine) StartInlineSend(ctx context.Context, fileID model.FileID, connID model.ConnID, sharedMsgID model.SharedMsgID, path string, chunkSize int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	chunks := wire.SplitChunks(data, int(chunkSize))
	if err := e.Store.UpdateSndFileStatus(ctx, fileID, connID, model.SndFileConnected); err != nil {
		return err
	}
	for i, body := range chunks {
		encoded, err := wire.EncodeChunk(wire.Chunk{SharedMsgID: sharedMsgID, ChunkNo: uint32(i + 1), Inline: true, Body: body})
		if err != nil {
			return err
		}
		if _, err := e.GW.SendMessage(ctx, connID, agent.SendFlags{}, encoded); err != nil {
			return err
		}
	}
	if err := e.Store.UpdateSndFileStatus(ctx, fileID, connID, model.SndFileComplete); err != nil {
		return err
	}
	e.emit(model.ChatResponse{Tag: model.RespSndFileComplete})
	if _, err := e.GW.DeleteConnection(ctx, connID); err != nil {
		e.Log.Warn("delete completed file connection failed", "conn", connID, "err", err)
	}
	return nil
}

// CancelSend implements the send half of cancellation:
// for inline transfers, send FileChunkCancel on the file connection;
// in every case mark the transfer Cancelled.
func (e *Engine) CancelSend(ctx context.Context, fileID model.FileID, connID model.ConnID, inline bool) error {
	if inline {
		body, err := wire.EncodeChunk(wire.Chunk{Cancel: true})
		if err != nil {
			return err
		}
		if _, err := e.GW.SendMessage(ctx, connID, agent.SendFlags{}, body); err != nil {
			e.Log.Warn("send file chunk cancel failed", "file", fileID, "err", err)
		}
	}
	return e.Store.UpdateSndFileStatus(ctx, fileID, connID, model.SndFileCancelled)
}

// Recipient pairs a send destination's chat-level identity with the
// connection its descriptor fragments travel over.
type Recipient struct {
	ContactID model.ContactID
	ConnID    model.ConnID
}

// StartXFTPSend registers fileID's per-recipient rows (one per
// connection the descriptor will eventually go out on) and hands path
// to the agent's XFTP uploader. The agent's own handle for the upload
// is recorded on file_meta so the SFPROG/SFDONE event it reports later
// — which carries only that handle, not a connection — can be matched
// back to this transfer.
func (e *Engine) StartXFTPSend(ctx context.Context, userID model.UserID, fileID model.FileID, path string, recipients []Recipient) error {
	for _, r := range recipients {
		if err := e.Store.CreateSndFileTransfer(ctx, model.SndFileTransfer{
			FileID: fileID, ConnID: r.ConnID, Recipient: r.ContactID, Status: model.SndFileNew,
		}); err != nil {
			return err
		}
	}
	agentFileID, err := e.GW.XFTPSendFile(ctx, userID, path, len(recipients))
	if err != nil {
		return err
	}
	return e.Store.SetAgentSndFileID(ctx, fileID, fmt.Sprint(agentFileID))
}

// FinishXFTPSend implements SFDONE: match each of the agent's
// per-recipient descriptors, in order, to one of fileID's registered
// transfers, and send each one as a sequence of x.msg.file.descr
// fragments capped at xftpDescrPartSize.
func (e *Engine) FinishXFTPSend(ctx context.Context, fileID model.FileID, descriptors []string) error {
	transfers, err := e.Store.ListSndFileTransfers(ctx, fileID)
	if err != nil {
		return err
	}
	if len(descriptors) != len(transfers) {
		return fmt.Errorf("xftp descriptor count %d does not match recipient count %d", len(descriptors), len(transfers))
	}
	for i, descr := range descriptors {
		connID := transfers[i].ConnID
		if err := e.sendDescriptorParts(ctx, connID, descr); err != nil {
			return err
		}
		if err := e.Store.UpdateSndFileStatus(ctx, fileID, connID, model.SndFileComplete); err != nil {
			return err
		}
	}
	e.emit(model.ChatResponse{Tag: model.RespSndFileCompleteXFTP})
	return nil
}

func (e *Engine) sendDescriptorParts(ctx context.Context, connID model.ConnID, descr string) error {
	partSize := e.Cfg.XFTPDescrPartSize
	if partSize <= 0 {
		partSize = len(descr)
	}
	if partSize == 0 {
		partSize = 1
	}
	for partNo := 0; partNo*partSize < len(descr) || (descr == "" && partNo == 0); partNo++ {
		start := partNo * partSize
		end := start + partSize
		if end > len(descr) {
			end = len(descr)
		}
		complete := end >= len(descr)
		body, err := wire.Encode(wire.ChatMessage{Event: wire.ChatMsgEvent{
			Tag: wire.TagMsgFileDescr,
			FileDescr: &wire.FileDescrPart{PartNo: partNo, Text: descr[start:end], Complete: complete},
		}})
		if err != nil {
			return err
		}
		if _, err := e.GW.SendMessage(ctx, connID, agent.SendFlags{}, body); err != nil {
			return err
		}
		if complete {
			break
		}
	}
	return nil
}

// ReceiveDescriptorPart accumulates one x.msg.file.descr fragment
//, and once complete parses
// the descriptor and starts the XFTP download.
func (e *Engine) ReceiveDescriptorPart(ctx context.Context, userID model.UserID, fileID model.FileID, part wire.FileDescrPart) error {
	if err := e.Store.AppendDescriptorPart(ctx, fileID, part.Text, part.Complete); err != nil {
		return err
	}
	if !part.Complete {
		return nil
	}
	t, err := e.Store.GetRcvFileTransfer(ctx, fileID)
	if err != nil {
		return err
	}
	agentFileID, err := e.GW.XFTPReceiveFile(ctx, userID, t.DescriptorBuf)
	if err != nil {
		return err
	}
	if err := e.Store.SetAgentRcvFileID(ctx, fileID, fmt.Sprint(agentFileID)); err != nil {
		return err
	}
	return e.Store.UpdateRcvFileStatus(ctx, fileID, model.RcvFileConnected)
}

// FinishXFTPReceive implements RFDONE: the agent's staging path is
// renamed into the configured destination and the transfer marked
// Complete.
func (e *Engine) FinishXFTPReceive(ctx context.Context, fileID model.FileID, stagingPath string) error {
	t, err := e.Store.GetRcvFileTransfer(ctx, fileID)
	if err != nil {
		return err
	}
	dest := t.LocalPath
	if dest == "" {
		dest, err = e.reserveDestPath(t.Invitation.Name)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	if err := os.Rename(stagingPath, dest); err != nil {
		return err
	}
	if err := e.Store.UpdateRcvFileStatus(ctx, fileID, model.RcvFileComplete); err != nil {
		return err
	}
	e.emit(model.ChatResponse{Tag: model.RespRcvFileComplete})
	return nil
}

// StageUpload writes r's contents under FilesDir using name,
// resolving any collision the same way a received file would, and
// returns the resulting path. This is how the HTTP surface
// (internal/httpapi) turns an uploaded multipart body into a local
// path that `/_file send <chatRef> <path>` can then reference — the
// engine otherwise only ever reads paths the caller already has on
// disk.
func (e *Engine) StageUpload(name string, r io.Reader) (string, error) {
	path, err := e.reserveDestPath(name)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Digest returns the hex-encoded SHA-256 of path, used to verify a
// completed receive against the sender's advertised digest.
func Digest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
