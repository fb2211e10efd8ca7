// Package controller implements the Command Dispatcher and Event
// Processor: the textual command grammar, the
// per-entity-kind agent event routing, the group introduction
// protocol, and the contact probe/merge protocol. Every command and
// every event is handled under a single coarse chatLock.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/agent"
	"chatcore/internal/config"
	"chatcore/internal/files"
	"chatcore/internal/model"
	"chatcore/internal/scheduler"
	"chatcore/internal/store"
)

// Controller owns the store, the agent gateway, the coarse lock, the
// current-user cell, and the live-call table, and drives both the
// command dispatcher and the event processor loop.
type Controller struct {
	Store     *store.Store
	GW        agent.Gateway
	Log       *slog.Logger
	Files     *files.Engine
	Scheduler *scheduler.Scheduler

	lock chatLock

	currentUser atomic.Pointer[model.User]

	callsMu sync.Mutex
	calls   map[model.ContactID]*model.Call

	// pendingProbes and receivedProbes back the contact probe/merge
	// protocol. Both are only
	// ever touched while chatLock is held, so they need no mutex of
	// their own.
	pendingProbes  map[[32]byte]model.ContactID
	receivedProbes map[[32]byte][]byte

	views  chan model.ChatResponse
	cancel context.CancelFunc

	tlsFingerprint atomic.Pointer[string]
}

const viewBufferSize = 1024

// New constructs a Controller using default file-engine thresholds.
// The caller is responsible for setting the active user via
// SetActiveUser before dispatching commands.
func New(st *store.Store, gw agent.Gateway, log *slog.Logger) *Controller {
	return NewWithConfig(st, gw, log, config.Default())
}

// NewWithConfig constructs a Controller whose file engine runs with
// cfg's thresholds instead of the defaults.
func NewWithConfig(st *store.Store, gw agent.Gateway, log *slog.Logger, cfg config.Config) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		Store:          st,
		GW:             gw,
		Log:            log,
		calls:          make(map[model.ContactID]*model.Call),
		pendingProbes:  make(map[[32]byte]model.ContactID),
		receivedProbes: make(map[[32]byte][]byte),
		views:          make(chan model.ChatResponse, viewBufferSize),
	}
	fe, err := files.New(st, gw, cfg, log, c.emit)
	if err != nil {
		log.Error("file engine init failed, using defaults", "err", err)
		fe, _ = files.New(st, gw, config.Default(), log, c.emit)
	}
	c.Files = fe
	c.Scheduler = scheduler.New(st, log, c.emit, c.lock.withLock)
	return c
}

// Views returns the channel of outbound view events: written with a
// blocking send, never dropped.
func (c *Controller) Views() <-chan model.ChatResponse { return c.views }

// emit blocks until the view event is delivered, applying back-pressure
// on the caller rather than dropping a view event.
func (c *Controller) emit(r model.ChatResponse) {
	c.views <- r
}

// DebugLocks reports the label the coarse chat lock is currently held
// under, or "" if it is free.
func (c *Controller) DebugLocks() string { return c.lock.currentLabel() }

// SetActiveUser loads u into the current-user cell.
func (c *Controller) SetActiveUser(u *model.User) { c.currentUser.Store(u) }

// SetTLSFingerprint records the SHA-256 fingerprint of the
// self-signed certificate securing the file/websocket HTTP surface,
// so a contact can pin it out-of-band the way a SimpleX-style address
// pins its server's fingerprint.
func (c *Controller) SetTLSFingerprint(fp string) { c.tlsFingerprint.Store(&fp) }

// TLSFingerprint reports the fingerprint set by SetTLSFingerprint, or
// "" if the HTTP surface isn't running behind TLS.
func (c *Controller) TLSFingerprint() string {
	if fp := c.tlsFingerprint.Load(); fp != nil {
		return *fp
	}
	return ""
}

// ActiveUser returns the current user, or nil if none is active.
func (c *Controller) ActiveUser() *model.User { return c.currentUser.Load() }

func (c *Controller) requireActiveUser() (*model.User, error) {
	u := c.currentUser.Load()
	if u == nil {
		return nil, &model.CommandError{Reason: "no active user"}
	}
	return u, nil
}

// Run starts the event-processor loop, reading from the gateway's
// Events channel until ctx is canceled or the channel closes.
func (c *Controller) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.Scheduler.Start(runCtx)
	c.restoreExpirationWorkers(runCtx)
	for {
		select {
		case <-runCtx.Done():
			return
		case evt, ok := <-c.GW.Events():
			if !ok {
				return
			}
			c.lock.withLock(fmt.Sprintf("event:%s", evt.Tag), func() {
				c.handleEvent(runCtx, evt)
			})
		}
	}
}

// restoreExpirationWorkers starts a per-user expiration worker for
// every user with a positive persisted chatItemTTL setting, so a TTL
// configured before the chat last stopped keeps being enforced after
// a restart without waiting for another /_ttl call.
func (c *Controller) restoreExpirationWorkers(ctx context.Context) {
	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		c.Log.Warn("restore expiration workers: list users failed", "err", err)
		return
	}
	for _, u := range users {
		v, ok, err := c.Store.GetSetting(ctx, u.UserID, "chatItemTTL")
		if err != nil || !ok {
			continue
		}
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			continue
		}
		c.Scheduler.EnableExpiration(ctx, u.UserID, time.Duration(seconds)*time.Second)
	}
}

// Stop cancels the event-processor loop started by Run.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.Scheduler.Stop()
}

// errResponse renders err as a chatError/chatCmdError ChatResponse,
// branching on the closed ChatError sum.
func errResponse(err error) model.ChatResponse {
	tag := model.RespChatError
	kind := "internal"
	switch e := err.(type) {
	case *model.CommandError:
		tag = model.RespChatCmdError
		kind = "command"
		return model.ChatResponse{Tag: tag, ChatError: &model.ResponseError{Kind: kind, Detail: e.Reason}}
	case *model.StoreError:
		kind = "store:" + string(e.Kind)
	case *model.AgentError:
		kind = "agent:" + string(e.Kind)
	case *model.FatalError:
		kind = "fatal"
	}
	return model.ChatResponse{Tag: tag, ChatError: &model.ResponseError{Kind: kind, Detail: err.Error()}}
}
