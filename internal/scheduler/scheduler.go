// Package scheduler implements the three background
// threads: a cleanup manager that periodically sweeps due timed
// messages, per-user expiration workers that delete items older than
// a configured TTL in batches, and per-item timed-delete threads that
// sleep until one message's delete time and then remove it. All three
// run the store mutation and view emission under the same lock the
// command dispatcher and event processor use, passed in as WithLock so
// this package never has to import internal/controller.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"chatcore/internal/model"
	"chatcore/internal/store"
)

// Scheduler owns the cleanup ticker, the per-item delete threads, and
// the per-user expiration workers.
type Scheduler struct {
	Store    *store.Store
	Log      *slog.Logger
	Emit     func(model.ChatResponse)
	WithLock func(label string, fn func())

	CleanupInterval  time.Duration
	ExpireBatchSize  int
	ExpireBatchDelay time.Duration

	mu               sync.Mutex
	timedItemThreads map[model.ChatItemID]*timedDelete
	expireWorkers    map[model.UserID]*expireWorker
	wg               sync.WaitGroup
	cancel           context.CancelFunc
}

type timedDelete struct {
	deleteAt time.Time
	cancel   context.CancelFunc
}

// expireWorker is the per-user flag gate: it waits on a per-user flag,
// then deletes chat items older than now-ttl in batches. Active toggles
// on TTL updates (EnableExpiration/PauseExpiration); the worker goroutine
// itself is never torn down once
// started, only paused.
type expireWorker struct {
	mu     sync.Mutex
	ttl    time.Duration
	active bool
	wake   chan struct{}
	cancel context.CancelFunc
}

// New constructs a Scheduler with the default cleanup cadence (30
// minutes) and a 100ms pause between expiration batches.
func New(st *store.Store, log *slog.Logger, emit func(model.ChatResponse), withLock func(string, func())) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Store:            st,
		Log:              log,
		Emit:             emit,
		WithLock:         withLock,
		CleanupInterval:  30 * time.Minute,
		ExpireBatchSize:  100,
		ExpireBatchDelay: 100 * time.Millisecond,
		timedItemThreads: make(map[model.ChatItemID]*timedDelete),
		expireWorkers:    make(map[model.UserID]*expireWorker),
	}
}

// Start launches the cleanup manager. Per-user expiration workers are
// started lazily by EnableExpiration: a new worker is created on first
// TTL-enable for a user.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.runCleanupManager(runCtx)
}

// Stop uninterruptibly cancels every scheduler thread: stopping the
// controller cancels all scheduler threads.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, td := range s.timedItemThreads {
		td.cancel()
	}
	for _, w := range s.expireWorkers {
		w.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runCleanupManager(ctx context.Context) {
	defer s.wg.Done()
	s.runCleanupOnce(ctx) // pick up anything that expired while the chat was stopped
	ticker := time.NewTicker(s.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanupOnce(ctx)
		}
	}
}

// runCleanupOnce implements "every 30 minutes, scans all users for
// chat_items whose timed_delete_at falls within the next 30 minutes
// and starts a per-item delete thread for each".
func (s *Scheduler) runCleanupOnce(ctx context.Context) {
	var due []model.ChatItem
	s.WithLock("scheduler:cleanup", func() {
		items, err := s.Store.ListTimedDue(ctx, time.Now().Add(s.CleanupInterval))
		if err != nil {
			s.Log.Warn("cleanup manager: list timed due failed", "err", err)
			return
		}
		due = items
	})
	if len(due) > 0 {
		s.Log.Info("cleanup manager: scheduling timed deletes", "count", humanize.Comma(int64(len(due))))
	}
	for _, item := range due {
		s.ScheduleTimedDelete(ctx, item)
	}
}

// ScheduleTimedDelete starts (or replaces) the per-item delete thread
// for item, which must carry a non-nil Timed. If a thread already
// tracks this item at the same DeleteAt, it is left running
// unchanged: replaced only if the new deleteAt is materially
// different, otherwise the original stands.
func (s *Scheduler) ScheduleTimedDelete(ctx context.Context, item model.ChatItem) {
	if item.Timed == nil {
		return
	}
	s.mu.Lock()
	if existing, ok := s.timedItemThreads[item.ChatItemID]; ok {
		if existing.deleteAt.Equal(item.Timed.DeleteAt) {
			s.mu.Unlock()
			return
		}
		existing.cancel()
	}
	tctx, cancel := context.WithCancel(ctx)
	s.timedItemThreads[item.ChatItemID] = &timedDelete{deleteAt: item.Timed.DeleteAt, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTimedDelete(tctx, item.ChatItemID, item.Timed.DeleteAt)
}

// CancelTimedDelete stops item id's pending delete thread, if any.
func (s *Scheduler) CancelTimedDelete(id model.ChatItemID) {
	s.mu.Lock()
	if td, ok := s.timedItemThreads[id]; ok {
		td.cancel()
		delete(s.timedItemThreads, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) runTimedDelete(ctx context.Context, id model.ChatItemID, deleteAt time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.timedItemThreads, id)
		s.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(deleteAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.WithLock("scheduler:timed-delete", func() {
		item, err := s.Store.GetChatItem(ctx, id)
		if err != nil {
			return // already deleted by another path
		}
		if item.ItemDeleted {
			return
		}
		if err := s.Store.DeleteChatItemInternal(ctx, id); err != nil {
			s.Log.Warn("timed delete failed", "item", id, "err", err)
			return
		}
		item.ItemDeleted = true
		s.Emit(model.ChatResponse{Tag: model.RespChatItemDeleted, ChatItem: &item, Timed: true})
	})
}

// EnableExpiration starts userID's expiration worker on first call and
// wakes it with the current ttl thereafter: a worker is created on
// startup for every user with a TTL set, or on first TTL-enable.
// ttl <= 0 disables expiration without tearing the worker down.
func (s *Scheduler) EnableExpiration(ctx context.Context, userID model.UserID, ttl time.Duration) {
	s.mu.Lock()
	w, ok := s.expireWorkers[userID]
	if !ok {
		wctx, cancel := context.WithCancel(ctx)
		w = &expireWorker{wake: make(chan struct{}, 1), cancel: cancel}
		s.expireWorkers[userID] = w
		s.wg.Add(1)
		go s.runExpirationWorker(wctx, userID, w)
	}
	s.mu.Unlock()

	w.mu.Lock()
	w.ttl = ttl
	w.active = ttl > 0
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// PauseExpiration clears userID's active flag without stopping the
// worker goroutine: workers are paused, not destroyed, on suspend.
func (s *Scheduler) PauseExpiration(userID model.UserID) {
	s.mu.Lock()
	w, ok := s.expireWorkers[userID]
	s.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.active = false
	w.mu.Unlock()
}

func (s *Scheduler) runExpirationWorker(ctx context.Context, userID model.UserID, w *expireWorker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		s.drainExpired(ctx, userID, w)
	}
}

// drainExpired deletes userID's items older than now-ttl in batches of
// ExpireBatchSize, yielding ExpireBatchDelay between batches "to avoid
// starving other work", and stops as soon as the flag
// goes inactive or a batch comes back empty.
func (s *Scheduler) drainExpired(ctx context.Context, userID model.UserID, w *expireWorker) {
	for {
		w.mu.Lock()
		active, ttl := w.active, w.ttl
		w.mu.Unlock()
		if !active || ttl <= 0 {
			return
		}

		var deleted int
		s.WithLock("scheduler:expire", func() {
			items, err := s.Store.ListExpiredItems(ctx, userID, time.Now().Add(-ttl), s.ExpireBatchSize)
			if err != nil {
				s.Log.Warn("expiration worker: list expired failed", "user", userID, "err", err)
				return
			}
			for _, item := range items {
				if err := s.Store.DeleteChatItemInternal(ctx, item.ChatItemID); err != nil {
					s.Log.Warn("expiration worker: delete failed", "item", item.ChatItemID, "err", err)
					continue
				}
				s.CancelTimedDelete(item.ChatItemID)
				item.ItemDeleted = true
				s.Emit(model.ChatResponse{Tag: model.RespChatItemDeleted, ChatItem: &item})
				deleted++
			}
		})
		if deleted == 0 {
			return
		}
		s.Log.Debug("expiration worker: batch deleted", "user", userID, "count", humanize.Comma(int64(deleted)))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ExpireBatchDelay):
		}
	}
}
