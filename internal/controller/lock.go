package controller

import "sync"

// chatLock is the single coarse mutex serializing every command and
// every agent event. It carries the current holder's debug label for
// introspection, and is a plain Mutex rather than a readers/writers
// lock since only one goroutine is ever meant to hold it at a time.
type chatLock struct {
	mu    sync.Mutex
	label string
}

// withLock runs fn while holding the lock, tagging it with label for
// DebugAgentLocks-style introspection.
func (l *chatLock) withLock(label string, fn func()) {
	l.mu.Lock()
	l.label = label
	defer func() {
		l.label = ""
		l.mu.Unlock()
	}()
	fn()
}

// currentLabel reports what the lock is currently held for, or "" if
// it is free. Safe to call without holding the lock — it is meant for
// diagnostics, not synchronization.
func (l *chatLock) currentLabel() string { return l.label }
