// Package sessions tracks live relay sessions for graceful shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a session exposes to the tracker. Cancel tears the session
// down; Warn notifies it of impending shutdown without closing anything.
type Handle struct {
	Cancel func()
	Warn   func(message string)
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register tracks a session under its call token. Registering the same token
// again replaces and releases the previous entry.
func (t *Tracker) Register(token string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[token]
	t.sessions[token] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(token, old)
	}

	return func() { t.unregister(token, entry) }
}

func (t *Tracker) unregister(token string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[token] == entry {
			delete(t.sessions, token)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// WarnAll tells every live session that shutdown is coming so it can wind
// down on its own before CancelAll cuts it off. Returns how many were told.
func (t *Tracker) WarnAll(message string) (warned int) {
	if t == nil {
		return 0
	}

	var warns []func(string)
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		warn(message)
		warned++
	}
	return warned
}

// Wait blocks until every registered session unregisters or ctx expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
