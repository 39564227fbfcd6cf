// Package callctx holds per-call metadata for in-flight outbound calls.
//
// The store is the only state shared between call sessions. Entries are
// created at dial time, enriched when the provider webhook fires, appended to
// while the relay runs, and garbage-collected by TTL because no "call ended"
// signal is guaranteed to arrive in every failure case.
package callctx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Role identifies which side of the conversation produced a transcript entry.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleCaller Role = "caller"
)

// Entry is a single immutable transcript line.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallContext is the per-call record keyed by request token.
type CallContext struct {
	Token       string
	CallSID     string
	To          string
	From        string
	Script      string
	Persona     string
	Situation   string
	Transcript  []Entry
	CreatedAt   time.Time
	CompletedAt time.Time
}

type entry struct {
	mu  sync.Mutex
	ctx CallContext
}

func (e *entry) snapshot() CallContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.ctx
	out.Transcript = make([]Entry, len(e.ctx.Transcript))
	copy(out.Transcript, e.ctx.Transcript)
	return out
}

// Store is a process-wide registry of call contexts with TTL eviction.
type Store struct {
	mu      sync.RWMutex
	byToken map[string]*entry
	bySID   map[string]string // provider call SID -> token

	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Config controls store behavior. Zero values get sane defaults.
type Config struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates an empty store. Eviction does not start until RunSweeper is
// called; Evict may also be driven manually (tests do this).
func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		byToken: make(map[string]*entry),
		bySID:   make(map[string]string),
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Create registers a fresh context under token. The token must be new; a
// duplicate indicates a caller bug and replaces the old entry.
func (s *Store) Create(token, to, from, script, persona, situation string) CallContext {
	e := &entry{ctx: CallContext{
		Token:     token,
		To:        to,
		From:      from,
		Script:    script,
		Persona:   persona,
		Situation: situation,
		CreatedAt: s.now(),
	}}
	s.mu.Lock()
	s.byToken[token] = e
	s.mu.Unlock()
	return e.snapshot()
}

// Get returns a copy of the context for token. A missing token is an expected
// outcome (stale token, or the provider raced ahead of context creation) and
// is reported via ok=false, not an error.
func (s *Store) Get(token string) (CallContext, bool) {
	s.mu.RLock()
	e := s.byToken[token]
	s.mu.RUnlock()
	if e == nil {
		return CallContext{}, false
	}
	return e.snapshot(), true
}

// GetByCallSID resolves a context through the provider's call identifier.
func (s *Store) GetByCallSID(callSID string) (CallContext, bool) {
	s.mu.RLock()
	token, ok := s.bySID[callSID]
	s.mu.RUnlock()
	if !ok {
		return CallContext{}, false
	}
	return s.Get(token)
}

// BindCallSID associates the provider call identifier with an existing
// context. Binding to an evicted token is a silent no-op.
func (s *Store) BindCallSID(token, callSID string) bool {
	s.mu.Lock()
	e := s.byToken[token]
	if e != nil {
		s.bySID[callSID] = token
	}
	s.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.ctx.CallSID = callSID
	e.mu.Unlock()
	return true
}

// AppendTranscript appends one immutable entry in arrival order. Appending to
// an evicted token is dropped silently: the call has, by definition, gone
// stale.
func (s *Store) AppendTranscript(token string, te Entry) bool {
	s.mu.RLock()
	e := s.byToken[token]
	s.mu.RUnlock()
	if e == nil {
		return false
	}
	if te.Timestamp.IsZero() {
		te.Timestamp = s.now()
	}
	e.mu.Lock()
	e.ctx.Transcript = append(e.ctx.Transcript, te)
	e.mu.Unlock()
	return true
}

// MarkCompleted records call completion time so the archive and early
// eviction can distinguish finished calls from abandoned ones.
func (s *Store) MarkCompleted(token string) (CallContext, bool) {
	s.mu.RLock()
	e := s.byToken[token]
	s.mu.RUnlock()
	if e == nil {
		return CallContext{}, false
	}
	e.mu.Lock()
	if e.ctx.CompletedAt.IsZero() {
		e.ctx.CompletedAt = s.now()
	}
	e.mu.Unlock()
	return e.snapshot(), true
}

// Remove drops a context immediately (terminal status callback).
func (s *Store) Remove(token string) {
	s.mu.Lock()
	if e := s.byToken[token]; e != nil {
		e.mu.Lock()
		sid := e.ctx.CallSID
		e.mu.Unlock()
		if sid != "" {
			delete(s.bySID, sid)
		}
		delete(s.byToken, token)
	}
	s.mu.Unlock()
}

// Evict removes every entry older than the TTL and returns how many were
// dropped. Age is measured from creation, regardless of call state, so memory
// growth stays bounded even for calls that never tear down cleanly.
func (s *Store) Evict() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var evicted []string
	for token, e := range s.byToken {
		e.mu.Lock()
		created := e.ctx.CreatedAt
		sid := e.ctx.CallSID
		e.mu.Unlock()
		if created.Before(cutoff) {
			delete(s.byToken, token)
			if sid != "" {
				delete(s.bySID, sid)
			}
			evicted = append(evicted, token)
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.Info("evicted stale call contexts", "count", len(evicted))
	}
	return len(evicted)
}

// Len reports the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byToken)
}

// RunSweeper runs the eviction loop until ctx is canceled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}
