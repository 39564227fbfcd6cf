// Package session runs one live call: the bridge between a telephony media
// stream WebSocket and the AI voice backend.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxdial/voxdial/pkg/core"
	"github.com/voxdial/voxdial/pkg/core/aivoice"
	"github.com/voxdial/voxdial/pkg/core/callctx"
	"github.com/voxdial/voxdial/pkg/gateway/relay/protocol"
)

// State is the session lifecycle phase.
type State int32

const (
	// StateConnecting means no usable upstream connection exists yet.
	StateConnecting State = iota
	// StateBuffering means the upstream is connected but has not signaled
	// readiness; caller audio queues in arrival order.
	StateBuffering
	// StateStreaming means audio flows both ways.
	StateStreaming
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBuffering:
		return "buffering"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// UpstreamConn is the slice of the backend connection the session needs.
// *aivoice.Conn satisfies it.
type UpstreamConn interface {
	SendAudio(ctx context.Context, audioB64 string) error
	Events() <-chan aivoice.Event
	Err() error
	Close() error
}

// DialFunc establishes a fresh upstream conversation.
type DialFunc func(ctx context.Context, init aivoice.InitParams) (UpstreamConn, error)

type downstreamConn interface {
	ReadMessage() (int, []byte, error)
	wsWriter
}

// Config bounds the session's patience.
type Config struct {
	// MaxRetries is how many upstream reconnects a single call tolerates.
	MaxRetries int
	// RetryBackoff is the base delay; attempt n waits n times this.
	RetryBackoff time.Duration
	// IdleTimeout closes the session when no audio or transcript has moved
	// in either direction for this long.
	IdleTimeout time.Duration
	// BufferLimit caps queued caller audio chunks while the upstream is not
	// ready. Oldest chunks are dropped past the cap.
	BufferLimit int

	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 512
	}
	return c
}

// Session relays one call. Create with New, then call Run exactly once.
type Session struct {
	cfg    Config
	logger *slog.Logger

	downstream downstreamConn
	dial       DialFunc
	store      *callctx.Store
	token      string

	state atomic.Int32
	gen   atomic.Uint64

	lastActivity atomic.Int64

	priority chan outboundFrame
	normal   chan outboundFrame

	finishOnce sync.Once
	finishErr  error

	// run-loop owned, never touched elsewhere
	streamSID  string
	buffer     []string
	upstream   UpstreamConn
	retryCount int
}

// New builds a session for an accepted telephony WebSocket. The token is
// usually known from the connection URL; when empty it is recovered from the
// stream's custom parameters.
func New(cfg Config, downstream downstreamConn, dial DialFunc, store *callctx.Store, token string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		downstream: downstream,
		dial:       dial,
		store:      store,
		token:      token,
		priority:   make(chan outboundFrame, 8),
		normal:     make(chan outboundFrame, 256),
	}
	s.touch()
	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) isStale(gen uint64) bool {
	return gen != s.gen.Load()
}

var errCallEnded = errors.New("call ended")

// Run drives the session until the call ends, the context is canceled, the
// idle timeout fires, or the upstream retry budget is spent. Safe to let
// finish on its own; canceling ctx is the external shutdown path.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan error, 1)
	go func() {
		w := &telephonyWriter{
			ws:           s.downstream,
			priority:     s.priority,
			normal:       s.normal,
			writeTimeout: s.cfg.WriteTimeout,
			pingInterval: s.cfg.PingInterval,
			isStale:      s.isStale,
		}
		writerDone <- w.Run()
	}()

	frames := make(chan protocol.InboundFrame, 64)
	go s.readDownstream(ctx, frames)

	idleTick := time.NewTicker(s.idleCheckInterval())
	defer idleTick.Stop()

	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	var runErr error

	// burns one retry and arms the timer; false when the budget is spent
	scheduleRetry := func() bool {
		delay, err := s.upstreamLost()
		if err != nil {
			runErr = err
			return false
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer = time.NewTimer(delay)
		retryC = retryTimer.C
		return true
	}

	if err := s.connectUpstream(ctx); err != nil {
		if !scheduleRetry() {
			s.finish(runErr)
			close(s.priority)
			close(s.normal)
			<-writerDone
			_ = s.downstream.Close()
			return s.finishErr
		}
	}

loop:
	for {
		var events <-chan aivoice.Event
		if s.upstream != nil {
			events = s.upstream.Events()
		}

		select {
		case <-ctx.Done():
			break loop

		case err := <-writerDone:
			if err != nil {
				s.logger.Warn("telephony write failed, ending session", "err", err)
			}
			writerDone = nil
			break loop

		case f, ok := <-frames:
			if !ok {
				// caller hung up or the socket died
				break loop
			}
			if err := s.handleFrame(ctx, f); err != nil {
				if !errors.Is(err, errCallEnded) {
					runErr = err
				}
				break loop
			}

		case ev, ok := <-events:
			if !ok {
				if !scheduleRetry() {
					break loop
				}
				continue
			}
			s.handleUpstreamEvent(ctx, ev)

		case <-retryC:
			retryC = nil
			if err := s.connectUpstream(ctx); err != nil {
				if !scheduleRetry() {
					break loop
				}
			}

		case <-idleTick.C:
			if s.idleFor() > s.cfg.IdleTimeout {
				s.logger.Info("closing idle session",
					"token", s.token, "idle", s.idleFor().Round(time.Second))
				runErr = core.NewSessionTimeout("no activity on either leg")
				break loop
			}
		}
	}

	s.finish(runErr)

	// Unblock and drain the writer before closing the socket so queued
	// clear frames still make it out.
	close(s.priority)
	close(s.normal)
	if writerDone != nil {
		select {
		case <-writerDone:
		case <-time.After(2 * time.Second):
		}
	}
	_ = s.downstream.Close()
	return s.finishErr
}

func (s *Session) idleCheckInterval() time.Duration {
	interval := s.cfg.IdleTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	return interval
}

func (s *Session) readDownstream(ctx context.Context, frames chan<- protocol.InboundFrame) {
	defer close(frames)
	for {
		_, data, err := s.downstream.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("skipping undecodable telephony frame", "err", err)
			continue
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f protocol.InboundFrame) error {
	switch f.Event {
	case protocol.EventConnected:
		// handshake chatter, nothing to do

	case protocol.EventStart:
		if f.Start == nil {
			s.logger.Warn("start frame without start block")
			return nil
		}
		s.streamSID = f.Start.StreamSID
		if s.token == "" {
			s.token = f.Start.CustomParameters["token"]
		}
		if s.store != nil && s.token != "" && f.Start.CallSID != "" {
			s.store.BindCallSID(s.token, f.Start.CallSID)
		}
		s.touch()
		s.logger.Info("media stream started",
			"stream_sid", s.streamSID, "call_sid", f.Start.CallSID, "token", s.token)

	case protocol.EventMedia:
		if f.Media == nil {
			return nil
		}
		s.touch()
		if s.State() == StateStreaming && s.upstream != nil {
			if err := s.upstream.SendAudio(ctx, f.Media.Payload); err != nil {
				s.logger.Warn("forwarding caller audio failed", "err", err)
			}
			return nil
		}
		s.bufferCallerAudio(f.Media.Payload)

	case protocol.EventMark:
		s.touch()

	case protocol.EventStop:
		s.logger.Info("media stream stopped", "stream_sid", s.streamSID, "token", s.token)
		return errCallEnded
	}
	return nil
}

func (s *Session) bufferCallerAudio(payload string) {
	if len(s.buffer) >= s.cfg.BufferLimit {
		// oldest first, so the conversation resumes as close to live as the
		// cap allows
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, payload)
}

func (s *Session) handleUpstreamEvent(ctx context.Context, ev aivoice.Event) {
	switch ev.Kind {
	case aivoice.EventReady:
		s.setState(StateStreaming)
		s.touch()
		s.flushBuffer(ctx)
		s.logger.Info("upstream ready",
			"conversation_id", ev.ConversationID, "token", s.token)

	case aivoice.EventAudio:
		s.touch()
		if s.streamSID == "" {
			s.logger.Warn("dropping upstream audio before stream start", "token", s.token)
			return
		}
		frame, err := protocol.MediaFrame(s.streamSID, ev.AudioB64)
		if err != nil {
			return
		}
		s.enqueueNormal(outboundFrame{payload: frame, gen: s.gen.Load(), isMedia: true})

	case aivoice.EventUserTranscript:
		s.touch()
		s.appendTranscript(callctx.RoleCaller, ev.Text)

	case aivoice.EventAgentResponse:
		s.touch()
		s.appendTranscript(callctx.RoleAgent, ev.Text)

	case aivoice.EventInterruption:
		s.touch()
		s.handleInterruption()
	}
}

// handleInterruption discards all queued but unsent agent audio and tells
// the telephony leg to flush its playback buffer. One clear frame per
// interruption, regardless of how much audio was in flight.
func (s *Session) handleInterruption() {
	s.gen.Add(1)
	if s.streamSID == "" {
		return
	}
	frame, err := protocol.ClearFrame(s.streamSID)
	if err != nil {
		return
	}
	select {
	case s.priority <- outboundFrame{payload: frame}:
	default:
		s.logger.Warn("priority queue full, clear frame dropped", "token", s.token)
	}
}

func (s *Session) enqueueNormal(f outboundFrame) {
	select {
	case s.normal <- f:
	default:
		// writer is stalled; dropping beats blocking the event loop
		s.logger.Warn("outbound audio queue full, dropping frame", "token", s.token)
	}
}

func (s *Session) flushBuffer(ctx context.Context) {
	if len(s.buffer) == 0 {
		return
	}
	s.logger.Info("flushing buffered caller audio",
		"chunks", len(s.buffer), "token", s.token)
	for _, payload := range s.buffer {
		if err := s.upstream.SendAudio(ctx, payload); err != nil {
			s.logger.Warn("flushing buffered audio failed", "err", err)
			break
		}
	}
	s.buffer = nil
}

func (s *Session) appendTranscript(role callctx.Role, text string) {
	if s.store == nil || s.token == "" || text == "" {
		return
	}
	s.store.AppendTranscript(s.token, callctx.Entry{Role: role, Text: text})
}

func (s *Session) connectUpstream(ctx context.Context) error {
	if s.dial == nil {
		return core.NewUpstreamUnknown(errors.New("no backend dialer configured"))
	}

	init := aivoice.InitParams{}
	if s.store != nil && s.token != "" {
		if cc, ok := s.store.Get(s.token); ok {
			init = aivoice.InitParams{Script: cc.Script, Persona: cc.Persona, Situation: cc.Situation}
		}
	}

	conn, err := s.dial(ctx, init)
	if err != nil {
		s.logger.Warn("upstream dial failed",
			"attempt", s.retryCount, "token", s.token, "err", err)
		s.upstream = nil
		return err
	}
	s.upstream = conn
	s.setState(StateBuffering)
	s.logger.Info("upstream connected", "token", s.token, "attempt", s.retryCount)
	return nil
}

// upstreamLost consumes one retry. Returns the backoff delay before the next
// attempt, or the terminal error when the budget is spent.
func (s *Session) upstreamLost() (time.Duration, error) {
	if s.upstream != nil {
		cause := s.upstream.Err()
		_ = s.upstream.Close()
		s.upstream = nil
		if cause != nil {
			s.logger.Warn("upstream connection lost", "token", s.token, "err", cause)
		}
	}
	s.setState(StateConnecting)
	s.retryCount++
	if s.retryCount > s.cfg.MaxRetries {
		return 0, core.NewUpstreamUnknown(
			errors.New("upstream retry budget exhausted"))
	}
	delay := time.Duration(s.retryCount) * s.cfg.RetryBackoff
	s.logger.Info("scheduling upstream reconnect",
		"attempt", s.retryCount, "max", s.cfg.MaxRetries, "delay", delay, "token", s.token)
	return delay, nil
}

// finish runs the terminal transition exactly once.
func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.finishErr = err
		s.setState(StateClosed)
		if s.upstream != nil {
			_ = s.upstream.Close()
			s.upstream = nil
		}
		if s.store != nil && s.token != "" {
			s.store.MarkCompleted(s.token)
		}
	})
}
