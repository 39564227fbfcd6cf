package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxdial/voxdial/pkg/core"
	"github.com/voxdial/voxdial/pkg/core/aivoice"
	"github.com/voxdial/voxdial/pkg/core/callctx"
)

type fakeDownstream struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeDownstream) push(frame string) { f.in <- []byte(frame) }

func (f *fakeDownstream) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeDownstream) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeDownstream) SetWriteDeadline(time.Time) error              { return nil }
func (f *fakeDownstream) WriteControl(int, []byte, time.Time) error     { return nil }
func (f *fakeDownstream) Close() error                                  { f.closeOnce.Do(func() { close(f.closed) }); return nil }

type writtenFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func (f *fakeDownstream) frames(t *testing.T) []writtenFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]writtenFrame, 0, len(f.written))
	for _, raw := range f.written {
		var wf writtenFrame
		if err := json.Unmarshal(raw, &wf); err != nil {
			t.Fatalf("unmarshal written frame %s: %v", raw, err)
		}
		out = append(out, wf)
	}
	return out
}

func (f *fakeDownstream) countEvent(t *testing.T, event string) int {
	n := 0
	for _, wf := range f.frames(t) {
		if wf.Event == event {
			n++
		}
	}
	return n
}

type fakeUpstream struct {
	events    chan aivoice.Event
	closeOnce sync.Once

	mu   sync.Mutex
	sent []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan aivoice.Event, 64)}
}

func (f *fakeUpstream) SendAudio(_ context.Context, b64 string) error {
	f.mu.Lock()
	f.sent = append(f.sent, b64)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Events() <-chan aivoice.Event { return f.events }
func (f *fakeUpstream) Err() error                   { return errors.New("backend dropped") }
func (f *fakeUpstream) Close() error                 { return nil }

func (f *fakeUpstream) drop() { f.closeOnce.Do(func() { close(f.events) }) }

func (f *fakeUpstream) sentAudio() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeDialer hands a fresh upstream per dial and publishes each on conns.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns chan *fakeUpstream
	fail  int // fail this many dials before succeeding
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeUpstream, 16)}
}

func (d *fakeDialer) dial(context.Context, aivoice.InitParams) (UpstreamConn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("dial refused")
	}
	up := newFakeUpstream()
	d.conns <- up
	return up, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeUpstream {
	t.Helper()
	select {
	case up := <-d.conns:
		return up
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream dial")
	}
	return nil
}

func testConfig() Config {
	return Config{
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
		IdleTimeout:  5 * time.Second,
		BufferLimit:  16,
	}
}

func startFrame(streamSID, callSID string) string {
	return fmt.Sprintf(`{"event":"start","streamSid":%q,"start":{"streamSid":%q,"callSid":%q}}`,
		streamSID, streamSID, callSID)
}

func mediaFrame(payload string) string {
	return fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, payload)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runSession(t *testing.T, s *Session) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestBuffersCallerAudioUntilReady(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()
	store := callctx.New(callctx.Config{})
	store.Create("tok-1", "+15551234567", "+15557654321", "script", "", "")

	s := New(testConfig(), ds, dialer.dial, store, "tok-1", nil)
	done := runSession(t, s)

	up := dialer.next(t)
	ds.push(startFrame("MZ1", "CA1"))
	ds.push(mediaFrame("a1"))
	ds.push(mediaFrame("a2"))
	ds.push(mediaFrame("a3"))

	waitFor(t, "buffered state", func() bool { return s.State() == StateBuffering })
	if got := up.sentAudio(); len(got) != 0 {
		t.Fatalf("audio forwarded before ready: %v", got)
	}

	up.events <- aivoice.Event{Kind: aivoice.EventReady}

	waitFor(t, "buffered audio flush", func() bool { return len(up.sentAudio()) == 3 })
	got := up.sentAudio()
	for i, want := range []string{"a1", "a2", "a3"} {
		if got[i] != want {
			t.Fatalf("flush order = %v, want a1 a2 a3", got)
		}
	}

	// live audio now bypasses the buffer
	ds.push(mediaFrame("a4"))
	waitFor(t, "live forward", func() bool { return len(up.sentAudio()) == 4 })

	ds.push(`{"event":"stop"}`)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestNoUpstreamAudioBeforeStreamStart(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()

	s := New(testConfig(), ds, dialer.dial, nil, "tok-1", nil)
	done := runSession(t, s)

	up := dialer.next(t)
	up.events <- aivoice.Event{Kind: aivoice.EventReady}
	up.events <- aivoice.Event{Kind: aivoice.EventAudio, AudioB64: "early"}

	waitFor(t, "streaming state", func() bool { return s.State() == StateStreaming })
	time.Sleep(20 * time.Millisecond)
	if n := ds.countEvent(t, "media"); n != 0 {
		t.Fatalf("media written before stream start: %d frames", n)
	}

	ds.push(startFrame("MZ1", "CA1"))
	waitFor(t, "stream start", func() bool {
		up.events <- aivoice.Event{Kind: aivoice.EventAudio, AudioB64: "later"}
		return ds.countEvent(t, "media") > 0
	})

	for _, wf := range ds.frames(t) {
		if wf.Event == "media" && wf.StreamSID != "MZ1" {
			t.Fatalf("media frame with wrong streamSid: %+v", wf)
		}
	}

	ds.push(`{"event":"stop"}`)
	waitDone(t, done)
}

func TestInterruptionSendsSingleClear(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()

	s := New(testConfig(), ds, dialer.dial, nil, "tok-1", nil)
	done := runSession(t, s)

	up := dialer.next(t)
	ds.push(startFrame("MZ1", "CA1"))
	up.events <- aivoice.Event{Kind: aivoice.EventReady}
	waitFor(t, "streaming state", func() bool { return s.State() == StateStreaming })

	up.events <- aivoice.Event{Kind: aivoice.EventAudio, AudioB64: "x1"}
	up.events <- aivoice.Event{Kind: aivoice.EventInterruption}
	waitFor(t, "clear frame", func() bool { return ds.countEvent(t, "clear") == 1 })

	up.events <- aivoice.Event{Kind: aivoice.EventInterruption}
	waitFor(t, "second clear frame", func() bool { return ds.countEvent(t, "clear") == 2 })

	ds.push(`{"event":"stop"}`)
	waitDone(t, done)
}

func TestInterruptionDiscardsQueuedAudio(t *testing.T) {
	// exercised at the writer level where the race is controllable
	ds := newFakeDownstream()
	gen := uint64(0)
	w := &telephonyWriter{
		ws:      ds,
		isStale: func(g uint64) bool { return g != gen },
	}

	if err := w.writeFrame(outboundFrame{payload: []byte(`{"event":"media"}`), gen: 0, isMedia: true}, time.Second); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	gen = 1 // interruption happened
	if err := w.writeFrame(outboundFrame{payload: []byte(`{"event":"media"}`), gen: 0, isMedia: true}, time.Second); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := w.writeFrame(outboundFrame{payload: []byte(`{"event":"clear"}`), gen: 0}, time.Second); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := w.writeFrame(outboundFrame{payload: []byte(`{"event":"media"}`), gen: 1, isMedia: true}, time.Second); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.written) != 3 {
		t.Fatalf("written %d frames, want 3 (stale media skipped)", len(ds.written))
	}
}

func TestUpstreamRetryBudget(t *testing.T) {
	const maxRetries = 2
	cases := []struct {
		drops    int
		survives bool
	}{
		{0, true},
		{maxRetries - 1, true},
		{maxRetries, true},
		{maxRetries + 1, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("drops=%d", tc.drops), func(t *testing.T) {
			ds := newFakeDownstream()
			dialer := newFakeDialer()

			cfg := testConfig()
			cfg.MaxRetries = maxRetries
			s := New(cfg, ds, dialer.dial, nil, "tok-1", nil)
			done := runSession(t, s)

			ds.push(startFrame("MZ1", "CA1"))

			up := dialer.next(t)
			for i := 0; i < tc.drops; i++ {
				up.drop()
				if i < maxRetries {
					up = dialer.next(t)
				}
			}

			if tc.survives {
				up.events <- aivoice.Event{Kind: aivoice.EventReady}
				waitFor(t, "streaming after reconnects", func() bool { return s.State() == StateStreaming })
				ds.push(`{"event":"stop"}`)
				if err := waitDone(t, done); err != nil {
					t.Fatalf("Run: %v", err)
				}
				if got := dialer.dialCount(); got != tc.drops+1 {
					t.Fatalf("dials = %d, want %d", got, tc.drops+1)
				}
			} else {
				err := waitDone(t, done)
				var ce *core.Error
				if !errors.As(err, &ce) || ce.Type != core.ErrUpstreamUnknown {
					t.Fatalf("Run = %v, want upstream_unknown", err)
				}
				if got := dialer.dialCount(); got != maxRetries+1 {
					t.Fatalf("dials = %d, want %d", got, maxRetries+1)
				}
			}
		})
	}
}

func TestDialFailuresConsumeRetryBudget(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()
	dialer.fail = 100 // never succeeds

	cfg := testConfig()
	cfg.MaxRetries = 2
	s := New(cfg, ds, dialer.dial, nil, "tok-1", nil)
	done := runSession(t, s)

	err := waitDone(t, done)
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrUpstreamUnknown {
		t.Fatalf("Run = %v, want upstream_unknown", err)
	}
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("dials = %d, want 3", got)
	}
}

func TestIdleTimeout(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()

	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	s := New(cfg, ds, dialer.dial, nil, "tok-1", nil)
	done := runSession(t, s)

	up := dialer.next(t)
	up.events <- aivoice.Event{Kind: aivoice.EventReady}

	err := waitDone(t, done)
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrSessionTimeout {
		t.Fatalf("Run = %v, want session_timeout", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestTranscriptRecording(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()
	store := callctx.New(callctx.Config{})
	store.Create("tok-1", "+15551234567", "+15557654321", "", "", "")

	s := New(testConfig(), ds, dialer.dial, store, "tok-1", nil)
	done := runSession(t, s)

	up := dialer.next(t)
	ds.push(startFrame("MZ1", "CA1"))
	up.events <- aivoice.Event{Kind: aivoice.EventReady}
	up.events <- aivoice.Event{Kind: aivoice.EventAgentResponse, Text: "hello, this is a courtesy call"}
	up.events <- aivoice.Event{Kind: aivoice.EventUserTranscript, Text: "who is this"}

	waitFor(t, "transcript entries", func() bool {
		cc, _ := store.Get("tok-1")
		return len(cc.Transcript) == 2
	})

	cc, _ := store.Get("tok-1")
	if cc.Transcript[0].Role != callctx.RoleAgent || cc.Transcript[1].Role != callctx.RoleCaller {
		t.Fatalf("transcript roles = %+v", cc.Transcript)
	}
	if cc.CallSID != "CA1" {
		t.Fatalf("CallSID = %q, want CA1 from start frame", cc.CallSID)
	}

	ds.push(`{"event":"stop"}`)
	waitDone(t, done)

	cc, _ = store.Get("tok-1")
	if cc.CompletedAt.IsZero() {
		t.Fatal("session end should mark the call completed")
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	ds := newFakeDownstream()
	dialer := newFakeDialer()
	s := New(testConfig(), ds, dialer.dial, nil, "tok-1", nil)

	s.finish(nil)
	s.finish(core.NewSessionTimeout("late"))

	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if s.finishErr != nil {
		t.Fatalf("first finish wins, got %v", s.finishErr)
	}
}
