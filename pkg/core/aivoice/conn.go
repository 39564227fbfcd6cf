package aivoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind discriminates the events the agent backend emits.
type EventKind string

const (
	EventReady          EventKind = "ready"
	EventAudio          EventKind = "audio"
	EventUserTranscript EventKind = "user_transcript"
	EventAgentResponse  EventKind = "agent_response"
	EventInterruption   EventKind = "interruption"
)

// Event is one decoded upstream message. AudioB64 is left base64-encoded
// because the telephony leg wants it that way; decoding and re-encoding
// every 20ms frame would be wasted work.
type Event struct {
	Kind           EventKind
	ConversationID string // set on ready
	AudioB64       string // set on audio
	Text           string // set on transcript and response events
}

// InitParams seed the agent with the call's script before it speaks.
type InitParams struct {
	Script    string
	Persona   string
	Situation string
}

// Conn is a live conversation with the agent backend. Events arrive on
// Events() until the connection drops, at which point the channel closes
// and Err reports why.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	lastErr error
}

// Dialer abstracts connection establishment so the relay can be tested
// against a fake backend.
type Dialer interface {
	DialConversation(ctx context.Context, init InitParams) (*Conn, error)
}

// BackendDialer resolves a signed URL and dials it.
type BackendDialer struct {
	Resolver *SignedURLResolver
}

func (d *BackendDialer) DialConversation(ctx context.Context, init InitParams) (*Conn, error) {
	signedURL, err := d.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return DialURL(ctx, signedURL, init)
}

// DialURL opens the WebSocket and sends the initiation payload. The
// connection is not ready for audio until an EventReady arrives.
func DialURL(ctx context.Context, wsURL string, init InitParams) (*Conn, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:   wsConn,
		events: make(chan Event, 256),
		closed: make(chan struct{}),
	}
	if err := c.sendInitiation(ctx, init); err != nil {
		c.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) sendInitiation(ctx context.Context, init InitParams) error {
	prompt := buildPrompt(init)
	payload := map[string]any{
		"type": "conversation_initiation_client_data",
	}
	if prompt != "" || init.Script != "" {
		overrides := map[string]any{}
		if prompt != "" {
			overrides["prompt"] = map[string]any{"prompt": prompt}
		}
		payload["conversation_config_override"] = map[string]any{"agent": overrides}
		payload["dynamic_variables"] = map[string]any{
			"call_script":    init.Script,
			"call_persona":   init.Persona,
			"call_situation": init.Situation,
		}
	}
	return c.writeJSON(ctx, payload)
}

func buildPrompt(init InitParams) string {
	var parts []string
	if s := strings.TrimSpace(init.Persona); s != "" {
		parts = append(parts, "You are "+s+".")
	}
	if s := strings.TrimSpace(init.Situation); s != "" {
		parts = append(parts, "Context for this call: "+s)
	}
	if s := strings.TrimSpace(init.Script); s != "" {
		parts = append(parts, "Follow this script: "+s)
	}
	return strings.Join(parts, "\n")
}

// SendAudio forwards one base64 caller audio chunk to the agent.
func (c *Conn) SendAudio(ctx context.Context, audioB64 string) error {
	return c.writeJSON(ctx, map[string]any{"user_audio_chunk": audioB64})
}

// Events returns the inbound event stream. Closed when the connection ends.
func (c *Conn) Events() <-chan Event {
	if c == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.events
}

// Err reports why the event stream ended, nil for a clean local Close.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// local close, not a failure
			default:
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					c.setErr(fmt.Errorf("backend closed connection: code=%d msg=%s",
						closeErr.Code, strings.TrimSpace(closeErr.Text)))
				} else {
					c.setErr(err)
				}
			}
			return
		}

		ev, ok := c.decode(data)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) decode(data []byte) (Event, bool) {
	var msg struct {
		Type string `json:"type"`

		ConversationInitiationMetadataEvent *struct {
			ConversationID string `json:"conversation_id"`
		} `json:"conversation_initiation_metadata_event"`

		AudioEvent *struct {
			AudioB64 string `json:"audio_base_64"`
			EventID  int    `json:"event_id"`
		} `json:"audio_event"`

		UserTranscriptionEvent *struct {
			UserTranscript string `json:"user_transcript"`
		} `json:"user_transcription_event"`

		AgentResponseEvent *struct {
			AgentResponse string `json:"agent_response"`
		} `json:"agent_response_event"`

		PingEvent *struct {
			EventID int `json:"event_id"`
		} `json:"ping_event"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		ev := Event{Kind: EventReady}
		if msg.ConversationInitiationMetadataEvent != nil {
			ev.ConversationID = msg.ConversationInitiationMetadataEvent.ConversationID
		}
		return ev, true
	case "audio":
		if msg.AudioEvent == nil || msg.AudioEvent.AudioB64 == "" {
			return Event{}, false
		}
		return Event{Kind: EventAudio, AudioB64: msg.AudioEvent.AudioB64}, true
	case "user_transcript":
		if msg.UserTranscriptionEvent == nil {
			return Event{}, false
		}
		return Event{Kind: EventUserTranscript, Text: msg.UserTranscriptionEvent.UserTranscript}, true
	case "agent_response":
		if msg.AgentResponseEvent == nil {
			return Event{}, false
		}
		return Event{Kind: EventAgentResponse, Text: msg.AgentResponseEvent.AgentResponse}, true
	case "interruption":
		return Event{Kind: EventInterruption}, true
	case "ping":
		// answered inline so the session loop never has to care
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		_ = c.writeJSON(context.Background(), map[string]any{
			"type":     "pong",
			"event_id": eventID,
		})
		return Event{}, false
	}
	return Event{}, false
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return c.conn.WriteJSON(payload)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}
