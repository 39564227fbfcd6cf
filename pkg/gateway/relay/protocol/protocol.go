// Package protocol defines the Twilio media stream wire frames exchanged on
// the telephony WebSocket leg.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame events Twilio sends to us.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// InboundFrame is one decoded frame from the telephony leg. Only the fields
// for the frame's event are populated.
type InboundFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *StartBlock `json:"start,omitempty"`
	Media     *MediaBlock `json:"media,omitempty"`
	Mark      *MarkBlock  `json:"mark,omitempty"`
	Stop      *StopBlock  `json:"stop,omitempty"`
}

// StartBlock carries stream identity plus the custom parameters configured
// on the <Stream> noun.
type StartBlock struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaBlock holds one base64 mu-law audio chunk.
type MediaBlock struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkBlock struct {
	Name string `json:"name"`
}

type StopBlock struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Decode parses an inbound frame. Unknown events are returned as-is so the
// session loop can log and skip them.
func Decode(data []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return InboundFrame{}, fmt.Errorf("decoding media stream frame: %w", err)
	}
	if f.Event == "" {
		return InboundFrame{}, fmt.Errorf("media stream frame missing event")
	}
	return f, nil
}

// MediaFrame builds an outbound audio frame for streamSID.
func MediaFrame(streamSID, payloadB64 string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media":     map[string]string{"payload": payloadB64},
	})
}

// ClearFrame tells the telephony leg to flush all audio it has buffered but
// not yet played. Sent on barge-in.
func ClearFrame(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	})
}
