package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	raw := `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","customParameters":{"token":"tok-1"}}}`
	f, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Event != EventStart || f.Start == nil {
		t.Fatalf("frame = %+v", f)
	}
	if f.Start.StreamSID != "MZ1" || f.Start.CallSID != "CA1" {
		t.Fatalf("start block = %+v", f.Start)
	}
	if f.Start.CustomParameters["token"] != "tok-1" {
		t.Fatalf("custom parameters = %v", f.Start.CustomParameters)
	}
}

func TestDecodeMedia(t *testing.T) {
	raw := `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"AAAA"}}`
	f, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Event != EventMedia || f.Media == nil || f.Media.Payload != "AAAA" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"streamSid":"MZ1"}`)); err == nil {
		t.Fatal("expected error for missing event")
	}
}

func TestMediaFrame(t *testing.T) {
	out, err := MediaFrame("MZ1", "BBBB")
	if err != nil {
		t.Fatalf("MediaFrame: %v", err)
	}
	var got struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != "media" || got.StreamSID != "MZ1" || got.Media.Payload != "BBBB" {
		t.Fatalf("frame = %+v", got)
	}
}

func TestClearFrame(t *testing.T) {
	out, err := ClearFrame("MZ1")
	if err != nil {
		t.Fatalf("ClearFrame: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "clear" || got["streamSid"] != "MZ1" {
		t.Fatalf("frame = %v", got)
	}
}
