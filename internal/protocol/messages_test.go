package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","session_id":"s1","seq":1,"pcm16_base64":"AQIDBA==","sample_rate":24000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if chunk.SessionID != "s1" || chunk.SampleRate != 24000 {
		t.Fatalf("unexpected audio chunk: %+v", chunk)
	}
	pcm, err := chunk.PCM()
	if err != nil {
		t.Fatalf("PCM() error = %v", err)
	}
	if len(pcm) != 4 || pcm[3] != 4 {
		t.Fatalf("PCM() = %v, want [1 2 3 4]", pcm)
	}
}

func TestClientAudioChunkRejectsOddPayload(t *testing.T) {
	chunk := ClientAudioChunk{PCM16Base64: "AQID"}
	if _, err := chunk.PCM(); err == nil {
		t.Fatalf("PCM() error = nil, want odd length error")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"start","story":"bakery"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionStart || control.Story != "bakery" {
		t.Fatalf("unexpected control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"pause"}`))
	if err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want invalid control")
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want envelope error")
	}
}

func TestServerMessagesCarryType(t *testing.T) {
	raw, err := json.Marshal(NewSessionSnapshot("s1", map[string]string{"state": "active"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.Type != TypeSessionSnapshot {
		t.Fatalf("type = %q, want %q", env.Type, TypeSessionSnapshot)
	}

	ev := NewErrorEvent("s1", "session_busy", true, "already running")
	if ev.Type != TypeErrorEvent || !ev.Retryable {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestAssistantAudioChunkEncodesPCM(t *testing.T) {
	chunk := NewAssistantAudioChunk("s1", "item_1", 3, 24000, []byte{1, 0, 2, 0})
	if chunk.Type != TypeAssistantAudio || chunk.Format != "pcm16" || chunk.Seq != 3 || chunk.TrackID != "item_1" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	pcm, err := ClientAudioChunk{PCM16Base64: chunk.AudioBase64}.PCM()
	if err != nil || len(pcm) != 4 || pcm[2] != 2 {
		t.Fatalf("audio payload = %v, %v", pcm, err)
	}
}
