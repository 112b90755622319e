package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeSessionSnapshot  MessageType = "session_snapshot"
	TypeAssistantAudio   MessageType = "assistant_audio_chunk"
	TypeErrorEvent       MessageType = "error_event"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries browser microphone audio as base64 PCM16.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// PCM decodes the chunk payload.
func (c ClientAudioChunk) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(c.PCM16Base64)
	if err != nil {
		return nil, fmt.Errorf("decode pcm16_base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm16 payload has odd length")
	}
	return pcm, nil
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Story     string      `json:"story,omitempty"`
}

// SessionSnapshot is pushed to observers after every session change.
type SessionSnapshot struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Snapshot  any         `json:"snapshot"`
}

// AssistantAudioChunk streams agent audio as it is queued for playback.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TrackID     string      `json:"track_id"`
	Seq         int64       `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewSessionSnapshot(sessionID string, snap any) SessionSnapshot {
	return SessionSnapshot{Type: TypeSessionSnapshot, SessionID: sessionID, Snapshot: snap}
}

func NewAssistantAudioChunk(sessionID, trackID string, seq int64, sampleRate int, pcm []byte) AssistantAudioChunk {
	return AssistantAudioChunk{
		Type:        TypeAssistantAudio,
		SessionID:   sessionID,
		TrackID:     trackID,
		Seq:         seq,
		Format:      "pcm16",
		SampleRate:  sampleRate,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	}
}

func NewErrorEvent(sessionID, code string, retryable bool, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, SessionID: sessionID, Code: code, Retryable: retryable, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Action != ActionStart && msg.Action != ActionStop) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
