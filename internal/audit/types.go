package audit

import (
	"context"
	"encoding/json"
	"time"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Entry is one recorded session event.
type Entry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Context   string          `json:"context"`
	Level     Level           `json:"level"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Redacted  bool            `json:"redacted,omitempty"`
}

// Store persists audit entries per session, ordered by recording time.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}
