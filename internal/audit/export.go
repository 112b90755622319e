package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

type exportLine struct {
	Timestamp time.Time       `json:"timestamp"`
	Context   string          `json:"context"`
	Level     Level           `json:"level"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WriteJSONL writes one JSON object per entry.
func WriteJSONL(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(exportLine{
			Timestamp: e.Timestamp,
			Context:   e.Context,
			Level:     e.Level,
			Event:     e.Event,
			Data:      e.Data,
		}); err != nil {
			return fmt.Errorf("encode audit line: %w", err)
		}
	}
	return bw.Flush()
}

// FileName returns the download name for a context's log.
func FileName(context string, at time.Time) string {
	if context == "" {
		context = "session"
	}
	return fmt.Sprintf("%s-%s.log", context, at.UTC().Format(time.RFC3339))
}
