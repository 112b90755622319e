package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ent0n29/storyvoice/internal/policy"
)

// Logger records entries for one session under a fixed context name.
type Logger struct {
	store     Store
	context   string
	sessionID string
	redact    bool
	now       func() time.Time
}

func NewLogger(store Store, context, sessionID string, redactPII bool) *Logger {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Logger{
		store:     store,
		context:   context,
		sessionID: sessionID,
		redact:    redactPII,
		now:       time.Now,
	}
}

func (l *Logger) Context() string   { return l.context }
func (l *Logger) SessionID() string { return l.sessionID }

func (l *Logger) Info(ctx context.Context, event string, data any) {
	l.write(ctx, LevelInfo, event, data)
}

// Error records err under event. The error text is stored in the "error"
// field next to any map data.
func (l *Logger) Error(ctx context.Context, event string, err error, data map[string]any) {
	fields := make(map[string]any, len(data)+1)
	for k, v := range data {
		fields[k] = v
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.write(ctx, LevelError, event, fields)
}

// Entries returns everything recorded for the session so far.
func (l *Logger) Entries(ctx context.Context) ([]Entry, error) {
	return l.store.List(ctx, l.sessionID)
}

func (l *Logger) write(ctx context.Context, level Level, event string, data any) {
	entry := Entry{
		SessionID: l.sessionID,
		Timestamp: l.now().UTC(),
		Context:   l.context,
		Level:     level,
		Event:     event,
	}
	if data != nil {
		raw, redacted, err := l.encode(data)
		if err != nil {
			log.Printf("audit encode failed session_id=%s event=%s err=%v", l.sessionID, event, err)
		}
		entry.Data, entry.Redacted = raw, redacted
	}
	if err := l.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("audit append failed session_id=%s event=%s err=%v", l.sessionID, event, err)
	}
}

func (l *Logger) encode(data any) (json.RawMessage, bool, error) {
	raw, err := json.Marshal(data)
	if err != nil || !l.redact {
		return raw, false, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw, false, err
	}
	masked, changed := policy.RedactValue(decoded)
	if !changed {
		return raw, false, nil
	}
	out, err := json.Marshal(masked)
	return out, true, err
}
