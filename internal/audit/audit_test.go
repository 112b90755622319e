package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerRecordsInfoAndError(t *testing.T) {
	store := NewInMemoryStore()
	l := NewLogger(store, "story-console", "sess-1", false)
	ctx := context.Background()

	l.Info(ctx, "session.started", map[string]any{"scenes": 2})
	l.Error(ctx, "transport.error", errors.New("socket closed"), map[string]any{"code": "disconnected"})

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Level != LevelInfo || entries[0].Context != "story-console" || entries[0].Event != "session.started" {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	var data map[string]any
	if err := json.Unmarshal(entries[1].Data, &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if entries[1].Level != LevelError || data["error"] != "socket closed" || data["code"] != "disconnected" {
		t.Fatalf("entries[1] = %+v data=%v", entries[1], data)
	}
}

func TestLoggerRedactsPII(t *testing.T) {
	store := NewInMemoryStore()
	l := NewLogger(store, "ctx", "s", true)
	l.Info(context.Background(), "user.transcript", map[string]any{"text": "email me at kid@example.com"})

	entries, _ := store.List(context.Background(), "s")
	if !entries[0].Redacted || strings.Contains(string(entries[0].Data), "kid@example.com") {
		t.Fatalf("entry not redacted: %s", entries[0].Data)
	}
}

func TestWriteJSONLOneLinePerEntry(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Timestamp: at, Context: "c", Level: LevelInfo, Event: "a", Data: json.RawMessage(`{"x":1}`)},
		{Timestamp: at.Add(time.Second), Context: "c", Level: LevelError, Event: "b"},
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, entries); err != nil {
		t.Fatalf("WriteJSONL() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "context", "level", "event", "data"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("line 0 missing %q: %s", key, lines[0])
		}
	}
}

func TestFileName(t *testing.T) {
	got := FileName("story-console", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	if got != "story-console-2024-05-01T10:00:00Z.log" {
		t.Fatalf("FileName() = %q", got)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "audit.db")
	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer store.Close()

	l := NewLogger(store, "ctx", "sess", false)
	l.Info(ctx, "first", map[string]any{"n": 1})
	l.Info(ctx, "second", nil)
	_ = store.Append(ctx, Entry{SessionID: "other", Event: "ignored"})

	entries, err := store.List(ctx, "sess")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Event != "first" || entries[1].Event != "second" {
		t.Fatalf("entries = %+v", entries)
	}
	if string(entries[0].Data) != `{"n":1}` || entries[1].Data != nil {
		t.Fatalf("data = %q / %q", entries[0].Data, entries[1].Data)
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "", "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}

	s, err = NewStore(ctx, "", filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("NewStore(sqlite) = %T, want *SQLiteStore", s)
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("AUDIT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AUDIT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer store.Close()

	session := "pg-" + time.Now().Format("150405.000000")
	if err := store.Append(ctx, Entry{SessionID: session, Context: "c", Event: "e", Data: json.RawMessage(`{"a":true}`)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	entries, err := store.List(ctx, session)
	if err != nil || len(entries) != 1 {
		t.Fatalf("List() = %v, %v", entries, err)
	}
}
