package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/storyvoice/internal/story"
)

type fakeServer struct {
	t        *testing.T
	received chan map[string]any
	conns    chan *websocket.Conn
	auth     chan string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:        t,
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
		auth:     make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization") + "|" + r.URL.Query().Get("model")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev map[string]any
			_ = json.Unmarshal(data, &ev)
			fs.received <- ev
		}
	}))
	t.Cleanup(ts.Close)
	return fs, ts
}

func (fs *fakeServer) next() map[string]any {
	fs.t.Helper()
	select {
	case ev := <-fs.received:
		return ev
	case <-time.After(2 * time.Second):
		fs.t.Fatalf("timed out waiting for client event")
		return nil
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor[T Message](t *testing.T, ch <-chan Message) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-ch:
			if v, ok := m.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestClientConnectSendsSessionUpdate(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{
		URL:          wsURL(ts),
		Model:        "test-model",
		APIKey:       "sk-test",
		Instructions: "be a storyteller",
		Session:      story.DefaultManifest().Session,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(context.Background())

	if got := <-fs.auth; got != "Bearer sk-test|test-model" {
		t.Fatalf("handshake = %q", got)
	}
	ev := fs.next()
	if ev["type"] != "session.update" {
		t.Fatalf("first event type = %v, want session.update", ev["type"])
	}
	session := ev["session"].(map[string]any)
	if session["instructions"] != "be a storyteller" || session["voice"] != "alloy" {
		t.Fatalf("session = %v", session)
	}
	if session["input_audio_transcription"].(map[string]any)["model"] != "whisper-1" {
		t.Fatalf("transcription = %v", session["input_audio_transcription"])
	}

	rec := waitFor[Event](t, c.Messages())
	if rec.Record.Type != "session.update" || rec.Record.Source != "client" {
		t.Fatalf("audit record = %+v", rec.Record)
	}
}

func TestClientSendTextThenCancelTruncates(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{URL: wsURL(ts), SampleRate: 24000})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(ctx)
	fs.next()
	server := <-fs.conns

	if err := c.UpdateVoice(ctx, "echo"); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	if ev := fs.next(); ev["session"].(map[string]any)["voice"] != "echo" {
		t.Fatalf("voice update = %v", ev)
	}
	if err := c.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	create := fs.next()
	if create["type"] != "conversation.item.create" {
		t.Fatalf("event = %v", create["type"])
	}
	if fs.next()["type"] != "response.create" {
		t.Fatalf("expected response.create after item create")
	}

	_ = server.WriteJSON(map[string]any{"type": "response.output_item.added", "item": map[string]any{"id": "a1", "type": "message", "role": "assistant"}})
	_ = server.WriteJSON(map[string]any{"type": "response.audio.delta", "item_id": "a1", "delta": base64.StdEncoding.EncodeToString(make([]byte, 480))})
	up := waitFor[ConversationUpdated](t, c.Messages())
	for up.Delta == nil || len(up.Delta.Audio) == 0 {
		up = waitFor[ConversationUpdated](t, c.Messages())
	}
	if up.Item.ID != "a1" || len(up.Delta.Audio) != 480 {
		t.Fatalf("update = %+v", up)
	}

	if err := c.Cancel(ctx, "a1", 36000); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if fs.next()["type"] != "response.cancel" {
		t.Fatalf("expected response.cancel")
	}
	trunc := fs.next()
	if trunc["type"] != "conversation.item.truncate" || trunc["item_id"] != "a1" || trunc["audio_end_ms"].(float64) != 1500 {
		t.Fatalf("truncate = %v", trunc)
	}
}

func TestClientCancelDoesNotWaitForMessageReader(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{URL: wsURL(ts), SampleRate: 24000})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(context.Background())
	fs.next()
	server := <-fs.conns

	_ = server.WriteJSON(map[string]any{"type": "response.output_item.added", "item": map[string]any{"id": "a1", "type": "message", "role": "assistant"}})
	delta := base64.StdEncoding.EncodeToString(make([]byte, 4))
	for i := 0; i < 400; i++ {
		_ = server.WriteJSON(map[string]any{"type": "response.audio.delta", "item_id": "a1", "delta": delta})
	}
	msgs := c.Messages()
	deadline := time.Now().Add(2 * time.Second)
	for len(msgs) < cap(msgs) {
		if time.Now().After(deadline) {
			t.Fatalf("message buffer never filled: %d/%d", len(msgs), cap(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Cancel(ctx, "a1", 10); err != nil {
		t.Fatalf("Cancel() error = %v with a full message buffer", err)
	}

	var sent []string
	timeout := time.After(3 * time.Second)
	for len(sent) < 2 {
		select {
		case m := <-msgs:
			if ev, ok := m.(Event); ok && ev.Record.Source == "client" {
				sent = append(sent, ev.Record.Type)
			}
		case <-timeout:
			t.Fatalf("client records after cancel = %v, want response.cancel and truncate", sent)
		}
	}
	if sent[0] != "response.cancel" || sent[1] != "conversation.item.truncate" {
		t.Fatalf("client records = %v", sent)
	}
}

func TestClientCancelUnknownTrack(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{URL: wsURL(ts)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(context.Background())
	fs.next()

	if err := c.Cancel(context.Background(), "nope", 10); !errors.Is(err, errUnknownItem) {
		t.Fatalf("Cancel() error = %v, want errUnknownItem", err)
	}
}

func TestClientReportsServerDisconnect(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{URL: wsURL(ts)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(context.Background())
	fs.next()
	(<-fs.conns).Close()

	te := waitFor[*TransportError](t, c.Messages())
	if !te.Disconnected || !te.Retryable {
		t.Fatalf("TransportError = %+v, want disconnected and retryable", te)
	}
}

func TestClientSendAfterDisconnect(t *testing.T) {
	fs, ts := newFakeServer(t)
	c := NewClient(Config{URL: wsURL(ts)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	fs.next()
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := c.SendText(context.Background(), "late"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText() error = %v, want ErrNotConnected", err)
	}
}

func TestClientDialGivesUpOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewClient(Config{URL: wsURL(ts), ConnectAttempts: 3})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() error = nil, want error")
	}
	if calls.Load() != 1 {
		t.Fatalf("dial attempts = %d, want 1 for non-retryable status", calls.Load())
	}
}
