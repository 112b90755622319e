package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/reliability"
	"github.com/ent0n29/storyvoice/internal/story"
)

var ErrNotConnected = errors.New("realtime: not connected")

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"
)

// Config configures the websocket client.
type Config struct {
	URL             string
	Model           string
	APIKey          string
	Instructions    string
	Session         story.SessionSettings
	ConnectAttempts int
	SampleRate      int
	Dialer          *websocket.Dialer
}

type writeReq struct {
	data []byte
	done chan error
}

// Client speaks the realtime protocol over one websocket connection per
// Connect. Writes are serialized through a single write loop and each call
// returns once its frame has been written.
type Client struct {
	cfg  Config
	conv *Conversation

	mu        sync.Mutex
	conn      *websocket.Conn
	st        *stream
	writeCh   chan writeReq
	readDone  chan struct{}
	closing   atomic.Bool
	connected bool
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultRealtimeSampleRate
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, conv: NewConversation(cfg.SampleRate)}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("realtime: already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	st := newStream(c.conv)
	c.conv.Reset()
	c.closing.Store(false)

	c.mu.Lock()
	c.conn = conn
	c.st = st
	c.writeCh = make(chan writeReq)
	c.readDone = make(chan struct{})
	c.connected = true
	writeCh, readDone := c.writeCh, c.readDone
	c.mu.Unlock()

	go c.readLoop(conn, st, readDone)
	go c.writeLoop(conn, st, writeCh)

	if err := c.send(ctx, c.sessionUpdate()); err != nil {
		_ = c.Disconnect(context.Background())
		return fmt.Errorf("realtime session update: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := target.Query()
	q.Set("model", c.cfg.Model)
	target.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	var lastErr error
	for attempt := 0; attempt < c.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 500*time.Millisecond, 4*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, target.String(), header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("realtime dial: HTTP %d: %w", resp.StatusCode, err)
		}
		log.Printf("realtime dial failed (attempt %d/%d): %v", attempt+1, c.cfg.ConnectAttempts, err)
	}
	return nil, fmt.Errorf("realtime dial after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

func (c *Client) sessionUpdate() sessionUpdateEvent {
	s := c.cfg.Session
	conf := sessionConfig{
		Modalities:        s.Modalities,
		Instructions:      c.cfg.Instructions,
		Voice:             s.Voice,
		InputAudioFormat:  s.InputAudioFormat,
		OutputAudioFormat: s.OutputAudioFormat,
		TurnDetection:     &turnDetection{Type: defaultTurnDetectionType},
		Temperature:       s.Temperature,
	}
	if s.TranscriptionModel != "" {
		conf.InputAudioTranscription = &transcriptionConf{Model: s.TranscriptionModel}
	}
	return sessionUpdateEvent{clientEvent: newClientEvent(typeSessionUpdate), Session: conf}
}

func (c *Client) readLoop(conn *websocket.Conn, st *stream, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("realtime websocket closed by server")
			} else {
				log.Printf("realtime websocket read error: %v", err)
			}
			st.emit(newTransportError("disconnected", err, true))
			return
		}
		st.ingest(data)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, st *stream, writeCh <-chan writeReq) {
	for {
		select {
		case <-st.done:
			return
		case req := <-writeCh:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, req.data)
			req.done <- err
			if err != nil {
				// The read loop reports the disconnect.
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	st, writeCh, ok := c.st, c.writeCh, c.connected
	c.mu.Unlock()
	if !ok || st.closed() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req := writeReq{data: data, done: make(chan error, 1)}
	select {
	case writeCh <- req:
	case <-st.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		if err != nil {
			return newTransportError("write_failed", err, false)
		}
		st.auditClient(v)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn, st, readDone := c.conn, c.st, c.readDone
	c.connected = false
	c.mu.Unlock()

	c.closing.Store(true)
	st.shutdown()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()

	select {
	case <-readDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) UpdateVoice(ctx context.Context, voice playback.VoiceID) error {
	return c.send(ctx, sessionUpdateEvent{
		clientEvent: newClientEvent(typeSessionUpdate),
		Session:     sessionConfig{Voice: string(voice)},
	})
}

// SendText adds a user text message and asks for a response.
func (c *Client) SendText(ctx context.Context, text string) error {
	if err := c.send(ctx, itemCreateEvent{
		clientEvent: newClientEvent(typeItemCreate),
		Item: wireItem{
			Type:    itemTypeMessage,
			Role:    string(conversation.RoleUser),
			Content: []wireContent{{Type: contentTypeInputText, Text: text}},
		},
	}); err != nil {
		return err
	}
	return c.send(ctx, newClientEvent(typeResponseCreate))
}

// Cancel stops the in-flight response. With a track id, the assistant item is
// truncated at offset samples so the server forgets unheard audio.
func (c *Client) Cancel(ctx context.Context, trackID string, offset int) error {
	if err := c.send(ctx, newClientEvent(typeResponseCancel)); err != nil {
		return err
	}
	if trackID == "" {
		return nil
	}
	truncate, err := truncateFor(c.conv, trackID, offset)
	if err != nil {
		return err
	}
	return c.send(ctx, truncate)
}

// AppendInputAudio streams microphone PCM16 to the input buffer.
func (c *Client) AppendInputAudio(ctx context.Context, pcm []byte) error {
	return c.send(ctx, inputAudioAppendEvent{
		clientEvent: newClientEvent(typeInputAudioAppend),
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	})
}

// Messages returns the inbound channel of the current connection.
func (c *Client) Messages() <-chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	return c.st.out
}

func (c *Client) Items() []conversation.Item { return c.conv.Items() }

func truncateFor(conv *Conversation, trackID string, offset int) (itemTruncateEvent, error) {
	item, ok := conv.Item(trackID)
	if !ok {
		return itemTruncateEvent{}, fmt.Errorf("cancel: item %q: %w", trackID, errUnknownItem)
	}
	if item.Role != conversation.RoleAssistant {
		return itemTruncateEvent{}, fmt.Errorf("cancel: item %q is not an assistant item", trackID)
	}
	return itemTruncateEvent{
		clientEvent:  newClientEvent(typeItemTruncate),
		ItemID:       trackID,
		ContentIndex: 0,
		AudioEndMS:   audioEndMS(offset, conv.sampleRate),
	}, nil
}

func audioEndMS(offset, sampleRate int) int {
	if offset <= 0 || sampleRate <= 0 {
		return 0
	}
	return int(int64(offset) * 1000 / int64(sampleRate))
}

func newClientEvent(typ string) clientEvent {
	return clientEvent{EventID: "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20], Type: typ}
}
