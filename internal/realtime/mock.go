package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/playback"
)

// MockAgent is an in-process stand-in for the remote agent, used when no API
// key is configured. It reads back the quoted line of each text message as
// silent audio plus a transcript, and turns sustained microphone input into a
// simulated user turn.
type MockAgent struct {
	sampleRate int
	wordAudio  time.Duration
	conv       *Conversation

	mu        sync.Mutex
	st        *stream
	connected bool
	voice     playback.VoiceID
	responses map[string]context.CancelFunc
	wg        sync.WaitGroup
	inputPCM  int
	speaking  bool
}

func NewMockAgent(sampleRate int) *MockAgent {
	if sampleRate <= 0 {
		sampleRate = defaultRealtimeSampleRate
	}
	return &MockAgent{
		sampleRate: sampleRate,
		wordAudio:  120 * time.Millisecond,
		conv:       NewConversation(sampleRate),
	}
}

func (m *MockAgent) Connect(_ context.Context) error {
	m.mu.Lock()
	m.conv.Reset()
	m.st = newStream(m.conv)
	m.connected = true
	m.responses = make(map[string]context.CancelFunc)
	m.inputPCM = 0
	m.speaking = false
	st := m.st
	m.mu.Unlock()

	outbox{{server: map[string]any{
		"type":    evSessionCreated,
		"session": map[string]any{"id": "sess_" + shortID(), "model": "mock"},
	}}}.flush(st)
	return nil
}

func (m *MockAgent) Disconnect(_ context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	for _, cancel := range m.responses {
		cancel()
	}
	st := m.st
	m.mu.Unlock()

	st.shutdown()
	m.wg.Wait()
	return nil
}

func (m *MockAgent) UpdateVoice(_ context.Context, voice playback.VoiceID) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.voice = voice
	st := m.st
	m.mu.Unlock()

	outbox{{client: sessionUpdateEvent{
		clientEvent: newClientEvent(typeSessionUpdate),
		Session:     sessionConfig{Voice: string(voice)},
	}}}.flush(st)
	return nil
}

func (m *MockAgent) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	user := itemCreateEvent{
		clientEvent: newClientEvent(typeItemCreate),
		Item: wireItem{
			ID:      "item_" + shortID(),
			Type:    itemTypeMessage,
			Role:    string(conversation.RoleUser),
			Content: []wireContent{{Type: contentTypeInputText, Text: text}},
		},
	}
	var out outbox
	out.client(user)
	out.client(newClientEvent(typeResponseCreate))
	out.server(map[string]any{"type": evItemCreated, "item": user.Item})

	itemID := "item_" + shortID()
	ctx, cancel := context.WithCancel(context.Background())
	m.responses[itemID] = cancel
	m.wg.Add(1)
	st := m.st
	m.mu.Unlock()

	out.flush(st)
	go m.respond(ctx, itemID, spokenLine(text))
	return nil
}

func (m *MockAgent) Cancel(_ context.Context, trackID string, offset int) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	var out outbox
	out.client(newClientEvent(typeResponseCancel))
	for id, cancel := range m.responses {
		cancel()
		delete(m.responses, id)
	}
	st := m.st
	m.wg.Add(1)
	m.mu.Unlock()

	var err error
	if trackID != "" {
		truncate, terr := truncateFor(m.conv, trackID, offset)
		if terr != nil {
			err = terr
		} else {
			out.client(truncate)
			out.server(map[string]any{
				"type":          evItemTruncated,
				"item_id":       truncate.ItemID,
				"content_index": truncate.ContentIndex,
				"audio_end_ms":  truncate.AudioEndMS,
			})
		}
	}

	// Cancel is called by the reader of the stream, so the simulated server
	// replies arrive asynchronously as they would over the wire.
	go func() {
		defer m.wg.Done()
		out.flush(st)
	}()
	return err
}

// AppendInputAudio treats half a second of microphone audio as the user
// starting to speak and a further half second as a finished utterance.
func (m *MockAgent) AppendInputAudio(_ context.Context, pcm []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	var out outbox
	out.client(inputAudioAppendEvent{
		clientEvent: newClientEvent(typeInputAudioAppend),
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	})
	m.inputPCM += len(pcm)
	halfSecond := m.sampleRate // PCM16 mono bytes
	if !m.speaking && m.inputPCM >= halfSecond {
		m.speaking = true
		out.server(map[string]any{"type": evSpeechStarted, "audio_start_ms": 0})
	}
	if m.speaking && m.inputPCM >= 2*halfSecond {
		id := "item_" + shortID()
		out.server(map[string]any{"type": evItemCreated, "item": wireItem{
			ID: id, Type: itemTypeMessage, Role: string(conversation.RoleUser), Status: string(conversation.StatusCompleted),
			Content: []wireContent{{Type: "input_audio"}},
		}})
		out.server(map[string]any{"type": evInputTranscriptDone, "item_id": id, "transcript": "simulated voice input"})
		m.inputPCM = 0
		m.speaking = false
	}
	st := m.st
	m.mu.Unlock()

	out.flush(st)
	return nil
}

func (m *MockAgent) Messages() <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil
	}
	return m.st.out
}

func (m *MockAgent) Items() []conversation.Item { return m.conv.Items() }

func (m *MockAgent) respond(ctx context.Context, itemID, line string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.responses, itemID)
		m.mu.Unlock()
	}()

	m.ingest(map[string]any{"type": evResponseOutputItemAdded, "item": wireItem{
		ID: itemID, Type: itemTypeMessage, Role: string(conversation.RoleAssistant), Status: string(conversation.StatusInProgress),
	}})

	samplesPerWord := int(m.wordAudio) * m.sampleRate / int(time.Second)
	silence := base64.StdEncoding.EncodeToString(make([]byte, samplesPerWord*2))
	for _, word := range strings.Fields(line) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.ingest(map[string]any{"type": evResponseAudioDelta, "item_id": itemID, "delta": silence})
		m.ingest(map[string]any{"type": evResponseTranscriptDelta, "item_id": itemID, "delta": word + " "})
	}

	select {
	case <-ctx.Done():
		return
	default:
	}
	m.ingest(map[string]any{"type": evResponseOutputItemDone, "item": wireItem{
		ID: itemID, Type: itemTypeMessage, Role: string(conversation.RoleAssistant), Status: string(conversation.StatusCompleted),
	}})
}

func (m *MockAgent) ingest(ev map[string]any) {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()
	outbox{{server: ev}}.flush(st)
}

// outbox collects events under the lock so they can be emitted after it is
// released.
type outbox []outgoing

type outgoing struct {
	client any
	server map[string]any
}

func (o *outbox) client(v any)              { *o = append(*o, outgoing{client: v}) }
func (o *outbox) server(ev map[string]any) { *o = append(*o, outgoing{server: ev}) }

func (o outbox) flush(st *stream) {
	for _, out := range o {
		if out.client != nil {
			st.auditClient(out.client)
			continue
		}
		if raw, err := json.Marshal(out.server); err == nil {
			st.ingest(raw)
		}
	}
}

// spokenLine extracts the last quoted segment of a read-aloud instruction.
func spokenLine(text string) string {
	end := strings.LastIndex(text, `"`)
	if end <= 0 {
		return text
	}
	start := strings.LastIndex(text[:end], `"`)
	if start < 0 {
		return text
	}
	return text[start+1 : end]
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Voice reports the last voice selected through UpdateVoice.
func (m *MockAgent) Voice() playback.VoiceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voice
}
