package realtime

// Client event types.
const (
	typeSessionUpdate         = "session.update"
	typeItemCreate            = "conversation.item.create"
	typeItemTruncate          = "conversation.item.truncate"
	typeResponseCreate        = "response.create"
	typeResponseCancel        = "response.cancel"
	typeInputAudioAppend      = "input_audio_buffer.append"
	contentTypeInputText      = "input_text"
	itemTypeMessage           = "message"
	defaultTurnDetectionType  = "server_vad"
	defaultRealtimeSampleRate = 24000
)

// Server event types the conversation model understands.
const (
	evError                   = "error"
	evSessionCreated          = "session.created"
	evItemCreated             = "conversation.item.created"
	evItemTruncated           = "conversation.item.truncated"
	evItemDeleted             = "conversation.item.deleted"
	evInputTranscriptDone     = "conversation.item.input_audio_transcription.completed"
	evSpeechStarted           = "input_audio_buffer.speech_started"
	evResponseCreated         = "response.created"
	evResponseOutputItemAdded = "response.output_item.added"
	evResponseOutputItemDone  = "response.output_item.done"
	evResponseContentAdded    = "response.content_part.added"
	evResponseAudioDelta      = "response.audio.delta"
	evResponseTranscriptDelta = "response.audio_transcript.delta"
	evResponseTextDelta       = "response.text.delta"
)

type clientEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type sessionUpdateEvent struct {
	clientEvent
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string             `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection     `json:"turn_detection,omitempty"`
	Temperature             float64            `json:"temperature,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type itemCreateEvent struct {
	clientEvent
	PreviousItemID string   `json:"previous_item_id,omitempty"`
	Item           wireItem `json:"item"`
}

type itemTruncateEvent struct {
	clientEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type inputAudioAppendEvent struct {
	clientEvent
	Audio string `json:"audio"`
}

type wireItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []wireContent `json:"content,omitempty"`
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

type wireError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// serverEvent is the union of the server event fields the model reads.
type serverEvent struct {
	Type         string        `json:"type"`
	EventID      string        `json:"event_id,omitempty"`
	ResponseID   string        `json:"response_id,omitempty"`
	ItemID       string        `json:"item_id,omitempty"`
	ContentIndex int           `json:"content_index,omitempty"`
	AudioEndMS   int           `json:"audio_end_ms,omitempty"`
	Transcript   string        `json:"transcript,omitempty"`
	Delta        string        `json:"delta,omitempty"`
	Item         *wireItem     `json:"item,omitempty"`
	Part         *wireContent  `json:"part,omitempty"`
	Response     *wireResponse `json:"response,omitempty"`
	Error        *wireError    `json:"error,omitempty"`
}
