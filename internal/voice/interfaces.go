package voice

import (
	"context"

	"github.com/ent0n29/storyvoice/internal/audio"
	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/realtime"
)

// Transport is the live connection to the remote agent.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	UpdateVoice(ctx context.Context, voice playback.VoiceID) error
	SendText(ctx context.Context, text string) error
	Cancel(ctx context.Context, trackID string, offset int) error
	Messages() <-chan realtime.Message
	Items() []conversation.Item
}

// Capture is the microphone side of a session.
type Capture interface {
	Begin(ctx context.Context) error
	End(ctx context.Context) error
}

// AudioInput is implemented by captures that accept pushed client audio.
type AudioInput interface {
	Push(pcm []byte) error
}

// Playback is the speaker side of a session.
type Playback interface {
	Connect(ctx context.Context) error
	Add16BitPCM(pcm []byte, trackID string) error
	Interrupt() (audio.TrackOffset, bool)
	Close() error
}

// Runtime bundles the collaborators owned by one session.
type Runtime struct {
	Transport Transport
	Capture   Capture
	Playback  Playback
}

// AudioOutput receives assistant audio as the playback queues it.
type AudioOutput func(trackID string, pcm []byte)

// RuntimeFactory builds fresh collaborators for each start. Playback should
// hand queued audio to out.
type RuntimeFactory func(sessionID string, out AudioOutput) (Runtime, error)

// AuditLogger records session events. audit.Logger satisfies it.
type AuditLogger interface {
	Info(ctx context.Context, event string, data any)
	Error(ctx context.Context, event string, err error, data map[string]any)
}
