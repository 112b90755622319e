package app

import (
	"context"
	"fmt"

	"github.com/ent0n29/storyvoice/internal/audio"
	"github.com/ent0n29/storyvoice/internal/config"
	"github.com/ent0n29/storyvoice/internal/realtime"
	"github.com/ent0n29/storyvoice/internal/story"
	"github.com/ent0n29/storyvoice/internal/voice"
)

// agentTransport is a voice.Transport that also accepts microphone audio.
type agentTransport interface {
	voice.Transport
	AppendInputAudio(ctx context.Context, pcm []byte) error
}

type realtimeSetup struct {
	resolvedMode string
	detail       string
	newAgent     func() agentTransport
}

func resolveRealtime(cfg config.Config, manifest story.Manifest) (realtimeSetup, error) {
	if cfg.UseMockRealtime() {
		return realtimeSetup{
			resolvedMode: "mock",
			detail:       "offline mock agent",
			newAgent: func() agentTransport {
				return realtime.NewMockAgent(cfg.AudioSampleRate)
			},
		}, nil
	}
	if cfg.OpenAIAPIKey == "" {
		return realtimeSetup{}, fmt.Errorf("realtime mode %q requires OPENAI_API_KEY", cfg.RealtimeMode)
	}
	rtCfg := realtime.Config{
		URL:             cfg.OpenAIRealtimeURL,
		Model:           cfg.OpenAIRealtimeModel,
		APIKey:          cfg.OpenAIAPIKey,
		Instructions:    manifest.Instructions,
		Session:         manifest.Session,
		ConnectAttempts: cfg.RealtimeConnectAttempts,
		SampleRate:      cfg.AudioSampleRate,
	}
	return realtimeSetup{
		resolvedMode: "openai",
		detail:       fmt.Sprintf("openai realtime (%s)", cfg.OpenAIRealtimeModel),
		newAgent: func() agentTransport {
			return realtime.NewClient(rtCfg)
		},
	}, nil
}

// runtimeFactory builds fresh collaborators for every session start. The
// recorder forwards pushed microphone audio straight to the agent and the
// player hands assistant audio to the session's listeners.
func (s realtimeSetup) runtimeFactory(sampleRate int) voice.RuntimeFactory {
	return func(_ string, out voice.AudioOutput) (voice.Runtime, error) {
		agent := s.newAgent()
		recorder := audio.NewRecorder(func(pcm []byte) error {
			return agent.AppendInputAudio(context.Background(), pcm)
		})
		return voice.Runtime{
			Transport: agent,
			Capture:   recorder,
			Playback:  audio.NewStreamPlayer(sampleRate, out),
		}, nil
	}
}
