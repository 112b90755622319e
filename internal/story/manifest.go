package story

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes a story: the agent instructions, the voice table and
// the scripts narrated at session start.
type Manifest struct {
	Title        string            `yaml:"title"`
	Instructions string            `yaml:"instructions"`
	Context      string            `yaml:"context"`
	Voices       map[string]string `yaml:"voices"`
	Scenes       []string          `yaml:"scenes"`
	Session      SessionSettings   `yaml:"session"`
}

// SessionSettings configures the remote realtime session.
type SessionSettings struct {
	Modalities         []string `yaml:"modalities"`
	Voice              string   `yaml:"voice"`
	InputAudioFormat   string   `yaml:"input_audio_format"`
	OutputAudioFormat  string   `yaml:"output_audio_format"`
	TranscriptionModel string   `yaml:"input_audio_transcription_model"`
	Temperature        float64  `yaml:"temperature"`
}

const NarratorVoiceKey = "narrator"

const defaultInstructions = `System settings:
Tool use: enabled.

Instructions:
- You are an interactive storyteller for young children
- Each character has a distinct personality and voice
- Narrator: Warm and clear storytelling voice
- Chef Bao: Friendly panda chef with a gentle, encouraging tone
- Brick Buddy: Energetic Lego figure with an enthusiastic voice
- Stay in character and maintain story continuity
- React appropriately to children's responses

Personality:
- Keep language simple and child-friendly
- Be engaging and encouraging
- Maintain character consistency
`

const defaultContext = `You are a friendly storyteller who helps children learn to read through interactive stories.
You should speak clearly and warmly, using simple words appropriate for 4-year-olds.
The current story is about making pork buns and building with Lego blocks.`

// DefaultManifest returns the built-in story settings.
func DefaultManifest() Manifest {
	return Manifest{
		Title:        "Pork Buns and Lego Blocks",
		Instructions: defaultInstructions,
		Context:      defaultContext,
		Voices: map[string]string{
			NarratorVoiceKey: "alloy",
			"chef_bao":       "echo",
			"brick_buddy":    "shimmer",
		},
		Session: defaultSessionSettings(),
	}
}

func defaultSessionSettings() SessionSettings {
	return SessionSettings{
		Modalities:         []string{"text", "audio"},
		Voice:              "alloy",
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: "whisper-1",
		Temperature:        0.8,
	}
}

// LoadManifest reads a YAML manifest from disk. An empty path yields the
// built-in manifest.
func LoadManifest(path string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read story manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes YAML and fills unset fields from the defaults.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse story manifest: %w", err)
	}

	def := DefaultManifest()
	if strings.TrimSpace(m.Instructions) == "" {
		m.Instructions = def.Instructions
	}
	if strings.TrimSpace(m.Context) == "" {
		m.Context = def.Context
	}
	if len(m.Voices) == 0 {
		m.Voices = def.Voices
	}
	if _, ok := m.Voices[NarratorVoiceKey]; !ok {
		m.Voices[NarratorVoiceKey] = def.Voices[NarratorVoiceKey]
	}

	s := &m.Session
	if len(s.Modalities) == 0 {
		s.Modalities = def.Session.Modalities
	}
	if s.Voice == "" {
		s.Voice = m.Voices[NarratorVoiceKey]
	}
	if s.InputAudioFormat == "" {
		s.InputAudioFormat = def.Session.InputAudioFormat
	}
	if s.OutputAudioFormat == "" {
		s.OutputAudioFormat = def.Session.OutputAudioFormat
	}
	if s.TranscriptionModel == "" {
		s.TranscriptionModel = def.Session.TranscriptionModel
	}
	if s.Temperature == 0 {
		s.Temperature = def.Session.Temperature
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return Manifest{}, fmt.Errorf("story manifest: session temperature must be in [0,2]")
	}
	return m, nil
}
