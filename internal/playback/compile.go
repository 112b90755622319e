package playback

import (
	"strings"

	"github.com/ent0n29/storyvoice/internal/story"
)

// VoiceID names a remote agent voice preset.
type VoiceID string

// VoiceMap maps character names to voices. The story.NarratorVoiceKey entry
// is the fallback for narration and unmapped characters.
type VoiceMap map[string]VoiceID

// Directive is one outbound step: switch to Voice, then send Text.
type Directive struct {
	Voice VoiceID `json:"voice"`
	Text  string  `json:"text"`
}

const (
	defaultNarratorVoice VoiceID = "alloy"
	readInstruction              = "[SYSTEM] Please read the following line exactly as written"
)

func DefaultVoiceMap() VoiceMap {
	return VoiceMapFromManifest(story.DefaultManifest())
}

func VoiceMapFromManifest(m story.Manifest) VoiceMap {
	out := make(VoiceMap, len(m.Voices)+1)
	for name, v := range m.Voices {
		name = strings.TrimSpace(name)
		v = strings.TrimSpace(v)
		if name == "" || v == "" {
			continue
		}
		out[name] = VoiceID(v)
	}
	if _, ok := out[story.NarratorVoiceKey]; !ok {
		out[story.NarratorVoiceKey] = defaultNarratorVoice
	}
	return out
}

// Narrator returns the fallback voice.
func (m VoiceMap) Narrator() VoiceID {
	if v := m[story.NarratorVoiceKey]; v != "" {
		return v
	}
	return defaultNarratorVoice
}

// Voice resolves a character, falling back to the narrator.
func (m VoiceMap) Voice(character string) VoiceID {
	if v := m[character]; v != "" {
		return v
	}
	return m.Narrator()
}

// Compile turns one scene element into a directive. Output depends only on
// the element and the map.
func Compile(el story.Element, voices VoiceMap) Directive {
	voice := voices.Narrator()
	if el.Kind == story.KindSpeak {
		voice = voices.Voice(el.Character)
	}

	var b strings.Builder
	b.WriteString(readInstruction)
	if el.Emotion != "" {
		b.WriteString(" with ")
		b.WriteString(el.Emotion)
		b.WriteString(" emotion")
	}
	b.WriteString(":\n\"")
	b.WriteString(el.Content)
	b.WriteString("\"")

	return Directive{Voice: voice, Text: b.String()}
}

// Plan builds the full start sequence: the story context first, then every
// element of every scene in script order.
func Plan(context string, scenes []story.Scene, voices VoiceMap) []Directive {
	n := 1
	for _, sc := range scenes {
		n += len(sc.Elements)
	}
	out := make([]Directive, 0, n)
	out = append(out, Directive{Voice: voices.Narrator(), Text: context})
	for _, sc := range scenes {
		for _, el := range sc.Elements {
			out = append(out, Compile(el, voices))
		}
	}
	return out
}
