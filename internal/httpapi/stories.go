package httpapi

import (
	"context"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/story"
)

type voiceEntry struct {
	Character string           `json:"character"`
	Voice     playback.VoiceID `json:"voice"`
}

type voicesResponse struct {
	Narrator playback.VoiceID `json:"narrator"`
	Voices   []voiceEntry     `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	voices := playback.VoiceMapFromManifest(s.manifest)
	out := voicesResponse{Narrator: voices.Narrator(), Voices: make([]voiceEntry, 0, len(voices))}
	for character, v := range voices {
		out.Voices = append(out.Voices, voiceEntry{Character: character, Voice: v})
	}
	sort.Slice(out.Voices, func(i, j int) bool { return out.Voices[i].Character < out.Voices[j].Character })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleGetDirectives(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	voices := playback.VoiceMapFromManifest(s.manifest)
	directives := make([]playback.Directive, 0, len(sc.Elements))
	for _, el := range sc.Elements {
		directives = append(directives, playback.Compile(el, voices))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scene":      sc.ID,
		"directives": directives,
	})
}

func (s *Server) loadScene(w http.ResponseWriter, r *http.Request) (story.Scene, bool) {
	sc, err := story.LoadScene(r.Context(), s.library, chi.URLParam(r, "name"))
	if err != nil {
		status, code := classifyError(err)
		respondError(w, status, code, err.Error())
		return story.Scene{}, false
	}
	return sc, true
}

func (s *Server) plan(ctx context.Context, scenes []string) ([]playback.Directive, error) {
	return playback.PlanStory(ctx, s.library, s.manifest, scenes)
}
