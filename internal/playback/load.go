package playback

import (
	"context"

	"github.com/ent0n29/storyvoice/internal/story"
)

// PlanStory loads the named scripts from lib and compiles them with the
// manifest's context and voice table. An empty name list uses the manifest's
// scene list.
func PlanStory(ctx context.Context, lib story.Library, m story.Manifest, names []string) ([]Directive, error) {
	if len(names) == 0 {
		names = m.Scenes
	}
	scenes, err := story.LoadScenes(ctx, lib, names)
	if err != nil {
		return nil, err
	}
	return Plan(m.Context, scenes, VoiceMapFromManifest(m)), nil
}
