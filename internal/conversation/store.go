package conversation

import (
	"fmt"
	"slices"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/ent0n29/storyvoice/internal/audio"
)

// Source is the live conversation the store mirrors.
type Source interface {
	Items() []Item
}

// Player receives streamed audio deltas keyed by item id.
type Player interface {
	Add16BitPCM(pcm []byte, trackID string) error
}

// Decoder turns accumulated PCM into a playable clip.
type Decoder func(pcm []byte, sourceRate, targetRate int) (*audio.File, error)

// DecodeError reports a completed item whose audio could not be decoded. The
// item is kept without a playable file.
type DecodeError struct {
	ItemID string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode audio for item %s: %v", e.ItemID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Store keeps the current ordered snapshot of conversation items. Every
// refresh re-reads the whole source; nothing is diffed.
type Store struct {
	source     Source
	player     Player
	decode     Decoder
	sampleRate int

	mu    sync.RWMutex
	items []Item
	files map[string]*audio.File
}

func NewStore(source Source, player Player, decode Decoder, sampleRate int) *Store {
	if decode == nil {
		decode = audio.Decode
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Store{
		source:     source,
		player:     player,
		decode:     decode,
		sampleRate: sampleRate,
		files:      make(map[string]*audio.File),
	}
}

// ApplyDelta forwards a streamed audio fragment to the player.
func (s *Store) ApplyDelta(itemID string, pcm []byte) error {
	if len(pcm) == 0 || s.player == nil {
		return nil
	}
	return s.player.Add16BitPCM(pcm, itemID)
}

// Finalize decodes the full audio of a completed item and remembers the clip
// for that item id. Items that are not completed or carry no audio are left
// alone.
func (s *Store) Finalize(item Item) error {
	if !item.Completed() || !item.HasAudio() {
		return nil
	}
	file, err := s.decode(item.Formatted.Audio, s.sampleRate, s.sampleRate)
	if err != nil {
		return &DecodeError{ItemID: item.ID, Err: err}
	}
	s.mu.Lock()
	s.files[item.ID] = file
	s.mu.Unlock()
	return nil
}

// Refresh replaces the snapshot with the source's current items and returns
// the observer view of them.
func (s *Store) Refresh() []Item {
	var items []Item
	if s.source != nil {
		items = s.source.Items()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	view := make([]Item, len(items))
	for i, it := range items {
		if f, ok := s.files[it.ID]; ok {
			it.Formatted.File = f
		}
		view[i] = observerItem(it)
	}
	s.items = view
	return CloneItems(view)
}

// Snapshot returns a deep copy of the observer view. Observer items carry
// metadata, text and transcripts; accumulated audio stays with the source.
func (s *Store) Snapshot() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneItems(s.items)
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.files = make(map[string]*audio.File)
}

// observerItem drops the PCM buffers from an item.
func observerItem(it Item) Item {
	it.Formatted.Audio = nil
	if f := it.Formatted.File; f != nil {
		clip := *f
		clip.WAV = nil
		it.Formatted.File = &clip
	}
	return it
}

// CloneItems deep-copies items. Audio buffers are copied with a single
// allocation each; copier handles the remaining fields.
func CloneItems(items []Item) []Item {
	out := make([]Item, 0, len(items))
	if len(items) == 0 {
		return out
	}
	light := make([]Item, len(items))
	for i, it := range items {
		light[i] = observerItem(it)
	}
	if err := copier.CopyWithOption(&out, &light, copier.Option{DeepCopy: true}); err != nil {
		out = append(out[:0], light...)
	}
	for i, it := range items {
		if it.Formatted.Audio != nil {
			out[i].Formatted.Audio = slices.Clone(it.Formatted.Audio)
		}
		if f := it.Formatted.File; f != nil && f.WAV != nil {
			out[i].Formatted.File.WAV = slices.Clone(f.WAV)
		}
	}
	return out
}
