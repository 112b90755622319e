package realtime

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/storyvoice/internal/conversation"
)

var errUnknownItem = errors.New("item not found")

// Conversation mirrors the remote conversation from server events.
type Conversation struct {
	mu         sync.RWMutex
	sampleRate int
	order      []string
	items      map[string]*conversation.Item
}

func NewConversation(sampleRate int) *Conversation {
	if sampleRate <= 0 {
		sampleRate = defaultRealtimeSampleRate
	}
	return &Conversation{
		sampleRate: sampleRate,
		items:      make(map[string]*conversation.Item),
	}
}

// Items returns copies of the items in creation order.
func (c *Conversation) Items() []conversation.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]conversation.Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, copyItem(*c.items[id]))
	}
	return out
}

// Item returns a copy of one item.
func (c *Conversation) Item(id string) (conversation.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	if !ok {
		return conversation.Item{}, false
	}
	return copyItem(*it), true
}

func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.items = make(map[string]*conversation.Item)
}

// Apply folds one server event into the model and returns the messages it
// produces beyond the audit copy.
func (c *Conversation) Apply(ev serverEvent) ([]Message, error) {
	switch ev.Type {
	case evSpeechStarted:
		return []Message{Interrupted{}}, nil

	case evError:
		if ev.Error == nil {
			return []Message{newTransportError("", errors.New("unknown error"), false)}, nil
		}
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		return []Message{newTransportError(code, errors.New(ev.Error.Message), false)}, nil

	case evItemCreated, evResponseOutputItemAdded:
		if ev.Item == nil || ev.Item.ID == "" {
			return nil, fmt.Errorf("%s: missing item", ev.Type)
		}
		return c.update(func() (*conversation.Item, *Delta, error) {
			return c.createLocked(*ev.Item), nil, nil
		})

	case evResponseOutputItemDone:
		if ev.Item == nil {
			return nil, fmt.Errorf("%s: missing item", ev.Type)
		}
		return c.update(func() (*conversation.Item, *Delta, error) {
			it, ok := c.items[ev.Item.ID]
			if !ok {
				return nil, nil, fmt.Errorf("%s %q: %w", ev.Type, ev.Item.ID, errUnknownItem)
			}
			if ev.Item.Status != "" {
				it.Status = conversation.Status(ev.Item.Status)
			}
			return it, nil, nil
		})

	case evItemTruncated:
		return c.update(func() (*conversation.Item, *Delta, error) {
			it, ok := c.items[ev.ItemID]
			if !ok {
				return nil, nil, fmt.Errorf("%s %q: %w", ev.Type, ev.ItemID, errUnknownItem)
			}
			it.Formatted.Audio = it.Formatted.Audio[:truncatedLen(ev.AudioEndMS, c.sampleRate, len(it.Formatted.Audio))]
			it.Formatted.Transcript = ""
			return it, nil, nil
		})

	case evItemDeleted:
		c.mu.Lock()
		it, ok := c.items[ev.ItemID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%s %q: %w", ev.Type, ev.ItemID, errUnknownItem)
		}
		delete(c.items, ev.ItemID)
		for i, id := range c.order {
			if id == ev.ItemID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		deleted := copyItem(*it)
		c.mu.Unlock()
		return []Message{ConversationUpdated{Item: deleted}}, nil

	case evInputTranscriptDone:
		return c.update(func() (*conversation.Item, *Delta, error) {
			it, ok := c.items[ev.ItemID]
			if !ok {
				return nil, nil, fmt.Errorf("%s %q: %w", ev.Type, ev.ItemID, errUnknownItem)
			}
			transcript := ev.Transcript
			if transcript == "" {
				transcript = " "
			}
			it.Formatted.Transcript = transcript
			return it, &Delta{Transcript: transcript}, nil
		})

	case evResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("%s: decode audio: %w", ev.Type, err)
		}
		return c.appendDelta(ev, &Delta{Audio: pcm}, func(it *conversation.Item) {
			it.Formatted.Audio = append(it.Formatted.Audio, pcm...)
		})

	case evResponseTranscriptDelta:
		return c.appendDelta(ev, &Delta{Transcript: ev.Delta}, func(it *conversation.Item) {
			it.Formatted.Transcript += ev.Delta
		})

	case evResponseTextDelta:
		return c.appendDelta(ev, &Delta{Text: ev.Delta}, func(it *conversation.Item) {
			it.Formatted.Text += ev.Delta
		})
	}
	return nil, nil
}

func (c *Conversation) appendDelta(ev serverEvent, d *Delta, apply func(*conversation.Item)) ([]Message, error) {
	return c.update(func() (*conversation.Item, *Delta, error) {
		it, ok := c.items[ev.ItemID]
		if !ok {
			return nil, nil, fmt.Errorf("%s %q: %w", ev.Type, ev.ItemID, errUnknownItem)
		}
		apply(it)
		return it, d, nil
	})
}

func (c *Conversation) update(fn func() (*conversation.Item, *Delta, error)) ([]Message, error) {
	c.mu.Lock()
	it, delta, err := fn()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	snap := copyItem(*it)
	c.mu.Unlock()
	return []Message{ConversationUpdated{Item: snap, Delta: delta}}, nil
}

func (c *Conversation) createLocked(w wireItem) *conversation.Item {
	if it, ok := c.items[w.ID]; ok {
		return it
	}
	status := conversation.Status(w.Status)
	if status == "" {
		status = conversation.StatusInProgress
	}
	it := &conversation.Item{
		ID:     w.ID,
		Type:   w.Type,
		Role:   conversation.Role(w.Role),
		Status: status,
	}
	for _, part := range w.Content {
		switch part.Type {
		case contentTypeInputText, "text":
			it.Formatted.Text += part.Text
		case "input_audio", "audio":
			it.Formatted.Transcript += part.Transcript
		}
	}
	// Items the user typed are complete on creation.
	if it.Role == conversation.RoleUser && it.Formatted.Text != "" {
		it.Status = conversation.StatusCompleted
	}
	c.items[w.ID] = it
	c.order = append(c.order, w.ID)
	return it
}

func copyItem(it conversation.Item) conversation.Item {
	it.Formatted.Audio = append([]byte(nil), it.Formatted.Audio...)
	return it
}

// truncatedLen converts audio_end_ms into a PCM16 byte length within [0, n].
func truncatedLen(audioEndMS, sampleRate, n int) int {
	if audioEndMS <= 0 || sampleRate <= 0 {
		return 0
	}
	end := int64(audioEndMS) * int64(sampleRate) / 1000 * 2
	if end > int64(n) {
		return n
	}
	return int(end)
}
