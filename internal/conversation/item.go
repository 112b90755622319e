package conversation

import (
	"github.com/ent0n29/storyvoice/internal/audio"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
)

// Item is one turn of the live conversation.
type Item struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Role      Role      `json:"role,omitempty"`
	Status    Status    `json:"status"`
	Formatted Formatted `json:"formatted"`
}

// Formatted holds the progressively assembled content of an item.
type Formatted struct {
	Text       string      `json:"text,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Audio      []byte      `json:"-"`
	File       *audio.File `json:"file,omitempty"`
}

// HasAudio reports whether the item carries accumulated audio.
func (it Item) HasAudio() bool { return len(it.Formatted.Audio) > 0 }

func (it Item) Completed() bool { return it.Status == StatusCompleted }
