package realtime

import (
	"fmt"
	"time"

	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/eventlog"
	"github.com/ent0n29/storyvoice/internal/reliability"
)

// Message is one inbound notification from a transport. Messages for a
// session arrive on a single ordered channel.
type Message interface {
	isMessage()
}

// Event carries an audit copy of a raw client or server event.
type Event struct {
	Record eventlog.Record
}

// Interrupted reports that the user started speaking over the agent.
type Interrupted struct {
	At time.Time
}

// ConversationUpdated carries the item an event touched and, for streaming
// events, the fragment that was added.
type ConversationUpdated struct {
	Item  conversation.Item
	Delta *Delta
}

type Delta struct {
	Audio      []byte
	Transcript string
	Text       string
}

// TransportError reports a mid-session failure. Disconnected is set when the
// connection is gone.
type TransportError struct {
	Code         string
	Err          error
	Disconnected bool
	Retryable    bool
}

func newTransportError(code string, err error, disconnected bool) *TransportError {
	return &TransportError{
		Code:         code,
		Err:          err,
		Disconnected: disconnected,
		Retryable:    reliability.IsRetryableRealtimeError(code),
	}
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime transport error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("realtime transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (Event) isMessage()               {}
func (Interrupted) isMessage()         {}
func (ConversationUpdated) isMessage() {}
func (*TransportError) isMessage()     {}
