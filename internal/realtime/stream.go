package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/storyvoice/internal/eventlog"
)

const (
	messageBuffer = 256
	maxBacklog    = 4096
)

// stream is the ordered message channel of one connection. It is never
// closed; senders stop once done is closed.
//
// Client audit records are offered without blocking: the session's control
// loop is the only reader and also issues writes, so a full buffer must not
// stall the writer. Records that do not fit wait in backlog.
type stream struct {
	out  chan Message
	done chan struct{}
	once sync.Once
	conv *Conversation
	now  func() time.Time

	mu       sync.Mutex
	backlog  []Message
	draining bool
}

func newStream(conv *Conversation) *stream {
	return &stream{
		out:  make(chan Message, messageBuffer),
		done: make(chan struct{}),
		conv: conv,
		now:  time.Now,
	}
}

func (s *stream) emit(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) auditClient(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.offer(Event{Record: eventlog.NewRecord(s.now().UTC(), eventlog.SourceClient, raw)})
}

// offer queues m without blocking. Queued messages keep their order and are
// handed to out by a drain goroutine.
func (s *stream) offer(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		select {
		case s.out <- m:
			return
		case <-s.done:
			return
		default:
		}
	}
	if len(s.backlog) >= maxBacklog {
		log.Printf("realtime: client audit backlog full, dropping event")
		return
	}
	s.backlog = append(s.backlog, m)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *stream) drain() {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		m := s.backlog[0]
		s.mu.Unlock()

		if !s.emit(m) {
			s.mu.Lock()
			s.backlog = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
	}
}

func (s *stream) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// ingest audits a raw server event, then applies it to the conversation.
func (s *stream) ingest(raw []byte) {
	if !s.emit(Event{Record: eventlog.NewRecord(s.now().UTC(), eventlog.SourceServer, raw)}) {
		return
	}
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Printf("realtime: failed to parse server event: %v", err)
		return
	}
	msgs, err := s.conv.Apply(ev)
	if err != nil {
		log.Printf("realtime: %v", err)
		return
	}
	for _, m := range msgs {
		if in, ok := m.(Interrupted); ok && in.At.IsZero() {
			m = Interrupted{At: s.now()}
		}
		if !s.emit(m) {
			return
		}
	}
}
