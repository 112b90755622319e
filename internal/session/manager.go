package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/storyvoice/internal/audit"
	"github.com/ent0n29/storyvoice/internal/voice"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

const closeTimeout = 5 * time.Second

// Session is a registered story session. The orchestrator and audit logger
// are shared by all copies handed out by the manager.
type Session struct {
	ID             string    `json:"session_id"`
	Story          string    `json:"story"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	Orchestrator *voice.Orchestrator `json:"-"`
	Audit        *audit.Logger       `json:"-"`
}

// Factory builds the orchestrator and audit logger for a new session id.
type Factory func(sessionID string) (*voice.Orchestrator, *audit.Logger, error)

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	factory           Factory
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration, factory Factory) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		factory:           factory,
		inactivityTimeout: inactivityTimeout,
		retention:         inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetRetention sets how long an ended record stays registered before the
// janitor drops it. Non-positive values keep the current window.
func (m *Manager) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(story string) (*Session, error) {
	id := uuid.NewString()
	if m.factory == nil {
		return nil, errors.New("session factory is not configured")
	}
	orch, logger, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("build session %s: %w", id, err)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		Story:          story,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
		Orchestrator:   orch,
		Audit:          logger,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended and closes its orchestrator. The record stays
// registered for the retention window so its audit log can still be
// downloaded.
func (m *Manager) End(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	alreadyEnded := s.Status == StatusEnded
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	out := clone(s)
	m.mu.Unlock()

	if alreadyEnded || out.Orchestrator == nil {
		return out, nil
	}
	return out, out.Orchestrator.Close(ctx)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// CloseAll ends every active session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if _, err := m.End(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusEnded {
			if now.Sub(s.LastActivityAt) >= m.retention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		if s.Orchestrator != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := s.Orchestrator.Close(ctx); err != nil {
				log.Printf("story session expire close failed session_id=%s err=%v", s.ID, err)
			}
			cancel()
		}
		if hook != nil {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
