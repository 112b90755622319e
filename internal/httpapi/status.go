package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	RealtimeMode   string        `json:"realtime_mode"`
	StorySource    string        `json:"story_source"`
	AuditBackend   string        `json:"audit_backend"`
	StoryTitle     string        `json:"story_title"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		RealtimeMode:   s.realtimeMode(),
		StorySource:    s.storySource(),
		AuditBackend:   s.auditBackend(),
		StoryTitle:     s.manifest.Title,
		ActiveSessions: s.sessions.ActiveCount(),
	}

	checks := make([]statusCheck, 0, 4)
	switch {
	case resp.RealtimeMode == "mock":
		checks = append(checks, statusCheck{
			ID:     "realtime_backend",
			Status: "warn",
			Label:  "Realtime agent is mock",
			Detail: "Stories are read back by the offline agent with silent audio.",
			Fix:    "Set OPENAI_API_KEY or REALTIME_MODE=openai.",
		})
	case strings.TrimSpace(s.cfg.OpenAIAPIKey) == "":
		checks = append(checks, statusCheck{
			ID:     "realtime_backend",
			Status: "error",
			Label:  "Realtime API key",
			Detail: "OPENAI_API_KEY is not set",
			Fix:    "Set OPENAI_API_KEY or switch to REALTIME_MODE=mock.",
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "realtime_backend",
			Status: "ok",
			Label:  "Realtime agent",
			Detail: s.cfg.OpenAIRealtimeModel,
		})
	}

	checks = append(checks, statusCheck{
		ID:     "story_source",
		Status: "ok",
		Label:  "Story scripts",
		Detail: resp.StorySource,
	})
	if len(s.manifest.Scenes) == 0 {
		checks = append(checks, statusCheck{
			ID:     "story_scenes",
			Status: "warn",
			Label:  "Story manifest lists no scenes",
			Detail: "Sessions start with the story context only unless scenes are passed to start.",
			Fix:    "Set STORY_MANIFEST to a YAML manifest with a scenes list.",
		})
	}

	if resp.AuditBackend == "in-memory" {
		checks = append(checks, statusCheck{
			ID:     "audit_store",
			Status: "warn",
			Label:  "Audit persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or AUDIT_SQLITE_PATH to keep session logs across restarts.",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "audit_store",
			Status: "ok",
			Label:  "Audit persistence",
			Detail: resp.AuditBackend,
		})
	}

	resp.Checks = checks
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) storySource() string {
	if base := strings.TrimSpace(s.cfg.StoryBaseURL); base != "" {
		return base
	}
	return s.cfg.StoryDir
}

func (s *Server) auditBackend() string {
	switch {
	case strings.TrimSpace(s.cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(s.cfg.AuditSQLitePath) != "":
		return "sqlite"
	default:
		return "in-memory"
	}
}
