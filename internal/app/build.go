package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/storyvoice/internal/audio"
	"github.com/ent0n29/storyvoice/internal/audit"
	"github.com/ent0n29/storyvoice/internal/config"
	"github.com/ent0n29/storyvoice/internal/httpapi"
	"github.com/ent0n29/storyvoice/internal/observability"
	"github.com/ent0n29/storyvoice/internal/session"
	"github.com/ent0n29/storyvoice/internal/story"
	"github.com/ent0n29/storyvoice/internal/voice"
)

const auditContext = "story-session"

type RealtimeInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Manifest story.Manifest
	Realtime RealtimeInfo

	// Cleanup should be called on shutdown to release external resources (audit DB).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	manifest, err := story.LoadManifest(cfg.StoryManifest)
	if err != nil {
		return nil, err
	}

	setup, err := resolveRealtime(cfg, manifest)
	if err != nil {
		return nil, err
	}

	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL, cfg.AuditSQLitePath)
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}

	library := newLibrary(cfg)
	newRuntime := setup.runtimeFactory(cfg.AudioSampleRate)

	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(id string) (*voice.Orchestrator, *audit.Logger, error) {
		logger := audit.NewLogger(auditStore, auditContext, id, cfg.AuditRedactPII)
		orch := voice.NewOrchestrator(voice.Config{
			SessionID:  id,
			NewRuntime: newRuntime,
			Audit:      logger,
			Metrics:    metrics,
			SampleRate: cfg.AudioSampleRate,
			Decode:     audio.Decode,
		})
		return orch, logger, nil
	})
	sessions.SetRetention(cfg.SessionRetention)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	api := httpapi.New(cfg, sessions, library, manifest, metrics)

	cleanup := func() error {
		var errs []string
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := sessions.CloseAll(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := auditStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Manifest: manifest,
		Realtime: RealtimeInfo{Mode: setup.resolvedMode, Detail: setup.detail},
		Cleanup:  cleanup,
	}, nil
}

func newLibrary(cfg config.Config) story.Library {
	if base := strings.TrimSpace(cfg.StoryBaseURL); base != "" {
		return story.NewHTTPLibrary(base, &http.Client{Timeout: 15 * time.Second})
	}
	return story.NewDirLibrary(cfg.StoryDir)
}
