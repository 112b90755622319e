package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/storyvoice/internal/config"
	"github.com/ent0n29/storyvoice/internal/story"
)

func TestBuildWithMockRealtime(t *testing.T) {
	cfg := config.Config{
		ShutdownTimeout:          time.Second,
		SessionInactivityTimeout: time.Minute,
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		StoryDir:                 t.TempDir(),
		RealtimeMode:             "mock",
		AudioSampleRate:          24000,
	}
	res, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()
	if res.Realtime.Mode != "mock" {
		t.Fatalf("Realtime.Mode = %q, want mock", res.Realtime.Mode)
	}
	if res.Manifest.Title == "" {
		t.Fatalf("Manifest not loaded")
	}

	sess, err := res.Sessions.Create("bakery")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := sess.Orchestrator.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sess.Orchestrator.PushAudio(make([]byte, 480)); err != nil {
		t.Fatalf("PushAudio() error = %v", err)
	}
	if err := sess.Orchestrator.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestResolveRealtimeRequiresKeyForOpenAI(t *testing.T) {
	cfg := config.Config{RealtimeMode: "openai"}
	if _, err := resolveRealtime(cfg, story.DefaultManifest()); err == nil {
		t.Fatalf("resolveRealtime() error = nil, want missing key error")
	}
}

func TestResolveRealtimeOpenAI(t *testing.T) {
	cfg := config.Config{RealtimeMode: "auto", OpenAIAPIKey: "sk-test", OpenAIRealtimeModel: "m1", AudioSampleRate: 24000}
	setup, err := resolveRealtime(cfg, story.DefaultManifest())
	if err != nil {
		t.Fatalf("resolveRealtime() error = %v", err)
	}
	if setup.resolvedMode != "openai" {
		t.Fatalf("resolvedMode = %q, want openai", setup.resolvedMode)
	}
	rt, err := setup.runtimeFactory(24000)("s1", nil)
	if err != nil {
		t.Fatalf("runtimeFactory() error = %v", err)
	}
	if rt.Transport == nil || rt.Capture == nil || rt.Playback == nil {
		t.Fatalf("incomplete runtime: %+v", rt)
	}
}
