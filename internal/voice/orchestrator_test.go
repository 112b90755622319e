package voice

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/storyvoice/internal/audio"
	"github.com/ent0n29/storyvoice/internal/audit"
	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/eventlog"
	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/realtime"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

type cancelCall struct {
	trackID string
	offset  int
}

type fakeTransport struct {
	calls *callLog
	msgs  chan realtime.Message

	connectErr    error
	disconnectErr error
	sendDelay     func(n int) time.Duration
	// connectGate and disconnectGate, when set, hold the call until closed.
	connectGate    chan struct{}
	disconnectGate chan struct{}

	mu          sync.Mutex
	sent        []string
	wire        []string
	cancels     []cancelCall
	inFlight    int
	maxInFlight int
	items       []conversation.Item
}

func newFakeTransport(calls *callLog) *fakeTransport {
	return &fakeTransport{calls: calls, msgs: make(chan realtime.Message, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.calls.add("transport.connect")
	if f.connectGate != nil {
		select {
		case <-f.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connectErr
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.calls.add("transport.disconnect")
	if f.disconnectGate != nil {
		select {
		case <-f.disconnectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.disconnectErr
}

func (f *fakeTransport) UpdateVoice(_ context.Context, voice playback.VoiceID) error {
	f.mu.Lock()
	f.wire = append(f.wire, "voice:"+string(voice))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	n := len(f.sent)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()

	if f.sendDelay != nil {
		select {
		case <-time.After(f.sendDelay(n)):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.sent = append(f.sent, text)
	f.wire = append(f.wire, "text:"+text)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeTransport) Cancel(_ context.Context, trackID string, offset int) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, cancelCall{trackID, offset})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Messages() <-chan realtime.Message { return f.msgs }

func (f *fakeTransport) Items() []conversation.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return conversation.CloneItems(f.items)
}

func (f *fakeTransport) wireCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.wire)
}

func (f *fakeTransport) cancelCalls() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cancels)
}

type fakeCapture struct {
	calls    *callLog
	beginErr error
	endErr   error
	pushed   atomic.Int64
}

func (f *fakeCapture) Begin(context.Context) error {
	f.calls.add("capture.begin")
	return f.beginErr
}

func (f *fakeCapture) End(context.Context) error {
	f.calls.add("capture.end")
	return f.endErr
}

func (f *fakeCapture) Push(pcm []byte) error {
	f.pushed.Add(int64(len(pcm)))
	return nil
}

type fakePlayback struct {
	calls      *callLog
	connectErr error
	closeErr   error
	track      audio.TrackOffset
	playing    bool
	out        AudioOutput
}

func (f *fakePlayback) Connect(context.Context) error {
	f.calls.add("playback.connect")
	return f.connectErr
}

func (f *fakePlayback) Add16BitPCM(pcm []byte, trackID string) error {
	if f.out != nil {
		f.out(trackID, pcm)
	}
	return nil
}

func (f *fakePlayback) Interrupt() (audio.TrackOffset, bool) {
	f.calls.add("playback.interrupt")
	return f.track, f.playing
}

func (f *fakePlayback) Close() error {
	f.calls.add("playback.close")
	return f.closeErr
}

type harness struct {
	orch      *Orchestrator
	calls     *callLog
	transport *fakeTransport
	capture   *fakeCapture
	playback  *fakePlayback
	audit     *audit.Logger
}

func newHarness(t *testing.T, configure func(h *harness, cfg *Config)) *harness {
	t.Helper()
	calls := &callLog{}
	h := &harness{
		calls:     calls,
		transport: newFakeTransport(calls),
		capture:   &fakeCapture{calls: calls},
		playback:  &fakePlayback{calls: calls},
		audit:     audit.NewLogger(nil, "story-session", "sess-1", false),
	}
	cfg := Config{
		SessionID: "sess-1",
		Audit:     h.audit,
		NewRuntime: func(_ string, out AudioOutput) (Runtime, error) {
			h.playback.out = out
			return Runtime{Transport: h.transport, Capture: h.capture, Playback: h.playback}, nil
		},
	}
	if configure != nil {
		configure(h, &cfg)
	}
	h.orch = NewOrchestrator(cfg)
	t.Cleanup(func() { _ = h.orch.Close(context.Background()) })
	return h
}

func (h *harness) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := h.audit.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartConnectsInOrderAndSendsPlan(t *testing.T) {
	h := newHarness(t, nil)
	plan := []playback.Directive{{Voice: "alloy", Text: "one"}, {Voice: "echo", Text: "two"}}

	if err := h.orch.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := h.orch.State(); got != StateActive {
		t.Fatalf("State() = %q, want active", got)
	}
	want := []string{"capture.begin", "playback.connect", "transport.connect"}
	if got := h.calls.list(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !slices.Equal(h.transport.sent, []string{"one", "two"}) {
		t.Fatalf("sent = %v", h.transport.sent)
	}
}

func TestStartSendsDirectivesOneAtATime(t *testing.T) {
	h := newHarness(t, nil)
	// Earlier directives take longer so an overlapping sender would reorder them.
	h.transport.sendDelay = func(n int) time.Duration { return time.Duration(5-n) * 10 * time.Millisecond }

	plan := []playback.Directive{
		{Voice: "alloy", Text: "a"},
		{Voice: "echo", Text: "b"},
		{Voice: "shimmer", Text: "c"},
		{Voice: "alloy", Text: "d"},
	}
	if err := h.orch.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.transport.maxInFlight != 1 {
		t.Fatalf("max in-flight sends = %d, want 1", h.transport.maxInFlight)
	}
	if !slices.Equal(h.transport.sent, []string{"a", "b", "c", "d"}) {
		t.Fatalf("sent = %v, want plan order", h.transport.sent)
	}
}

func TestStartConnectFailureRollsBack(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		stage    string
		fail     func(h *harness)
		wantCall []string
	}{
		{
			stage:    "capture",
			fail:     func(h *harness) { h.capture.beginErr = boom },
			wantCall: []string{"capture.begin"},
		},
		{
			stage:    "playback",
			fail:     func(h *harness) { h.playback.connectErr = boom },
			wantCall: []string{"capture.begin", "playback.connect", "capture.end"},
		},
		{
			stage:    "transport",
			fail:     func(h *harness) { h.transport.connectErr = boom },
			wantCall: []string{"capture.begin", "playback.connect", "transport.connect", "playback.close", "capture.end"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.fail(h)

			err := h.orch.Start(context.Background(), nil)
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("Start() error = %v, want *ConnectionError", err)
			}
			if connErr.Stage != tt.stage || !errors.Is(err, boom) {
				t.Fatalf("ConnectionError = %+v, want stage %s wrapping boom", connErr, tt.stage)
			}
			if got := h.orch.State(); got != StateIdle {
				t.Fatalf("State() = %q, want idle", got)
			}
			if got := h.calls.list(); !slices.Equal(got, tt.wantCall) {
				t.Fatalf("calls = %v, want %v", got, tt.wantCall)
			}
			if events := h.auditEvents(t); !slices.Contains(events, "session.connect_failed") {
				t.Fatalf("audit events = %v, want session.connect_failed", events)
			}
		})
	}
}

func TestStartRejectedWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.orch.Start(context.Background(), nil); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Start() error = %v, want ErrSessionBusy", err)
	}
}

func TestInterruptWithNothingPlayingSendsNoCancel(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.transport.msgs <- realtime.Interrupted{At: time.Now()}
	eventually(t, "interrupt handled", func() bool { return slices.Contains(h.calls.list(), "playback.interrupt") })
	eventually(t, "back to active", func() bool { return h.orch.State() == StateActive })

	if got := h.transport.cancelCalls(); len(got) != 0 {
		t.Fatalf("cancel calls = %v, want none", got)
	}
}

func TestInterruptCancelsPlayingTrackOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.playback.track = audio.TrackOffset{TrackID: "item_1", Offset: 4800}
	h.playback.playing = true
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.transport.msgs <- realtime.Interrupted{At: time.Now()}
	eventually(t, "cancel sent", func() bool { return len(h.transport.cancelCalls()) > 0 })
	eventually(t, "back to active", func() bool { return h.orch.State() == StateActive })

	got := h.transport.cancelCalls()
	if len(got) != 1 || got[0] != (cancelCall{"item_1", 4800}) {
		t.Fatalf("cancel calls = %v, want exactly [{item_1 4800}]", got)
	}
	if events := h.auditEvents(t); !slices.Contains(events, "interrupt.cancelled") {
		t.Fatalf("audit events = %v, want interrupt.cancelled", events)
	}
}

func TestDecodeFailureIsRecordedAndSessionContinues(t *testing.T) {
	h := newHarness(t, func(_ *harness, cfg *Config) {
		cfg.Decode = func([]byte, int, int) (*audio.File, error) { return nil, errors.New("corrupt clip") }
	})
	item := conversation.Item{
		ID:        "item_9",
		Type:      "message",
		Role:      conversation.RoleAssistant,
		Status:    conversation.StatusCompleted,
		Formatted: conversation.Formatted{Audio: []byte{1, 0, 2, 0}},
	}
	h.transport.items = []conversation.Item{item}
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.transport.msgs <- realtime.ConversationUpdated{Item: item}
	eventually(t, "decode failure audited", func() bool {
		return slices.Contains(h.auditEvents(t), "conversation.decode_failed")
	})

	if got := h.orch.State(); got != StateActive {
		t.Fatalf("State() = %q, want active after decode failure", got)
	}
	snap := h.orch.Snapshot()
	if len(snap.Items) != 1 || snap.Items[0].Formatted.File != nil {
		t.Fatalf("Items = %+v, want one item without decoded file", snap.Items)
	}
}

func TestEventsAreCoalescedIntoLog(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, typ := range []string{"response.audio.delta", "response.audio.delta", "response.done"} {
		h.transport.msgs <- realtime.Event{Record: eventlog.Record{Source: eventlog.SourceServer, Type: typ}}
	}
	eventually(t, "log coalesced", func() bool { return len(h.orch.Snapshot().Events) == 2 })

	events := h.orch.Snapshot().Events
	if events[0].Type != "response.audio.delta" || events[0].Count != 2 {
		t.Fatalf("events[0] = %+v, want audio delta x2", events[0])
	}
}

func TestStopTearsDownInOrderAndJoinsErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.disconnectErr = errors.New("socket gone")
	h.playback.closeErr = errors.New("device busy")
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.transport.msgs <- realtime.Event{Record: eventlog.Record{Source: eventlog.SourceServer, Type: "session.created"}}
	eventually(t, "event logged", func() bool { return len(h.orch.Snapshot().Events) == 1 })

	err := h.orch.Stop(context.Background())
	if err == nil {
		t.Fatalf("Stop() error = nil, want joined teardown errors")
	}
	if !errors.Is(err, h.transport.disconnectErr) || !errors.Is(err, h.playback.closeErr) {
		t.Fatalf("Stop() error = %v, want both failures", err)
	}

	calls := h.calls.list()
	want := []string{"transport.disconnect", "capture.end", "playback.close"}
	if got := calls[len(calls)-3:]; !slices.Equal(got, want) {
		t.Fatalf("teardown calls = %v, want %v", got, want)
	}
	snap := h.orch.Snapshot()
	if snap.State != StateClosed || len(snap.Events) != 0 || len(snap.Items) != 0 {
		t.Fatalf("snapshot after stop = %+v, want closed with empty log", snap)
	}
	if err := h.orch.Stop(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second Stop() error = %v, want ErrNotActive", err)
	}
}

func TestRestartAfterStopClearsLog(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.transport.msgs <- realtime.Event{Record: eventlog.Record{Source: eventlog.SourceClient, Type: "session.update"}}
	eventually(t, "event logged", func() bool { return len(h.orch.Snapshot().Events) == 1 })
	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if got := h.orch.Snapshot(); got.State != StateActive || len(got.Events) != 0 {
		t.Fatalf("snapshot after restart = %+v, want active with empty log", got)
	}
}

func TestFatalTransportErrorClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.transport.msgs <- &realtime.TransportError{Code: "disconnected", Err: errors.New("eof"), Disconnected: true, Retryable: true}
	eventually(t, "session closed", func() bool { return slices.Contains(h.auditEvents(t), "session.closed") })

	snap := h.orch.Snapshot()
	if snap.State != StateClosed || snap.LastError == "" || !snap.Retryable {
		t.Fatalf("snapshot = %+v, want closed with retryable last error", snap)
	}
	events := h.auditEvents(t)
	if slices.Index(events, "transport.error") > slices.Index(events, "session.closed") {
		t.Fatalf("audit events = %v, want transport.error before session.closed", events)
	}
	if !slices.Contains(h.calls.list(), "transport.disconnect") {
		t.Fatalf("calls = %v, want transport disconnect", h.calls.list())
	}
}

func TestNonFatalTransportErrorKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.transport.msgs <- &realtime.TransportError{Code: "rate_limit", Err: errors.New("slow down")}
	eventually(t, "error audited", func() bool { return slices.Contains(h.auditEvents(t), "transport.error") })
	if got := h.orch.State(); got != StateActive {
		t.Fatalf("State() = %q, want active", got)
	}
}

func TestPushAudioRequiresActiveSession(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.PushAudio([]byte{0, 0}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("PushAudio() before start error = %v, want ErrNotActive", err)
	}
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.orch.PushAudio([]byte{0, 0, 1, 0}); err != nil {
		t.Fatalf("PushAudio() error = %v", err)
	}
	if got := h.capture.pushed.Load(); got != 4 {
		t.Fatalf("pushed bytes = %d, want 4", got)
	}
}

func TestSubscribeReceivesStateChanges(t *testing.T) {
	h := newHarness(t, nil)
	updates, unsubscribe := h.orch.Subscribe()
	defer unsubscribe()

	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	var states []State
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case snap := <-updates:
			states = append(states, snap.State)
		case <-timeout:
			t.Fatalf("states = %v, want connecting then active", states)
		}
	}
	if states[0] != StateConnecting || states[1] != StateActive {
		t.Fatalf("states = %v, want [connecting active]", states)
	}
}

func TestEachDirectiveSetsVoiceBeforeText(t *testing.T) {
	h := newHarness(t, nil)
	plan := []playback.Directive{
		{Voice: "alloy", Text: "intro"},
		{Voice: "echo", Text: "chef"},
		{Voice: "shimmer", Text: "buddy"},
	}
	if err := h.orch.Start(context.Background(), plan); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := []string{"voice:alloy", "text:intro", "voice:echo", "text:chef", "voice:shimmer", "text:buddy"}
	if got := h.transport.wireCalls(); !slices.Equal(got, want) {
		t.Fatalf("transport calls = %v, want %v", got, want)
	}
}

func TestStopWhileConnectingCancelsStart(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.connectGate = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.orch.Start(context.Background(), []playback.Directive{{Voice: "alloy", Text: "never"}}) }()
	eventually(t, "transport connect pending", func() bool { return slices.Contains(h.calls.list(), "transport.connect") })
	if got := h.orch.State(); got != StateConnecting {
		t.Fatalf("State() = %q, want connecting", got)
	}

	if err := h.orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	err := <-started
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Stage != "transport" || !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want cancelled transport ConnectionError", err)
	}
	if got := h.orch.State(); got != StateClosed {
		t.Fatalf("State() = %q, want closed", got)
	}
	want := []string{"capture.begin", "playback.connect", "transport.connect", "playback.close", "capture.end"}
	if got := h.calls.list(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if sent := h.transport.wireCalls(); len(sent) != 0 {
		t.Fatalf("transport calls = %v, want none", sent)
	}
}

func TestStartDuringTeardownIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gate := make(chan struct{})
	h.transport.disconnectGate = gate

	stopped := make(chan error, 1)
	go func() { stopped <- h.orch.Stop(context.Background()) }()
	eventually(t, "disconnect pending", func() bool { return slices.Contains(h.calls.list(), "transport.disconnect") })

	if err := h.orch.Start(context.Background(), nil); !errors.Is(err, ErrTeardownPending) {
		t.Fatalf("Start() during teardown error = %v, want ErrTeardownPending", err)
	}

	close(gate)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() after teardown error = %v", err)
	}
}

func TestAssistantAudioReachesSubscribers(t *testing.T) {
	h := newHarness(t, nil)
	chunks, unsubscribe := h.orch.SubscribeAudio()
	defer unsubscribe()
	if err := h.orch.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	item := conversation.Item{ID: "item_1", Role: conversation.RoleAssistant, Status: conversation.StatusInProgress}
	for _, pcm := range [][]byte{{1, 0}, {2, 0, 3, 0}} {
		h.transport.msgs <- realtime.ConversationUpdated{Item: item, Delta: &realtime.Delta{Audio: pcm}}
	}

	for i, wantLen := range []int{2, 4} {
		select {
		case c := <-chunks:
			if c.TrackID != "item_1" || len(c.PCM) != wantLen || c.Seq != int64(i+1) {
				t.Fatalf("chunk %d = %+v", i, c)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for audio chunk %d", i)
		}
	}
}
