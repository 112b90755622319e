package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/storyvoice/internal/audit"
	"github.com/ent0n29/storyvoice/internal/conversation"
	"github.com/ent0n29/storyvoice/internal/eventlog"
	"github.com/ent0n29/storyvoice/internal/observability"
	"github.com/ent0n29/storyvoice/internal/playback"
	"github.com/ent0n29/storyvoice/internal/realtime"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateInterrupting State = "interrupting"
	StateClosed       State = "closed"
)

var (
	ErrSessionBusy     = errors.New("story session already running")
	ErrTeardownPending = errors.New("previous story session is still shutting down")
	ErrNotActive       = errors.New("story session is not active")
)

// ConnectionError reports which collaborator failed to open. The session is
// back in Idle and the start may be retried.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

const (
	teardownTimeout = 5 * time.Second
	audioBuffer     = 256
)

// Snapshot is an immutable view of the orchestrator for observers.
type Snapshot struct {
	SessionID string              `json:"session_id"`
	State     State               `json:"state"`
	StartedAt time.Time           `json:"started_at,omitempty"`
	Events    []eventlog.Record   `json:"events"`
	Items     []conversation.Item `json:"items"`
	LastError string              `json:"last_error,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
}

// AudioChunk is one piece of assistant audio handed to playback, numbered per
// orchestrator.
type AudioChunk struct {
	TrackID string
	Seq     int64
	PCM     []byte
}

type Config struct {
	SessionID  string
	NewRuntime RuntimeFactory
	Audit      AuditLogger
	Metrics    *observability.Metrics
	SampleRate int
	Decode     conversation.Decoder
}

// Session is the per-start value: the collaborators, the item store and the
// start time. It is created at Connecting and dropped at Closed.
type Session struct {
	StartedAt time.Time

	runtime   Runtime
	store     *conversation.Store
	ctx       context.Context
	cancel    context.CancelFunc
	connected chan struct{}
	loopDone  chan struct{}
	loop      bool
}

// Orchestrator runs the story session state machine. Inbound transport
// messages are handled one at a time by a single control loop.
type Orchestrator struct {
	id      string
	factory RuntimeFactory
	audit   AuditLogger
	metrics *observability.Metrics
	rate    int
	decode  conversation.Decoder
	updates *Broadcaster[Snapshot]
	audio   *Broadcaster[AudioChunk]
	seq     atomic.Int64

	mu        sync.Mutex
	state     State
	sess      *Session
	events    []eventlog.Record
	lastErr   string
	retryable bool
	tearingDn chan struct{}
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(nil, "story-session", cfg.SessionID, false)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &Orchestrator{
		id:      cfg.SessionID,
		factory: cfg.NewRuntime,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		rate:    cfg.SampleRate,
		decode:  cfg.Decode,
		updates: NewBroadcaster[Snapshot](),
		audio:   NewBufferedBroadcaster[AudioChunk](audioBuffer),
		state:   StateIdle,
	}
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start connects a fresh session and sends the plan in order, each directive
// only after the transport accepted the previous one.
func (o *Orchestrator) Start(ctx context.Context, plan []playback.Directive) error {
	began := time.Now()
	sess, err := o.beginConnect(ctx)
	if err != nil {
		return err
	}
	if err := o.connect(ctx, sess); err != nil {
		return err
	}
	o.observeStage(observability.StageConnect, time.Since(began))

	if err := o.sendPlan(ctx, sess, plan); err != nil {
		return err
	}
	o.observeStage(observability.StageStartTotal, time.Since(began))
	return nil
}

func (o *Orchestrator) beginConnect(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tearingDn != nil {
		return nil, ErrTeardownPending
	}
	if o.state != StateIdle && o.state != StateClosed {
		return nil, ErrSessionBusy
	}
	if o.factory == nil {
		return nil, &ConnectionError{Stage: "runtime", Err: errors.New("no runtime factory configured")}
	}
	rt, err := o.factory(o.id, o.forwardAudio)
	if err != nil {
		cerr := &ConnectionError{Stage: "runtime", Err: err}
		o.audit.Error(ctx, "session.connect_failed", cerr, map[string]any{"stage": cerr.Stage})
		o.lastErr = cerr.Error()
		o.retryable = true
		return nil, cerr
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		StartedAt: time.Now().UTC(),
		runtime:   rt,
		store:     conversation.NewStore(rt.Transport, rt.Playback, o.decode, o.rate),
		ctx:       sctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	o.sess = sess
	o.events = nil
	o.lastErr = ""
	o.retryable = false
	o.state = StateConnecting
	o.publishLocked()
	return sess, nil
}

type connectStage struct {
	name  string
	open  func(context.Context) error
	close func(context.Context) error
}

func (o *Orchestrator) connect(ctx context.Context, sess *Session) error {
	defer close(sess.connected)
	rt := sess.runtime
	stages := []connectStage{
		{"capture", rt.Capture.Begin, rt.Capture.End},
		{"playback", rt.Playback.Connect, func(context.Context) error { return rt.Playback.Close() }},
		{"transport", rt.Transport.Connect, rt.Transport.Disconnect},
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	for i, st := range stages {
		err := st.open(cctx)
		if err == nil && sess.ctx.Err() != nil {
			err = context.Canceled
			i++
		}
		if err == nil {
			continue
		}
		cerr := &ConnectionError{Stage: st.name, Err: err}
		o.audit.Error(ctx, "session.connect_failed", cerr, map[string]any{"stage": st.name})
		o.countEvent("connect_failed")
		for j := i - 1; j >= 0; j-- {
			if rerr := stages[j].close(context.WithoutCancel(ctx)); rerr != nil {
				log.Printf("story session rollback failed session_id=%s stage=%s err=%v", o.id, stages[j].name, rerr)
			}
		}
		o.mu.Lock()
		if o.sess == sess {
			o.sess = nil
			o.state = StateIdle
			o.lastErr = cerr.Error()
			o.retryable = true
			o.publishLocked()
		}
		o.mu.Unlock()
		sess.cancel()
		return cerr
	}

	o.mu.Lock()
	sess.loop = true
	o.state = StateActive
	o.publishLocked()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	o.countEvent("started")
	o.audit.Info(ctx, "session.started", map[string]any{"started_at": sess.StartedAt})
	go o.run(sess, rt.Transport.Messages())
	return nil
}

func (o *Orchestrator) sendPlan(ctx context.Context, sess *Session, plan []playback.Directive) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	tr := sess.runtime.Transport
	for i, d := range plan {
		sentAt := time.Now()
		err := tr.UpdateVoice(sctx, d.Voice)
		if err == nil {
			err = tr.SendText(sctx, d.Text)
		}
		if err != nil {
			if sess.ctx.Err() != nil {
				return fmt.Errorf("directive %d: %w", i, ErrNotActive)
			}
			o.audit.Error(ctx, "directive.failed", err, map[string]any{"index": i, "voice": d.Voice})
			return fmt.Errorf("send directive %d: %w", i, err)
		}
		if o.metrics != nil {
			o.metrics.DirectivesSent.Inc()
		}
		o.observeStage(observability.StageDirectiveSend, time.Since(sentAt))
	}
	o.audit.Info(ctx, "directives.sent", map[string]any{"count": len(plan)})
	return nil
}

func (o *Orchestrator) run(sess *Session, msgs <-chan realtime.Message) {
	defer close(sess.loopDone)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-msgs:
			if o.handle(sess, msg) {
				return
			}
		}
	}
}

// handle reacts to one inbound message and reports whether the session ended.
func (o *Orchestrator) handle(sess *Session, msg realtime.Message) bool {
	switch m := msg.(type) {
	case realtime.Event:
		o.mu.Lock()
		if o.sess == sess && (o.state == StateActive || o.state == StateInterrupting) {
			o.events = eventlog.Coalesce(o.events, m.Record)
			o.publishLocked()
		}
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.RealtimeEvents.WithLabelValues(string(m.Record.Source), m.Record.Type).Inc()
		}

	case realtime.Interrupted:
		o.interrupt(sess)

	case realtime.ConversationUpdated:
		o.applyUpdate(sess, m)

	case *realtime.TransportError:
		o.audit.Error(sess.ctx, "transport.error", m, map[string]any{"code": m.Code, "disconnected": m.Disconnected, "retryable": m.Retryable})
		if o.metrics != nil {
			o.metrics.TransportErrors.WithLabelValues(m.Code).Inc()
		}
		if m.Disconnected {
			_ = o.teardown(sess, m, true)
			return true
		}
	}
	return false
}

func (o *Orchestrator) interrupt(sess *Session) {
	if !o.transition(sess, StateActive, StateInterrupting) {
		return
	}
	defer o.transition(sess, StateInterrupting, StateActive)

	track, playing := sess.runtime.Playback.Interrupt()
	if !playing {
		o.countInterruption("nothing_playing")
		return
	}
	if err := sess.runtime.Transport.Cancel(sess.ctx, track.TrackID, track.Offset); err != nil {
		o.audit.Error(sess.ctx, "interrupt.cancel_failed", err, map[string]any{"track_id": track.TrackID, "offset": track.Offset})
		o.countInterruption("cancel_failed")
		return
	}
	o.audit.Info(sess.ctx, "interrupt.cancelled", map[string]any{"track_id": track.TrackID, "offset": track.Offset})
	o.countInterruption("cancelled")
}

func (o *Orchestrator) applyUpdate(sess *Session, m realtime.ConversationUpdated) {
	item := m.Item
	if m.Delta != nil && len(m.Delta.Audio) > 0 {
		if err := sess.store.ApplyDelta(item.ID, m.Delta.Audio); err != nil {
			log.Printf("story session audio delta dropped session_id=%s item_id=%s err=%v", o.id, item.ID, err)
		}
	}
	if m.Delta != nil && m.Delta.Transcript != "" && item.Role == conversation.RoleUser {
		o.audit.Info(sess.ctx, "user.transcript", map[string]any{"item_id": item.ID, "transcript": item.Formatted.Transcript})
	}
	if item.Completed() && item.HasAudio() {
		began := time.Now()
		if err := sess.store.Finalize(item); err != nil {
			o.audit.Error(sess.ctx, "conversation.decode_failed", err, map[string]any{"item_id": item.ID})
			if o.metrics != nil {
				o.metrics.DecodeFailures.Inc()
			}
		} else {
			o.observeStage(observability.StageDecode, time.Since(began))
		}
	}
	items := sess.store.Refresh()

	o.mu.Lock()
	if o.sess == sess {
		snap := o.snapshotLocked(false)
		snap.Items = items
		o.updates.Publish(snap)
	}
	o.mu.Unlock()
}

// Stop tears the session down: log and items are cleared at once, then the
// transport, capture and playback are closed in that order. Every step is
// attempted; failures are joined.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	sess, state := o.sess, o.state
	if sess == nil || state == StateIdle || state == StateClosed {
		o.mu.Unlock()
		return ErrNotActive
	}
	o.mu.Unlock()

	if state == StateConnecting {
		sess.cancel()
		select {
		case <-sess.connected:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		if o.sess != sess {
			o.state = StateClosed
			o.publishLocked()
			o.mu.Unlock()
			return nil
		}
		o.mu.Unlock()
	}

	o.audit.Info(ctx, "session.stop_requested", nil)
	return o.teardown(sess, nil, false)
}

func (o *Orchestrator) teardown(sess *Session, cause error, fromLoop bool) error {
	o.mu.Lock()
	if o.sess != sess {
		o.mu.Unlock()
		return nil
	}
	o.sess = nil
	o.state = StateClosed
	o.events = nil
	if cause != nil {
		o.lastErr = cause.Error()
		var te *realtime.TransportError
		o.retryable = errors.As(cause, &te) && te.Retryable
	}
	done := make(chan struct{})
	o.tearingDn = done
	o.publishLocked()
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	sess.cancel()
	if sess.loop && !fromLoop {
		select {
		case <-sess.loopDone:
		case <-ctx.Done():
		}
	}

	var errs []error
	rt := sess.runtime
	if err := rt.Transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect transport: %w", err))
	}
	if err := rt.Capture.End(ctx); err != nil {
		errs = append(errs, fmt.Errorf("end capture: %w", err))
	}
	if err := rt.Playback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		o.audit.Error(ctx, "session.teardown_failed", err, nil)
	}
	reason := "stopped"
	if cause != nil {
		reason = "transport_lost"
	}
	o.audit.Info(ctx, "session.closed", map[string]any{"reason": reason})
	if o.metrics != nil && sess.loop {
		o.metrics.ActiveSessions.Dec()
	}
	o.countEvent("closed_" + reason)

	o.mu.Lock()
	o.tearingDn = nil
	o.mu.Unlock()
	close(done)
	return err
}

// PushAudio forwards client microphone audio to the active capture.
func (o *Orchestrator) PushAudio(pcm []byte) error {
	o.mu.Lock()
	sess, state := o.sess, o.state
	o.mu.Unlock()
	if sess == nil || (state != StateActive && state != StateInterrupting) {
		return ErrNotActive
	}
	in, ok := sess.runtime.Capture.(AudioInput)
	if !ok {
		return errors.New("capture does not accept pushed audio")
	}
	return in.Push(pcm)
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked(true)
}

// Subscribe streams a snapshot after every change.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	return o.updates.Subscribe()
}

// SubscribeAudio streams assistant audio in playback order. Slow subscribers
// miss chunks rather than stall the session.
func (o *Orchestrator) SubscribeAudio() (<-chan AudioChunk, func()) {
	return o.audio.Subscribe()
}

func (o *Orchestrator) forwardAudio(trackID string, pcm []byte) {
	o.audio.Publish(AudioChunk{TrackID: trackID, Seq: o.seq.Add(1), PCM: pcm})
}

// Close stops any running session and releases subscribers.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Stop(ctx)
	if errors.Is(err, ErrNotActive) {
		err = nil
	}
	o.updates.Close()
	o.audio.Close()
	return err
}

func (o *Orchestrator) transition(sess *Session, from, to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != sess || o.state != from {
		return false
	}
	o.state = to
	o.publishLocked()
	return true
}

// snapshotLocked builds an observer view. Records are never modified once
// logged, so the log is copied by value; withItems adds the item snapshot.
func (o *Orchestrator) snapshotLocked(withItems bool) Snapshot {
	snap := Snapshot{
		SessionID: o.id,
		State:     o.state,
		Events:    slices.Clone(o.events),
		Items:     []conversation.Item{},
		LastError: o.lastErr,
		Retryable: o.retryable,
	}
	if snap.Events == nil {
		snap.Events = []eventlog.Record{}
	}
	if o.sess != nil {
		snap.StartedAt = o.sess.StartedAt
		if withItems {
			snap.Items = o.sess.store.Snapshot()
		}
	}
	return snap
}

func (o *Orchestrator) publishLocked() {
	o.updates.Publish(o.snapshotLocked(true))
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	o.metrics.ObserveStage(stage, d)
}

func (o *Orchestrator) countEvent(event string) {
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (o *Orchestrator) countInterruption(outcome string) {
	if o.metrics != nil {
		o.metrics.Interruptions.WithLabelValues(outcome).Inc()
	}
	o.metrics.ObserveIndicator("interrupt_" + outcome)
}
