package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/storyvoice/internal/protocol"
	"github.com/ent0n29/storyvoice/internal/session"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleSessionWS pushes a snapshot after every session change and accepts
// microphone chunks and start/stop controls from the client.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := sess.Orchestrator.Subscribe()
	defer unsubscribe()
	audioChunks, unsubscribeAudio := sess.Orchestrator.SubscribeAudio()
	defer unsubscribeAudio()

	outbound := make(chan any, 64)
	outbound <- protocol.NewSessionSnapshot(sessionID, sess.Orchestrator.Snapshot())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case m := <-outbound:
				msg = m
			case snap, ok := <-updates:
				if !ok {
					cancel()
					return
				}
				_ = s.sessions.Touch(sessionID)
				msg = protocol.NewSessionSnapshot(sessionID, snap)
			case chunk, ok := <-audioChunks:
				if !ok {
					cancel()
					return
				}
				msg = protocol.NewAssistantAudioChunk(sessionID, chunk.TrackID, chunk.Seq, s.cfg.AudioSampleRate, chunk.PCM)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.SessionEvents.WithLabelValues("ws_write_failed").Inc()
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	sendErr := func(code string, retryable bool, detail string) {
		select {
		case outbound <- protocol.NewErrorEvent(sessionID, code, retryable, detail):
		default:
			// Writes stay single-threaded; drop when the queue is saturated.
		}
	}

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			sendErr("invalid_client_message", false, err.Error())
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		_ = s.sessions.Touch(sessionID)

		switch m := parsed.(type) {
		case protocol.ClientAudioChunk:
			if m.SessionID != sessionID {
				sendErr("session_mismatch", false, "audio chunk addressed to another session")
				continue
			}
			pcm, err := m.PCM()
			if err != nil {
				sendErr("invalid_audio_chunk", false, err.Error())
				continue
			}
			if err := sess.Orchestrator.PushAudio(pcm); err != nil {
				_, code := classifyError(err)
				sendErr(code, isRetryable(err), err.Error())
			}
		case protocol.ClientControl:
			s.handleControl(ctx, sess, m, sendErr)
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleControl(ctx context.Context, sess *session.Session, m protocol.ClientControl, sendErr func(string, bool, string)) {
	switch m.Action {
	case protocol.ActionStart:
		// Start blocks until the whole plan is sent; keep reading audio meanwhile.
		go func() {
			if err := s.startStory(ctx, sess, nil); err != nil {
				_, code := classifyError(err)
				sendErr(code, isRetryable(err), err.Error())
			}
		}()
	case protocol.ActionStop:
		if err := sess.Orchestrator.Stop(ctx); err != nil {
			_, code := classifyError(err)
			if code == "internal_error" {
				log.Printf("story session stop failed session_id=%s err=%v", sess.ID, err)
				code = "teardown_failed"
			}
			sendErr(code, false, err.Error())
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionSnapshot:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
