package audio

import (
	"context"
	"errors"
	"sync"
)

var ErrNotRecording = errors.New("audio: recorder not started")

// Recorder accepts microphone PCM16 chunks from the client and forwards them
// to a sink while a session is recording.
type Recorder struct {
	mu        sync.Mutex
	sink      func(pcm []byte) error
	recording bool
	chunks    int
}

func NewRecorder(sink func(pcm []byte) error) *Recorder {
	return &Recorder{sink: sink}
}

func (r *Recorder) Begin(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return errors.New("audio: recorder has no sink")
	}
	r.recording = true
	r.chunks = 0
	return nil
}

func (r *Recorder) End(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	return nil
}

// Push forwards one chunk. Empty chunks are ignored.
func (r *Recorder) Push(pcm []byte) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	sink := r.sink
	r.chunks++
	r.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	return sink(pcm)
}

// Chunks reports how many chunks were pushed since Begin.
func (r *Recorder) Chunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}
