package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrPlayerClosed = errors.New("audio: player closed")

// TrackOffset identifies the sample position reached in a playing track.
type TrackOffset struct {
	TrackID string `json:"track_id"`
	Offset  int    `json:"offset"`
}

type segment struct {
	trackID string
	start   int64
	samples int64
}

// StreamPlayer schedules PCM16 chunks on a wall-clock timeline so that the
// playing track and its sample offset can be reported at any instant. Chunks
// are handed to the output callback as they are queued.
type StreamPlayer struct {
	mu         sync.Mutex
	sampleRate int
	now        func() time.Time
	output     func(trackID string, pcm []byte)

	connected   bool
	origin      time.Time
	cursor      int64
	queue       []segment
	played      map[string]int64
	interrupted map[string]struct{}
}

// NewStreamPlayer returns a player for mono PCM16 at sampleRate. output may
// be nil.
func NewStreamPlayer(sampleRate int, output func(trackID string, pcm []byte)) *StreamPlayer {
	if sampleRate <= 0 {
		sampleRate = defaultWAVRate
	}
	return &StreamPlayer{
		sampleRate: sampleRate,
		now:        time.Now,
		output:     output,
	}
}

func (p *StreamPlayer) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.origin = p.now()
	p.cursor = 0
	p.queue = nil
	p.played = make(map[string]int64)
	p.interrupted = make(map[string]struct{})
	return nil
}

// Add16BitPCM queues a chunk for trackID. Chunks for an interrupted track are
// dropped.
func (p *StreamPlayer) Add16BitPCM(pcm []byte, trackID string) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	if _, skip := p.interrupted[trackID]; skip {
		p.mu.Unlock()
		return nil
	}
	samples := int64(len(pcm) / bytesPerSample)
	if samples == 0 {
		p.mu.Unlock()
		return nil
	}
	now := p.nowSampleLocked()
	p.settleLocked(now)
	if p.cursor < now {
		p.cursor = now
	}
	p.queue = append(p.queue, segment{trackID: trackID, start: p.cursor, samples: samples})
	p.cursor += samples
	output := p.output
	p.mu.Unlock()

	if output != nil {
		output(trackID, pcm)
	}
	return nil
}

// Interrupt stops playback. It reports the track that was audible and how
// many of its samples had played; ok is false when nothing was playing.
func (p *StreamPlayer) Interrupt() (TrackOffset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return TrackOffset{}, false
	}

	now := p.nowSampleLocked()
	p.settleLocked(now)

	var (
		current string
		found   bool
	)
	for _, seg := range p.queue {
		if seg.start <= now && now < seg.start+seg.samples {
			current, found = seg.trackID, true
			break
		}
	}
	if !found {
		p.queue = nil
		p.cursor = now
		return TrackOffset{}, false
	}

	offset := p.played[current]
	for _, seg := range p.queue {
		if seg.trackID != current || seg.start >= now {
			continue
		}
		offset += min(now-seg.start, seg.samples)
	}
	for _, seg := range p.queue {
		p.interrupted[seg.trackID] = struct{}{}
	}
	p.queue = nil
	p.cursor = now
	return TrackOffset{TrackID: current, Offset: int(offset)}, true
}

func (p *StreamPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.queue = nil
	return nil
}

func (p *StreamPlayer) SampleRate() int { return p.sampleRate }

func (p *StreamPlayer) nowSampleLocked() int64 {
	elapsed := p.now().Sub(p.origin)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed) * int64(p.sampleRate) / int64(time.Second)
}

// settleLocked folds fully played segments into the per-track counters.
func (p *StreamPlayer) settleLocked(now int64) {
	keep := p.queue[:0]
	for _, seg := range p.queue {
		if seg.start+seg.samples <= now {
			p.played[seg.trackID] += seg.samples
			continue
		}
		keep = append(keep, seg)
	}
	p.queue = keep
}
