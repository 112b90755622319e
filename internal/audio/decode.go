package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyAudio = errors.New("audio: no samples")

// File is a decoded, playable audio clip.
type File struct {
	WAV        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
}

// Decode converts raw PCM16LE mono at sourceRate into a WAV clip at
// targetRate, resampling linearly when the rates differ.
func Decode(pcm []byte, sourceRate, targetRate int) (*File, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d -> %d", sourceRate, targetRate)
	}
	if len(pcm) < bytesPerSample {
		return nil, ErrEmptyAudio
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, fmt.Errorf("audio: odd pcm16 length %d", len(pcm))
	}

	out := pcm
	if sourceRate != targetRate {
		out = resamplePCM16(pcm, sourceRate, targetRate)
	}
	wav, err := EncodeWAVPCM16LE(out, targetRate)
	if err != nil {
		return nil, err
	}
	samples := len(out) / bytesPerSample
	return &File{
		WAV:        wav,
		SampleRate: targetRate,
		Samples:    samples,
		Duration:   time.Duration(samples) * time.Second / time.Duration(targetRate),
	}, nil
}

// Resample converts PCM16LE mono between sample rates. The input is returned
// unchanged when the rates match.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < bytesPerSample {
		return pcm
	}
	return resamplePCM16(pcm[:len(pcm)/bytesPerSample*bytesPerSample], from, to)
}

func resamplePCM16(pcm []byte, from, to int) []byte {
	in := len(pcm) / bytesPerSample
	n := int(int64(in) * int64(to) / int64(from))
	if n < 1 {
		n = 1
	}
	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, n*bytesPerSample)
	ratio := float64(from) / float64(to)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		lo := int(pos)
		frac := pos - float64(lo)
		v := sample(lo)*(1-frac) + sample(lo+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
