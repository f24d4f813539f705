// Package synth abstracts the text-to-speech engine behind a narrow
// contract so the pipeline can run against a mock engine or an external
// process.
package synth

import (
	"context"

	"github.com/narravox/narravox-core/internal/book"
)

// Request contains parameters to synthesize one segment.
type Request struct {
	JobID        string
	SegmentIndex int
	Text         string
	Voice        book.VoiceParams
}

// Result is a complete synthesized clip of 16-bit little-endian PCM.
type Result struct {
	PCM        []byte
	SampleRate int
	Channels   int
	DurationMS int64
}

// Synthesizer is the contract for producing audio. Implementations must
// honor ctx cancellation and are safe for concurrent use unless documented
// otherwise.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// durationMS derives clip length from raw sample count.
func durationMS(pcmLen, sampleRate, channels int) int64 {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := pcmLen / (2 * channels)
	return int64(samples) * 1000 / int64(sampleRate)
}
