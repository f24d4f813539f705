package synth

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// mockSynth produces deterministic placeholder audio. Clip length scales
// with text length and the waveform is seeded from the text, so two
// different segments never produce identical bytes.
type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// NewSlowMockSynth adds a fixed per-request delay, used to exercise
// timeouts and cancellation.
func NewSlowMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, Transient(ctx.Err())
		case <-time.After(m.delay):
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, Transient(err)
	}

	runes := utf8.RuneCountInString(req.Text)
	ms := int64(runes) * 30
	if ms < 100 {
		ms = 100
	}
	samples := int(ms) * m.sampleRate / 1000
	pcm := make([]byte, samples*m.channels*2)

	seed := xxhash.Sum64String(req.Text)
	for i := range pcm {
		seed = seed*6364136223846793005 + 1442695040888963407
		pcm[i] = byte(seed >> 33)
	}

	return Result{
		PCM:        pcm,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		DurationMS: durationMS(len(pcm), m.sampleRate, m.channels),
	}, nil
}
