package synth

import (
	"fmt"

	"github.com/narravox/narravox-core/internal/config"
)

// New builds the configured engine.
func New(cfg config.SynthesisConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}
