// Package vad turns raw PCM into discrete speech_start/speech_end events.
//
// A Detector owns the fixed-size windowing and the hysteresis state machine;
// the probability itself comes from a pluggable Model. Detectors and models
// are built per session, never shared.
package vad

import (
	"fmt"

	"github.com/duplexlabs/duplex-core/internal/config"
)

// Model scores audio windows for speech probability.
//
// Infer receives the carried context prefix followed by exactly one fresh
// window of normalized samples and returns a probability in [0, 1]. Reset
// clears any recurrent state at session boundaries or after a fatal
// inference error. Implementations are not safe for concurrent use; each
// session gets its own instance.
type Model interface {
	Infer(window []float32) (float64, error)
	Reset()
	Close() error
}

// NewModel builds the configured model backend. Call once per session.
func NewModel(cfg config.VADConfig) (Model, error) {
	switch cfg.Model {
	case "energy":
		return NewEnergyModel(cfg.EnergyGain), nil
	case "exec":
		return NewExecModel(cfg.Command, cfg.SampleRate)
	default:
		return nil, fmt.Errorf("unknown vad model %q", cfg.Model)
	}
}
