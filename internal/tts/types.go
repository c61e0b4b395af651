// Package tts bridges streaming text-to-speech backends. Replies are
// synthesized one segment at a time; audio comes back as ordered PCM chunks
// tagged with the utterance they belong to.
package tts

import (
	"context"
	"fmt"

	"github.com/duplexlabs/duplex-core/internal/config"
)

// SynthRequest contains parameters to synthesize one reply segment.
type SynthRequest struct {
	SessionID   string
	UtteranceID string
	Text        string
	Voice       string
}

// SynthChunk contains PCM data. Chunks for a request stream in order; the
// last one has Final set.
type SynthChunk struct {
	SessionID   string
	UtteranceID string
	Sequence    int
	SampleRate  int
	Channels    int
	PCM         []byte
	Final       bool
}

// Synthesizer is the contract for producing audio. Implementations close
// both channels once the request completes or is abandoned.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewFromConfig builds the configured backend. The pipeline is mono
// throughout, so channels are fixed at one.
func NewFromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, 1), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, 1)
	default:
		return nil, fmt.Errorf("unsupported tts mode: %s", cfg.Mode)
	}
}
