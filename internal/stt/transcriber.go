// Package stt bridges streaming speech-to-text backends. A Transcriber opens
// one Stream per session; audio is pushed in as raw PCM16 chunks and
// hypotheses come back asynchronously until the stream is closed.
package stt

import (
	"context"
	"fmt"

	"github.com/duplexlabs/duplex-core/internal/config"
)

// Result is one recognizer hypothesis for the current utterance. Partial
// results may be revised; a final result closes the utterance on the
// recognizer side.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Stream is a live recognition session. Send must not block on recognition
// work; hypotheses arrive on Results until the channel is closed. A closed
// Results channel means the stream is gone and has to be reopened.
type Stream interface {
	Send(pcm []byte) error
	Results() <-chan Result
	Close() error
}

// Transcriber abstracts streaming STT backends.
type Transcriber interface {
	Open(ctx context.Context, sessionID string) (Stream, error)
}

// NewFromConfig builds the configured backend, wrapped with a WAV capture
// tee when a capture directory is set.
func NewFromConfig(cfg config.STTConfig, sampleRate int) (Transcriber, error) {
	var (
		t   Transcriber
		err error
	)
	switch cfg.Mode {
	case "mock":
		t = NewMockTranscriber(cfg, sampleRate)
	case "exec":
		t, err = NewExecTranscriber(cfg, sampleRate)
	default:
		return nil, fmt.Errorf("unsupported stt mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CaptureDir != "" {
		t = newCaptureTranscriber(t, cfg.CaptureDir, sampleRate)
	}
	return t, nil
}
