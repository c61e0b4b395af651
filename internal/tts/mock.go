package tts

import (
	"context"
	"strings"
	"time"

	"github.com/duplexlabs/duplex-core/internal/audio"
)

// mockWordDuration is the audio length the mock voice speaks per word, a
// multiple of the 20ms frame size at any supported rate.
const mockWordDuration = 60 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that speaks silence: one zero-PCM chunk
// per word of input, so pacing and barge-in behave as with a real voice.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		pcm := audio.Silence(m.sampleRate, mockWordDuration)
		for i := 0; i < words; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(5 * time.Millisecond):
			}
			chunk := SynthChunk{
				SessionID:   req.SessionID,
				UtteranceID: req.UtteranceID,
				Sequence:    i,
				SampleRate:  m.sampleRate,
				Channels:    m.channels,
				PCM:         pcm,
				Final:       i == words-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
