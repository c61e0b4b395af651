package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
)

// mockSpeechFloor is the RMS level above which the mock treats a chunk as
// speech. Well below any real voice, well above line noise.
const mockSpeechFloor = 0.01

type mockTranscriber struct {
	interval time.Duration
}

// NewMockTranscriber returns a deterministic transcriber for development and
// tests. It emits a partial hypothesis on a fixed cadence while speech-level
// audio keeps arriving and a final one once the audio falls quiet.
func NewMockTranscriber(cfg config.STTConfig, _ int) Transcriber {
	interval := time.Duration(cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	return &mockTranscriber{interval: interval}
}

func (t *mockTranscriber) Open(_ context.Context, _ string) (Stream, error) {
	s := &mockStream{
		interval: t.interval,
		results:  make(chan Result, 16),
		done:     make(chan struct{}),
		runDone:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type mockStream struct {
	interval time.Duration
	results  chan Result
	done     chan struct{}
	runDone  chan struct{}

	mu        sync.Mutex
	closed    bool
	speaking  bool
	quiet     bool
	bytes     int
	lastCount int
}

func (s *mockStream) Send(pcm []byte) error {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return fmt.Errorf("mock stt input: %w", err)
	}
	level := audio.RMS(samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if level > mockSpeechFloor {
		s.speaking = true
		s.quiet = false
	} else {
		s.quiet = true
	}
	if s.speaking {
		s.bytes += len(pcm)
	}
	return nil
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	<-s.runDone
	return nil
}

// run owns the results channel: it is the only sender and the only closer,
// so teardown cannot race an in-flight hypothesis.
func (s *mockStream) run() {
	defer close(s.runDone)
	defer close(s.results)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			pending := s.speaking && s.bytes > 0
			count := s.bytes
			s.mu.Unlock()
			if pending {
				s.emit(finalResult(count))
			}
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		var r Result
		ok := false
		switch {
		case !s.speaking:
		case s.quiet:
			r = finalResult(s.bytes)
			ok = true
			s.speaking = false
			s.bytes = 0
			s.lastCount = 0
		case s.bytes > s.lastCount:
			r = Result{Text: fmt.Sprintf("[partial transcript length=%d]", s.bytes)}
			ok = true
			s.lastCount = s.bytes
		}
		s.mu.Unlock()

		if ok {
			s.emit(r)
		}
	}
}

// emit drops on a full channel rather than stall the cadence goroutine.
func (s *mockStream) emit(r Result) {
	select {
	case s.results <- r:
	default:
	}
}

func finalResult(count int) Result {
	return Result{
		Text:  fmt.Sprintf("[final transcript length=%d]", count),
		Final: true,
	}
}
