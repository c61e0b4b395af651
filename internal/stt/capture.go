package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// captureTranscriber tees every stream's inbound PCM into a WAV file under
// the capture directory, one file per opened stream.
type captureTranscriber struct {
	inner Transcriber
	dir   string
	rate  int
}

func newCaptureTranscriber(inner Transcriber, dir string, rate int) Transcriber {
	return &captureTranscriber{inner: inner, dir: dir, rate: rate}
}

func (t *captureTranscriber) Open(ctx context.Context, sessionID string) (Stream, error) {
	inner, err := t.inner.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	name := filepath.Join(t.dir, fmt.Sprintf("%s-%d.wav", sessionID, time.Now().UnixMilli()))
	file, err := os.Create(name)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &captureStream{
		inner: inner,
		file:  file,
		enc:   wav.NewEncoder(file, t.rate, 16, 1, 1),
		rate:  t.rate,
	}, nil
}

type captureStream struct {
	inner Stream
	file  *os.File
	enc   *wav.Encoder
	rate  int

	mu   sync.Mutex
	done bool
}

func (s *captureStream) Send(pcm []byte) error {
	s.write(pcm)
	return s.inner.Send(pcm)
}

// write is best effort: a failed tee must not take down the stream, so the
// capture is disabled on the first error instead.
func (s *captureStream) write(pcm []byte) {
	if len(pcm)%2 != 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: s.rate},
		Data:   samples,
	}
	if err := s.enc.Write(buffer); err != nil {
		s.done = true
	}
}

func (s *captureStream) Results() <-chan Result { return s.inner.Results() }

func (s *captureStream) Close() error {
	err := s.inner.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		if cerr := s.enc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close capture wav: %w", cerr)
		}
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
