package stt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
)

func loudChunk(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodePCM16(samples)
}

func silentChunk(n int) []byte {
	return make([]byte, n*audio.BytesPerSample)
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r, ok := <-results:
		if !ok {
			t.Fatal("results channel closed unexpectedly")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

func TestMockStreamEmitsPartialThenFinal(t *testing.T) {
	tr := NewMockTranscriber(config.STTConfig{Mode: "mock", PartialEveryMS: 10}, 16000)
	stream, err := tr.Open(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	if err := stream.Send(loudChunk(320)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	partial := waitResult(t, stream.Results())
	if partial.Final {
		t.Fatalf("expected partial first, got final: %+v", partial)
	}
	if !strings.HasPrefix(partial.Text, "[partial transcript") {
		t.Fatalf("unexpected partial text: %q", partial.Text)
	}

	if err := stream.Send(silentChunk(320)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for {
		r := waitResult(t, stream.Results())
		if r.Final {
			if !strings.HasPrefix(r.Text, "[final transcript") {
				t.Fatalf("unexpected final text: %q", r.Text)
			}
			return
		}
	}
}

func TestMockStreamCloseFlushesFinal(t *testing.T) {
	// cadence far in the future so only Close can produce output
	tr := NewMockTranscriber(config.STTConfig{Mode: "mock", PartialEveryMS: 60000}, 16000)
	stream, err := tr.Open(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := stream.Send(loudChunk(320)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, ok := <-stream.Results()
	if !ok {
		t.Fatal("expected a flushed final before close")
	}
	if !r.Final {
		t.Fatalf("expected final, got %+v", r)
	}
	if _, ok := <-stream.Results(); ok {
		t.Fatal("expected channel closed after flush")
	}
}

func TestMockStreamIgnoresPureSilence(t *testing.T) {
	tr := NewMockTranscriber(config.STTConfig{Mode: "mock", PartialEveryMS: 10}, 16000)
	stream, err := tr.Open(context.Background(), "sess-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := stream.Send(silentChunk(320)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	select {
	case r := <-stream.Results():
		t.Fatalf("expected no hypotheses for silence, got %+v", r)
	case <-time.After(60 * time.Millisecond):
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := <-stream.Results(); ok {
		t.Fatal("expected clean close without a final")
	}
}

func TestMockStreamRejectsMisalignedAudio(t *testing.T) {
	tr := NewMockTranscriber(config.STTConfig{Mode: "mock", PartialEveryMS: 10}, 16000)
	stream, err := tr.Open(context.Background(), "sess-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	if err := stream.Send([]byte{0x01}); err == nil {
		t.Fatal("expected error for odd-length payload")
	}
}

func TestCaptureTeeWritesWav(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewFromConfig(config.STTConfig{Mode: "mock", PartialEveryMS: 60000, CaptureDir: dir}, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := tr.Open(context.Background(), "sess-5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := stream.Send(loudChunk(320)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sess-5-*.wav"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one capture file, got %v", matches)
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 44-byte header plus three 640-byte frames
	if info.Size() <= 44 {
		t.Fatalf("capture file too small: %d bytes", info.Size())
	}
}

func TestNewFromConfigRejectsUnknownMode(t *testing.T) {
	if _, err := NewFromConfig(config.STTConfig{Mode: "grpc"}, 16000); err == nil {
		t.Fatal("expected error for unsupported mode")
	}
}

func TestNewExecTranscriberValidatesCommand(t *testing.T) {
	if _, err := NewExecTranscriber(config.STTConfig{Mode: "exec", Command: ""}, 16000); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecTranscriber(config.STTConfig{Mode: "exec", Command: "recognizer 'unterminated"}, 16000); err == nil {
		t.Fatal("expected error for unparsable command")
	}
}
