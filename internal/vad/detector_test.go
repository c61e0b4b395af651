package vad

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptModel returns a scripted probability per window and records what the
// detector fed it.
type scriptModel struct {
	probs  []float64
	calls  [][]float32
	resets int
	failAt int // call index that errors, -1 for never
}

func newScriptModel(probs ...float64) *scriptModel {
	return &scriptModel{probs: probs, failAt: -1}
}

func (m *scriptModel) Infer(window []float32) (float64, error) {
	idx := len(m.calls)
	copied := append([]float32(nil), window...)
	m.calls = append(m.calls, copied)
	if m.failAt >= 0 && idx == m.failAt {
		return 0, errors.New("scripted failure")
	}
	if idx < len(m.probs) {
		return m.probs[idx], nil
	}
	return 0, nil
}

func (m *scriptModel) Reset()       { m.resets++ }
func (m *scriptModel) Close() error { return nil }

func testConfig() config.VADConfig {
	return config.VADConfig{
		SampleRate:     16000,
		Threshold:      0.5,
		Margin:         0.15,
		MinSilenceMS:   64, // two 512-sample windows at 16 kHz
		ContextSamples: 64,
		Model:          "energy",
	}
}

func windowBytes(n int) []byte {
	return make([]byte, n*512*audio.BytesPerSample)
}

func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func mustDetector(t *testing.T, cfg config.VADConfig, model Model) *Detector {
	t.Helper()
	d, err := NewDetector(cfg, model, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

func TestSilenceNeverTriggersSpeechStart(t *testing.T) {
	model := newScriptModel(repeat(0.1, 50)...)
	d := mustDetector(t, testConfig(), model)

	events, err := d.Process(windowBytes(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for sub-threshold probabilities, got %v", events)
	}
	if d.Triggered() {
		t.Fatal("detector must not trigger on silence")
	}
}

func TestSingleUtteranceEmitsStartThenEnd(t *testing.T) {
	probs := append(repeat(0.9, 5), repeat(0.05, 6)...)
	model := newScriptModel(probs...)
	d := mustDetector(t, testConfig(), model)

	events, err := d.Process(windowBytes(len(probs)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 events, got %d: %v", len(events), events)
	}
	if events[0].Type != SpeechStart {
		t.Fatalf("expected speech_start first, got %s", events[0].Type)
	}
	if events[1].Type != SpeechEnd {
		t.Fatalf("expected speech_end second, got %s", events[1].Type)
	}
	if events[0].Probability < 0.5 {
		t.Fatalf("speech_start should carry the triggering probability, got %f", events[0].Probability)
	}
}

func TestSilenceRunLengthIsEnforced(t *testing.T) {
	// one sub-threshold window is not enough at MinSilenceMS=64 (2 windows)
	probs := []float64{0.9, 0.05, 0.9, 0.05, 0.05}
	model := newScriptModel(probs...)
	d := mustDetector(t, testConfig(), model)

	events, err := d.Process(windowBytes(len(probs)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected start and end only, got %v", events)
	}
	if events[1].Type != SpeechEnd {
		t.Fatalf("expected trailing speech_end, got %s", events[1].Type)
	}
}

func TestHysteresisBandHoldsTrigger(t *testing.T) {
	// 0.4 sits between threshold-margin (0.35) and threshold (0.5):
	// it must neither end the utterance nor advance the silence run.
	probs := append([]float64{0.9}, repeat(0.4, 10)...)
	model := newScriptModel(probs...)
	d := mustDetector(t, testConfig(), model)

	events, err := d.Process(windowBytes(len(probs)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Type != SpeechStart {
		t.Fatalf("expected only speech_start, got %v", events)
	}
	if !d.Triggered() {
		t.Fatal("trigger must survive hysteresis-band probabilities")
	}
}

func TestSpeechResumeClearsSilenceRun(t *testing.T) {
	// silence run of one window, then speech again: the run restarts, so a
	// single later silence window must not end the utterance.
	probs := []float64{0.9, 0.1, 0.9, 0.1}
	model := newScriptModel(probs...)
	d := mustDetector(t, testConfig(), model)

	events, err := d.Process(windowBytes(len(probs)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Type != SpeechStart {
		t.Fatalf("expected only speech_start, got %v", events)
	}
}

func TestWindowingIsExact(t *testing.T) {
	model := newScriptModel(repeat(0.1, 10)...)
	d := mustDetector(t, testConfig(), model)

	// 700 samples: one full window consumed, 188 carried over
	if _, err := d.Process(make([]byte, 700*audio.BytesPerSample)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(model.calls) != 1 {
		t.Fatalf("expected 1 inference, got %d", len(model.calls))
	}
	// 324 more completes the second window exactly
	if _, err := d.Process(make([]byte, 324*audio.BytesPerSample)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(model.calls) != 2 {
		t.Fatalf("expected 2 inferences, got %d", len(model.calls))
	}
	for i, call := range model.calls {
		if len(call) != 64+512 {
			t.Fatalf("call %d: expected context+window input of 576 samples, got %d", i, len(call))
		}
	}
}

func TestContextTailIsCarried(t *testing.T) {
	model := newScriptModel(repeat(0.1, 4)...)
	d := mustDetector(t, testConfig(), model)

	samples := make([]float32, 1024)
	for i := range samples {
		samples[i] = float32(i%100) / 200.0
	}
	if _, err := d.Process(audio.EncodePCM16(samples)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(model.calls) != 2 {
		t.Fatalf("expected 2 inferences, got %d", len(model.calls))
	}
	// first call starts from a zero context
	for i, v := range model.calls[0][:64] {
		if v != 0 {
			t.Fatalf("expected zero initial context at %d, got %f", i, v)
		}
	}
	// second call's context prefix is the first window's trailing samples
	firstWindow := model.calls[0][64:]
	tail := firstWindow[512-64:]
	for i := range tail {
		if model.calls[1][i] != tail[i] {
			t.Fatalf("context sample %d not carried: want %f, got %f", i, tail[i], model.calls[1][i])
		}
	}
}

func TestInferenceFailureIsFatalUntilReset(t *testing.T) {
	model := newScriptModel(repeat(0.9, 10)...)
	model.failAt = 0
	d := mustDetector(t, testConfig(), model)

	_, err := d.Process(windowBytes(1))
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	calls := len(model.calls)

	// further audio is refused without touching the model
	_, err = d.Process(windowBytes(1))
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference on second call, got %v", err)
	}
	if len(model.calls) != calls {
		t.Fatalf("model must not be consulted while failed")
	}

	d.Reset()
	if model.resets != 1 {
		t.Fatalf("expected model reset, got %d", model.resets)
	}
	model.failAt = -1
	if _, err := d.Process(windowBytes(1)); err != nil {
		t.Fatalf("expected recovery after reset, got %v", err)
	}
}

func TestMalformedChunkIsNotFatal(t *testing.T) {
	model := newScriptModel(repeat(0.9, 2)...)
	d := mustDetector(t, testConfig(), model)

	if _, err := d.Process([]byte{0x01}); !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("expected ErrOddLength, got %v", err)
	}
	// detector still accepts well-formed audio afterwards
	events, err := d.Process(windowBytes(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Type != SpeechStart {
		t.Fatalf("expected speech_start after recovery, got %v", events)
	}
}

func TestResetClearsTriggerAndBuffer(t *testing.T) {
	model := newScriptModel(repeat(0.9, 4)...)
	d := mustDetector(t, testConfig(), model)

	if _, err := d.Process(windowBytes(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Triggered() {
		t.Fatal("expected trigger")
	}
	d.Reset()
	if d.Triggered() {
		t.Fatal("expected trigger cleared after reset")
	}
}

func TestEightKilohertzWindowSize(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 8000
	model := newScriptModel(repeat(0.1, 2)...)
	d := mustDetector(t, cfg, model)

	if d.WindowSize() != 256 {
		t.Fatalf("expected 256-sample windows at 8 kHz, got %d", d.WindowSize())
	}
	if _, err := d.Process(make([]byte, 256*audio.BytesPerSample)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(model.calls) != 1 {
		t.Fatalf("expected 1 inference, got %d", len(model.calls))
	}
}

func TestUnsupportedRateRejected(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 44100
	if _, err := NewDetector(cfg, newScriptModel(), newTestLogger()); err == nil {
		t.Fatal("expected error for unsupported sample rate")
	}
}
