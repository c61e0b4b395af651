package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/duplexlabs/duplex-core/internal/generation"
	"github.com/duplexlabs/duplex-core/internal/output"
	"github.com/duplexlabs/duplex-core/internal/protocol"
	"github.com/duplexlabs/duplex-core/internal/stt"
	"github.com/duplexlabs/duplex-core/internal/tts"
	"github.com/duplexlabs/duplex-core/internal/vad"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel returns one scripted probability per window.
type scriptedModel struct {
	mu     sync.Mutex
	probs  []float64
	idx    int
	failAt int
}

func newScriptedModel() *scriptedModel { return &scriptedModel{failAt: -1} }

func (m *scriptedModel) feed(p float64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.probs = append(m.probs, p)
	}
}

func (m *scriptedModel) Infer([]float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt >= 0 && m.idx == m.failAt {
		m.idx++
		return 0, errors.New("scripted failure")
	}
	p := 0.0
	if m.idx < len(m.probs) {
		p = m.probs[m.idx]
	}
	m.idx++
	return p, nil
}

func (m *scriptedModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probs = nil
	m.idx = 0
	m.failAt = -1
}

func (m *scriptedModel) Close() error { return nil }

type fakeStream struct {
	mu      sync.Mutex
	sent    int
	results chan stt.Result
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan stt.Result, 16)}
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent++
	return nil
}

func (s *fakeStream) Results() <-chan stt.Result { return s.results }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *fakeStream) push(r stt.Result) { s.results <- r }

type fakeTranscriber struct {
	mu     sync.Mutex
	opens  int
	openFn func(call int) (stt.Stream, error)
}

func (t *fakeTranscriber) Open(context.Context, string) (stt.Stream, error) {
	t.mu.Lock()
	call := t.opens
	t.opens++
	fn := t.openFn
	t.mu.Unlock()
	return fn(call)
}

func (t *fakeTranscriber) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	prompts  []string
	started  []time.Time
	finished []time.Time
	fn       func(ctx context.Context, req generation.Request, consume func(generation.Chunk) error) error
}

func (g *fakeGenerator) Generate(ctx context.Context, req generation.Request, consume func(generation.Chunk) error) error {
	g.mu.Lock()
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)
	g.started = append(g.started, time.Now())
	g.mu.Unlock()

	err := g.fn(ctx, req, consume)

	g.mu.Lock()
	g.finished = append(g.finished, time.Now())
	g.mu.Unlock()
	return err
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// streamWords delivers text word by word with a small ctx-aware delay.
func streamWords(text string, delay time.Duration) func(context.Context, generation.Request, func(generation.Chunk) error) error {
	return func(ctx context.Context, req generation.Request, consume func(generation.Chunk) error) error {
		words := strings.Fields(text)
		for i, w := range words {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			chunk := w
			if i < len(words)-1 {
				chunk += " "
			}
			if err := consume(generation.Chunk{SessionID: req.SessionID, Content: chunk, Partial: true}); err != nil {
				return err
			}
		}
		return consume(generation.Chunk{SessionID: req.SessionID, Partial: false})
	}
}

type fakeSynth struct {
	mu   sync.Mutex
	reqs []tts.SynthRequest
	pcm  []byte
	fail error
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	pcm := f.pcm
	fail := f.fail
	f.mu.Unlock()

	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if fail != nil {
			errs <- fail
			return
		}
		select {
		case chunks <- tts.SynthChunk{SessionID: req.SessionID, UtteranceID: req.UtteranceID, PCM: pcm, Final: true}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

func (f *fakeSynth) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type countingSink struct {
	mu     sync.Mutex
	frames []output.Frame
}

func (s *countingSink) WriteFrame(f output.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (r *eventRecorder) record(ev protocol.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == protocol.EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *eventRecorder) sawState(name string) bool {
	for _, s := range r.states() {
		if s == name {
			return true
		}
	}
	return false
}

func (r *eventRecorder) firstError() (protocol.SessionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == protocol.EventError {
			return ev, true
		}
	}
	return protocol.SessionEvent{}, false
}

func (r *eventRecorder) finalAssistant() (protocol.SessionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == protocol.EventAssistantResponse && ev.IsFinal {
			return ev, true
		}
	}
	return protocol.SessionEvent{}, false
}

type fixture struct {
	orch   *Orchestrator
	model  *scriptedModel
	stream *fakeStream
	trans  *fakeTranscriber
	gen    *fakeGenerator
	synth  *fakeSynth
	sink   *countingSink
	sched  *output.Scheduler
	rec    *eventRecorder
}

func newFixture(t *testing.T, mutate func(*Options, *fixture)) *fixture {
	t.Helper()
	f := &fixture{
		model:  newScriptedModel(),
		stream: newFakeStream(),
		gen:    &fakeGenerator{},
		synth:  &fakeSynth{},
		sink:   &countingSink{},
		rec:    &eventRecorder{},
	}
	f.trans = &fakeTranscriber{openFn: func(int) (stt.Stream, error) { return f.stream, nil }}
	f.gen.fn = streamWords("Sure, the lights are on.", time.Millisecond)

	detector, err := vad.NewDetector(config.VADConfig{
		SampleRate:     16000,
		Threshold:      0.5,
		Margin:         0.15,
		MinSilenceMS:   64,
		ContextSamples: 64,
	}, f.model, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sched, err := output.NewScheduler(context.Background(), config.OutputConfig{
		FrameDurationMS: 5,
		QueueCapacity:   16,
		Underrun:        output.UnderrunPause,
	}, 16000, "sess-1", f.sink, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.sched = sched
	f.synth.pcm = make([]byte, sched.FrameBytes()*3)

	opts := Options{
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		Turn: config.TurnConfig{
			SilenceThresholdMS: 40,
			SegmentMaxWords:    4,
			Voice:              "test",
		},
		STT:         config.STTConfig{ReconnectMaxRetries: 2, ReconnectBaseMS: 5},
		Generation:  config.GenerationConfig{DefaultTier: "balanced"},
		Detector:    detector,
		Transcriber: f.trans,
		Generator:   f.gen,
		Synthesizer: f.synth,
		Scheduler:   sched,
		Emit:        f.rec.record,
		Logger:      newTestLogger(),
	}
	if mutate != nil {
		mutate(&opts, f)
	}

	orch, err := NewOrchestrator(context.Background(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.orch = orch
	if err := orch.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(orch.Stop)
	return f
}

func (f *fixture) feedWindows(t *testing.T, prob float64, n int) {
	t.Helper()
	f.model.feed(prob, n)
	chunk := make([]byte, n*512*audio.BytesPerSample)
	if err := f.orch.OnAudioChunk(chunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for o.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, still %s", want, o.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTurnLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	if f.orch.State() != StateListening {
		t.Fatalf("expected listening after start, got %s", f.orch.State())
	}

	f.feedWindows(t, 0.1, 3)
	if f.orch.State() != StateListening {
		t.Fatalf("silence must not change state, got %s", f.orch.State())
	}

	f.feedWindows(t, 0.9, 3)
	if f.orch.State() != StateListening {
		t.Fatalf("speech keeps the loop listening, got %s", f.orch.State())
	}

	f.feedWindows(t, 0.05, 2)
	if f.orch.State() != StateFinalizing {
		t.Fatalf("expected finalizing after end of speech, got %s", f.orch.State())
	}
	endOfSpeech := time.Now()

	f.stream.push(stt.Result{Text: "turn on the lights", Final: true})

	waitFor(t, "turn commit", func() bool { return f.rec.sawState("generating") })
	commitLatency := time.Since(endOfSpeech)
	if commitLatency < 35*time.Millisecond {
		t.Fatalf("turn committed before the silence threshold: %v", commitLatency)
	}

	waitFor(t, "turn completion", func() bool {
		return f.orch.Stats().TurnsCompleted == 1
	})
	waitState(t, f.orch, StateListening)

	if got := f.gen.callCount(); got != 1 {
		t.Fatalf("expected one generation, got %d", got)
	}
	f.gen.mu.Lock()
	prompt := f.gen.prompts[0]
	f.gen.mu.Unlock()
	if prompt != "turn on the lights" {
		t.Fatalf("unexpected prompt: %q", prompt)
	}
	if f.synth.requestCount() == 0 {
		t.Fatal("expected synthesis requests")
	}
	if f.sink.count() == 0 {
		t.Fatal("expected audio frames at the sink")
	}

	final, ok := f.rec.finalAssistant()
	if !ok {
		t.Fatal("expected a final assistant event")
	}
	if !strings.Contains(final.Text, "lights are on") {
		t.Fatalf("unexpected reply: %q", final.Text)
	}

	states := f.rec.states()
	want := []string{"listening", "finalizing", "generating", "speaking", "listening"}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("unexpected state sequence: %v", states)
	}
}

func TestBargeInCancelsResponseImmediately(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.gen.fn = streamWords(strings.Repeat("hello there friend. ", 40), 10*time.Millisecond)
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "tell me a story", Final: true})
	waitState(t, f.orch, StateSpeaking)

	f.feedWindows(t, 0.9, 1)
	if got := f.orch.State(); got != StateListening {
		t.Fatalf("barge-in must yield the floor synchronously, got %s", got)
	}
	if got := f.orch.Stats().BargeIns; got != 1 {
		t.Fatalf("expected one barge-in, got %d", got)
	}
	waitFor(t, "queue flush", func() bool { return f.sched.QueueLen() == 0 })

	waitFor(t, "cancelled generation to finish", func() bool {
		f.gen.mu.Lock()
		defer f.gen.mu.Unlock()
		return len(f.gen.finished) == 1
	})

	// once playback stops, nothing of the cancelled utterance reaches the sink
	time.Sleep(30 * time.Millisecond)
	settled := f.sink.count()
	time.Sleep(30 * time.Millisecond)
	if after := f.sink.count(); after != settled {
		t.Fatalf("cancelled utterance still playing: %d then %d frames", settled, after)
	}
}

func TestNewTurnWaitsForCancelledTask(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.gen.fn = streamWords(strings.Repeat("hello there friend. ", 40), 10*time.Millisecond)
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "first question", Final: true})
	waitState(t, f.orch, StateSpeaking)

	// interrupt and immediately run a second turn
	f.feedWindows(t, 0.9, 2)
	waitState(t, f.orch, StateListening)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "second question", Final: true})

	waitFor(t, "second generation", func() bool { return f.gen.callCount() == 2 })
	f.gen.mu.Lock()
	firstDone := f.gen.finished[0]
	secondStart := f.gen.started[1]
	f.gen.mu.Unlock()
	if secondStart.Before(firstDone) {
		t.Fatal("second turn started before the cancelled task finished tearing down")
	}
}

func TestGenerationFailureEmitsErrorAndListens(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.gen.fn = func(context.Context, generation.Request, func(generation.Chunk) error) error {
			return errors.New("upstream unavailable")
		}
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "hello", Final: true})

	waitFor(t, "error event", func() bool {
		_, ok := f.rec.firstError()
		return ok
	})
	waitState(t, f.orch, StateListening)

	ev, _ := f.rec.firstError()
	if !strings.Contains(ev.Error, "generation failed") {
		t.Fatalf("unexpected error event: %q", ev.Error)
	}
	if f.synth.requestCount() != 0 {
		t.Fatal("failed generation must not reach synthesis")
	}
	if f.orch.Stats().TurnsCompleted != 0 {
		t.Fatal("failed turn must not count as completed")
	}
}

func TestGenerationTimeout(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		opts.Turn.GenerationTimeoutMS = 50
		f.gen.fn = func(ctx context.Context, _ generation.Request, _ func(generation.Chunk) error) error {
			<-ctx.Done()
			return ctx.Err()
		}
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "hello", Final: true})

	waitFor(t, "timeout error event", func() bool {
		ev, ok := f.rec.firstError()
		return ok && strings.Contains(ev.Error, "timed out")
	})
	waitState(t, f.orch, StateListening)
}

func TestAccumulatedFinalsCommitAsOneTurn(t *testing.T) {
	f := newFixture(t, nil)

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "turn on", Final: true})
	f.stream.push(stt.Result{Text: "the kitchen lights", Final: true})

	waitFor(t, "turn completion", func() bool { return f.orch.Stats().TurnsCompleted == 1 })
	if got := f.gen.callCount(); got != 1 {
		t.Fatalf("expected a single generation for the accumulated turn, got %d", got)
	}
	f.gen.mu.Lock()
	prompt := f.gen.prompts[0]
	f.gen.mu.Unlock()
	if prompt != "turn on the kitchen lights" {
		t.Fatalf("unexpected prompt: %q", prompt)
	}
}

func TestResumedSpeechReopensTurn(t *testing.T) {
	f := newFixture(t, nil)

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	if f.orch.State() != StateFinalizing {
		t.Fatalf("expected finalizing, got %s", f.orch.State())
	}

	// user keeps talking before the silence threshold elapses
	f.feedWindows(t, 0.9, 2)
	if f.orch.State() != StateListening {
		t.Fatalf("resumed speech must reopen the turn, got %s", f.orch.State())
	}

	time.Sleep(60 * time.Millisecond)
	if got := f.gen.callCount(); got != 0 {
		t.Fatalf("no turn should commit while the user is speaking, got %d generations", got)
	}
}

func TestInferenceFailureIsFatalUntilReset(t *testing.T) {
	f := newFixture(t, nil)

	f.model.failAt = 0
	err := f.orch.OnAudioChunk(make([]byte, 512*audio.BytesPerSample))
	if !errors.Is(err, vad.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if f.orch.State() != StateIdle {
		t.Fatalf("expected idle after fatal error, got %s", f.orch.State())
	}
	if _, ok := f.rec.firstError(); !ok {
		t.Fatal("expected an error event")
	}

	before := f.orch.Stats().AudioChunks
	if err := f.orch.OnAudioChunk(make([]byte, 512*audio.BytesPerSample)); err != nil {
		t.Fatalf("audio while idle should be dropped silently, got %v", err)
	}
	if f.orch.Stats().AudioChunks != before {
		t.Fatal("audio must be ignored while idle")
	}

	f.orch.Reset()
	if f.orch.State() != StateListening {
		t.Fatalf("expected listening after reset, got %s", f.orch.State())
	}
	f.feedWindows(t, 0.9, 1)
	if f.orch.Stats().SpeechStarts != 1 {
		t.Fatal("detector must work again after reset")
	}
}

func TestMalformedChunkIsSkipped(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.orch.OnAudioChunk([]byte{0x01}); err != nil {
		t.Fatalf("malformed chunk must be skipped, got %v", err)
	}
	if got := f.orch.Stats().SkippedChunks; got != 1 {
		t.Fatalf("expected one skipped chunk, got %d", got)
	}
	if f.orch.State() != StateListening {
		t.Fatalf("skip must not change state, got %s", f.orch.State())
	}
}

func TestSttReconnectRecovers(t *testing.T) {
	second := newFakeStream()
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.trans.openFn = func(call int) (stt.Stream, error) {
			if call == 0 {
				return f.stream, nil
			}
			return second, nil
		}
	})

	_ = f.stream.Close()
	waitFor(t, "reconnect", func() bool { return f.trans.openCount() == 2 })
	waitFor(t, "reconnect counter", func() bool { return f.orch.Stats().STTReconnects == 1 })

	// the replacement stream carries the session from here
	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	second.push(stt.Result{Text: "still here", Final: true})
	waitFor(t, "turn completion", func() bool { return f.orch.Stats().TurnsCompleted == 1 })
}

func TestSttReconnectExhaustionParksIdle(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.trans.openFn = func(call int) (stt.Stream, error) {
			if call == 0 {
				return f.stream, nil
			}
			return nil, errors.New("recognizer down")
		}
	})

	_ = f.stream.Close()
	waitState(t, f.orch, StateIdle)

	ev, ok := f.rec.firstError()
	if !ok {
		t.Fatal("expected an error event")
	}
	if !strings.Contains(ev.Error, "speech recognition unavailable") {
		t.Fatalf("unexpected error event: %q", ev.Error)
	}
}

func TestInterruptCommandStopsSpeaking(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.gen.fn = streamWords(strings.Repeat("hello there friend. ", 40), 10*time.Millisecond)
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "talk to me", Final: true})
	waitState(t, f.orch, StateSpeaking)

	f.orch.Interrupt()
	if got := f.orch.State(); got != StateListening {
		t.Fatalf("expected listening after interrupt, got %s", got)
	}
	if f.orch.Stats().BargeIns != 1 {
		t.Fatal("interrupt should count as a barge-in")
	}
}

func TestSynthesisFailureKeepsTextReply(t *testing.T) {
	f := newFixture(t, func(opts *Options, f *fixture) {
		f.synth.fail = errors.New("voice model crashed")
	})

	f.feedWindows(t, 0.9, 2)
	f.feedWindows(t, 0.05, 2)
	f.stream.push(stt.Result{Text: "hello", Final: true})

	waitFor(t, "turn completion", func() bool { return f.orch.Stats().TurnsCompleted == 1 })
	if _, ok := f.rec.finalAssistant(); !ok {
		t.Fatal("expected the reply to complete as text")
	}
	if f.orch.Stats().TTSFailures == 0 {
		t.Fatal("expected a recorded synthesis failure")
	}
	if f.sink.count() != 0 {
		t.Fatal("no audio should play when synthesis fails")
	}
}
