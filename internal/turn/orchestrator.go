package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/duplexlabs/duplex-core/internal/generation"
	"github.com/duplexlabs/duplex-core/internal/output"
	"github.com/duplexlabs/duplex-core/internal/protocol"
	"github.com/duplexlabs/duplex-core/internal/stt"
	"github.com/duplexlabs/duplex-core/internal/tts"
	"github.com/duplexlabs/duplex-core/internal/vad"
)

// Options wires one session's orchestrator to its bridges.
type Options struct {
	SessionID      string
	ConversationID string
	Turn           config.TurnConfig
	STT            config.STTConfig
	Generation     config.GenerationConfig
	Detector       *vad.Detector
	Transcriber    stt.Transcriber
	Generator      generation.Generator
	Synthesizer    tts.Synthesizer
	Scheduler      *output.Scheduler

	// Emit receives session events. It is called outside the orchestrator
	// lock but must still return quickly; slow consumers buffer or drop.
	Emit   func(protocol.SessionEvent)
	Logger *slog.Logger
	Clock  func() time.Time
}

// Stats counts what the loop has seen, for the debug surface.
type Stats struct {
	AudioChunks    uint64
	SkippedChunks  uint64
	SpeechStarts   uint64
	SpeechEnds     uint64
	Transcripts    uint64
	DroppedFinals  uint64
	BargeIns       uint64
	TurnsCompleted uint64
	TTSFailures    uint64
	STTReconnects  uint64
}

type generationTask struct {
	id      string
	prompt  string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Orchestrator drives the conversation loop of one session.
//
// OnAudioChunk, Interrupt, and Reset must be called from the session's single
// ingress goroutine; everything else is safe from any goroutine. Audio
// handling never waits on generation or synthesis, which keeps the barge-in
// path inside one detector window.
type Orchestrator struct {
	opts  Options
	log   *slog.Logger
	clock func() time.Time

	silenceThreshold time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	stream        stt.Stream
	transcript    []string
	pendingFinal  bool
	speechActive  bool
	lastSilenceAt time.Time
	finalizeTimer *time.Timer
	task          *generationTask
	stats         Stats

	attrs       metric.MeasurementOption
	bargeIns    metric.Int64Counter
	turnsDone   metric.Int64Counter
	finalizeLat metric.Float64Histogram
	firstAudio  metric.Float64Histogram
}

func NewOrchestrator(parent context.Context, opts Options) (*Orchestrator, error) {
	if opts.SessionID == "" {
		return nil, errors.New("orchestrator requires a session id")
	}
	if opts.Detector == nil || opts.Transcriber == nil || opts.Generator == nil ||
		opts.Synthesizer == nil || opts.Scheduler == nil {
		return nil, errors.New("orchestrator requires detector, transcriber, generator, synthesizer, and scheduler")
	}
	if opts.Logger == nil {
		return nil, errors.New("orchestrator requires a logger")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := time.Duration(opts.Turn.SilenceThresholdMS) * time.Millisecond
	if threshold <= 0 {
		threshold = 700 * time.Millisecond
	}

	meter := otel.Meter("duplex.turn")
	bargeIns, err := meter.Int64Counter("duplex.turn.barge_ins",
		metric.WithDescription("Responses cancelled because the user spoke over them"))
	if err != nil {
		return nil, err
	}
	turnsDone, err := meter.Int64Counter("duplex.turn.completed",
		metric.WithDescription("Turns that played a full response"))
	if err != nil {
		return nil, err
	}
	finalizeLat, err := meter.Float64Histogram("duplex.turn.finalize_latency_ms",
		metric.WithDescription("Time from end of speech to turn commit"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	firstAudio, err := meter.Float64Histogram("duplex.turn.first_audio_ms",
		metric.WithDescription("Time from turn commit to the first response frame"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	return &Orchestrator{
		opts:             opts,
		log:              opts.Logger.With(slog.String("component", "turn"), slog.String("session_id", opts.SessionID)),
		clock:            clock,
		silenceThreshold: threshold,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateIdle,
		attrs:            metric.WithAttributes(attribute.String("session.id", opts.SessionID)),
		bargeIns:         bargeIns,
		turnsDone:        turnsDone,
		finalizeLat:      finalizeLat,
		firstAudio:       firstAudio,
	}, nil
}

// Start opens the recognition stream, starts output pacing, and begins
// listening.
func (o *Orchestrator) Start() error {
	stream, err := o.opts.Transcriber.Open(o.ctx, o.opts.SessionID)
	if err != nil {
		return fmt.Errorf("open stt stream: %w", err)
	}
	o.opts.Scheduler.Start()

	var out []protocol.SessionEvent
	o.mu.Lock()
	o.stream = stream
	o.setStateLocked(StateListening, &out)
	o.mu.Unlock()
	o.emitAll(out)

	o.wg.Add(1)
	go o.sttLoop()
	return nil
}

// Stop tears the session loop down: pending work is cancelled and awaited,
// the recognition stream and scheduler are closed.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.mu.Lock()
	o.stopFinalizeTimerLocked()
	if o.task != nil {
		o.task.cancel()
	}
	stream := o.stream
	o.state = StateIdle
	o.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	o.wg.Wait()
	o.opts.Scheduler.Close()
	_ = o.opts.Detector.Close()
}

// OnAudioChunk feeds one chunk of session audio through detection and
// recognition. Malformed chunks are skipped; a detector inference failure is
// fatal for the session until Reset.
func (o *Orchestrator) OnAudioChunk(chunk []byte) error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.stats.AudioChunks++
	o.mu.Unlock()

	events, err := o.opts.Detector.Process(chunk)
	if err != nil {
		if errors.Is(err, vad.ErrInference) {
			o.handleInferenceFailure(err)
			return err
		}
		o.mu.Lock()
		o.stats.SkippedChunks++
		o.mu.Unlock()
		o.log.Warn("skipping malformed audio chunk", slogError(err))
		return nil
	}

	var out []protocol.SessionEvent
	o.mu.Lock()
	for _, ev := range events {
		o.handleVADEventLocked(ev, &out)
	}
	stream := o.stream
	o.mu.Unlock()
	o.emitAll(out)

	if stream != nil {
		if err := stream.Send(chunk); err != nil {
			o.log.Warn("stt forward failed", slogError(err))
		}
	}
	return nil
}

// Interrupt cancels the in-flight response, the same way barge-in does.
func (o *Orchestrator) Interrupt() {
	var out []protocol.SessionEvent
	o.mu.Lock()
	if o.state == StateGenerating || o.state == StateSpeaking {
		o.bargeInLocked(&out)
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// Reset clears detector state and resumes listening after a fatal inference
// error.
func (o *Orchestrator) Reset() {
	var out []protocol.SessionEvent
	o.mu.Lock()
	o.opts.Detector.Reset()
	o.transcript = nil
	o.pendingFinal = false
	o.speechActive = false
	if o.state == StateIdle && o.stream != nil {
		o.setStateLocked(StateListening, &out)
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// State reports the current loop phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a snapshot of loop counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) handleVADEventLocked(ev vad.Event, out *[]protocol.SessionEvent) {
	switch ev.Type {
	case vad.SpeechStart:
		o.stats.SpeechStarts++
		o.speechActive = true
		// resumed speech reopens the turn; a fresh final has to close it
		o.pendingFinal = false
		o.stopFinalizeTimerLocked()
		switch o.state {
		case StateGenerating, StateSpeaking:
			o.bargeInLocked(out)
		case StateFinalizing:
			o.setStateLocked(StateListening, out)
		}
	case vad.SpeechEnd:
		o.stats.SpeechEnds++
		o.speechActive = false
		o.lastSilenceAt = o.clock()
		if o.state == StateListening {
			o.setStateLocked(StateFinalizing, out)
		}
		if o.state == StateFinalizing {
			o.armFinalizeTimerLocked()
		}
	}
	*out = append(*out, protocol.SessionEvent{
		Type:           protocol.EventVADResult,
		SessionID:      o.opts.SessionID,
		ConversationID: o.opts.ConversationID,
		State:          string(ev.Type),
		Probability:    ev.Probability,
		Timestamp:      o.clock(),
	})
}

func (o *Orchestrator) bargeInLocked(out *[]protocol.SessionEvent) {
	o.stats.BargeIns++
	o.bargeIns.Add(context.Background(), 1, o.attrs)
	if o.task != nil {
		o.task.cancel()
	}
	o.opts.Scheduler.Flush()
	o.log.Info("barge-in, yielding the floor")
	o.setStateLocked(StateListening, out)
}

func (o *Orchestrator) onTranscript(r stt.Result) {
	var out []protocol.SessionEvent
	o.mu.Lock()
	o.stats.Transcripts++
	out = append(out, protocol.SessionEvent{
		Type:           protocol.EventTranscript,
		SessionID:      o.opts.SessionID,
		ConversationID: o.opts.ConversationID,
		Text:           r.Text,
		IsFinal:        r.Final,
		Probability:    r.Confidence,
		Timestamp:      o.clock(),
	})
	if r.Final {
		switch o.state {
		case StateListening, StateFinalizing:
			o.transcript = append(o.transcript, r.Text)
			o.pendingFinal = true
			if o.state == StateFinalizing && !o.speechActive &&
				o.clock().Sub(o.lastSilenceAt) >= o.silenceThreshold {
				o.finalizeLocked(&out)
			}
		default:
			// a final landing mid-response is an echo of the turn that
			// was just committed, not new input
			o.stats.DroppedFinals++
		}
	}
	o.mu.Unlock()
	o.emitAll(out)
}

func (o *Orchestrator) onFinalizeTimer() {
	var out []protocol.SessionEvent
	o.mu.Lock()
	if o.state == StateFinalizing && o.pendingFinal && !o.speechActive {
		o.finalizeLocked(&out)
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// finalizeLocked commits the accumulated turn and hands it to a generation
// task. Calling it twice for the same turn is a no-op: the first call leaves
// StateFinalizing, which the entry conditions require.
func (o *Orchestrator) finalizeLocked(out *[]protocol.SessionEvent) {
	prompt := strings.TrimSpace(strings.Join(o.transcript, " "))
	o.transcript = nil
	o.pendingFinal = false
	o.stopFinalizeTimerLocked()
	if prompt == "" {
		o.setStateLocked(StateListening, out)
		return
	}
	if !o.lastSilenceAt.IsZero() {
		o.finalizeLat.Record(context.Background(),
			float64(o.clock().Sub(o.lastSilenceAt).Milliseconds()), o.attrs)
	}

	prev := o.task
	taskCtx, cancel := context.WithCancel(o.ctx)
	task := &generationTask{
		id:      uuid.NewString(),
		prompt:  prompt,
		ctx:     taskCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: o.clock(),
	}
	o.task = task
	o.setStateLocked(StateGenerating, out)
	o.wg.Add(1)
	go o.runGeneration(task, prev)
}

// runGeneration produces and speaks one reply. It first waits out the
// previous task's teardown so no two tasks ever feed audio at once.
func (o *Orchestrator) runGeneration(task, prev *generationTask) {
	defer o.wg.Done()
	defer close(task.done)

	if prev != nil {
		select {
		case <-prev.done:
		case <-o.ctx.Done():
			return
		}
	}
	if task.ctx.Err() != nil {
		return
	}

	o.opts.Scheduler.BeginUtterance(task.id)

	genCtx := task.ctx
	if timeout := o.generationTimeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		genCtx, cancelTimeout = context.WithTimeout(task.ctx, timeout)
		defer cancelTimeout()
	}

	req := generation.RequestFromConfig(o.opts.Generation, o.opts.Turn.Tier)
	req.SessionID = o.opts.SessionID
	req.ConversationID = o.opts.ConversationID
	req.Prompt = task.prompt
	req.System = o.opts.Turn.SystemPrompt
	req.TraceID = task.id

	seg := NewSegmenter(o.opts.Turn.SegmentMaxWords)
	segments := make(chan string, 4)
	synthDone := make(chan struct{})
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(synthDone)
		o.speakSegments(task, segments)
	}()

	var reply strings.Builder
	genErr := o.opts.Generator.Generate(genCtx, req, func(c generation.Chunk) error {
		if task.ctx.Err() != nil {
			return task.ctx.Err()
		}
		if c.Content == "" {
			return nil
		}
		reply.WriteString(c.Content)
		o.emitEvent(o.assistantEvent(c.Content, false))
		if segText, ok := seg.Add(c.Content); ok {
			select {
			case segments <- segText:
			case <-task.ctx.Done():
				return task.ctx.Err()
			}
		}
		return nil
	})

	if genErr == nil {
		if tail, ok := seg.Flush(); ok {
			select {
			case segments <- tail:
			case <-task.ctx.Done():
			}
		}
	}
	close(segments)
	<-synthDone

	if genErr != nil {
		o.finishGenerationError(task, genErr)
		return
	}

	drain := o.opts.Scheduler.EndUtterance(task.id)
	select {
	case <-drain:
	case <-task.ctx.Done():
	}
	if task.ctx.Err() != nil {
		return
	}

	o.emitEvent(o.assistantEvent(reply.String(), true))

	var out []protocol.SessionEvent
	o.mu.Lock()
	if o.task == task {
		o.task = nil
		o.stats.TurnsCompleted++
		o.turnsDone.Add(context.Background(), 1, o.attrs)
		if o.state == StateGenerating || o.state == StateSpeaking {
			o.setStateLocked(StateListening, &out)
		}
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// finishGenerationError handles a provider failure or timeout: the utterance
// is abandoned, the client is told, and the loop returns to listening. A
// cancellation is not an error, barge-in already handled the state.
func (o *Orchestrator) finishGenerationError(task *generationTask, genErr error) {
	if task.ctx.Err() != nil {
		return
	}
	task.cancel()
	o.opts.Scheduler.Flush()

	msg := "generation failed"
	if errors.Is(genErr, context.DeadlineExceeded) {
		msg = "generation timed out"
	}
	o.log.Error(msg, slogError(genErr))

	var out []protocol.SessionEvent
	o.mu.Lock()
	out = append(out, o.errorEventLocked(fmt.Sprintf("%s: %v", msg, genErr)))
	if o.task == task {
		o.task = nil
		if o.state == StateGenerating || o.state == StateSpeaking {
			o.setStateLocked(StateListening, &out)
		}
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// speakSegments synthesizes segments in order. On any failure it stops
// speaking but keeps draining, so the producer side never blocks on a dead
// consumer; the reply still completes as text.
func (o *Orchestrator) speakSegments(task *generationTask, segments <-chan string) {
	speaking := true
	for text := range segments {
		if !speaking || task.ctx.Err() != nil {
			continue
		}
		if err := o.speak(task, text); err != nil {
			speaking = false
			switch {
			case errors.Is(err, context.Canceled),
				errors.Is(err, output.ErrStaleUtterance),
				errors.Is(err, output.ErrClosed):
			default:
				o.mu.Lock()
				o.stats.TTSFailures++
				o.mu.Unlock()
				o.log.Warn("synthesis failed, reply continues as text", slogError(err))
			}
		}
	}
}

func (o *Orchestrator) speak(task *generationTask, text string) error {
	chunks, errs := o.opts.Synthesizer.Synthesize(task.ctx, tts.SynthRequest{
		SessionID:   o.opts.SessionID,
		UtteranceID: task.id,
		Text:        text,
		Voice:       o.opts.Turn.Voice,
	})
	frameBytes := o.opts.Scheduler.FrameBytes()
	for chunk := range chunks {
		for _, pcm := range output.SliceFrames(chunk.PCM, frameBytes) {
			o.noteFirstFrame(task)
			if err := o.opts.Scheduler.Enqueue(task.ctx, output.Frame{UtteranceID: task.id, PCM: pcm}); err != nil {
				return err
			}
		}
	}
	return <-errs
}

func (o *Orchestrator) noteFirstFrame(task *generationTask) {
	var out []protocol.SessionEvent
	o.mu.Lock()
	if o.task == task && o.state == StateGenerating {
		o.firstAudio.Record(context.Background(),
			float64(o.clock().Sub(task.started).Milliseconds()), o.attrs)
		o.setStateLocked(StateSpeaking, &out)
	}
	o.mu.Unlock()
	o.emitAll(out)
}

// sttLoop consumes recognition results for the life of the session,
// reopening the stream with exponential backoff when it drops. Exhausting
// the retries parks the session in StateIdle with an error event.
func (o *Orchestrator) sttLoop() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		stream := o.stream
		o.mu.Unlock()
		if stream == nil {
			return
		}

		for r := range stream.Results() {
			o.onTranscript(r)
		}
		if o.ctx.Err() != nil {
			return
		}

		o.log.Warn("stt stream lost, reconnecting")
		o.mu.Lock()
		o.stats.STTReconnects++
		o.mu.Unlock()
		_ = stream.Close()

		next, err := o.reopenStream()
		if err != nil {
			o.log.Error("stt reconnect exhausted", slogError(err))
			var out []protocol.SessionEvent
			o.mu.Lock()
			o.stream = nil
			out = append(out, o.errorEventLocked("speech recognition unavailable: "+err.Error()))
			o.setStateLocked(StateIdle, &out)
			o.mu.Unlock()
			o.emitAll(out)
			return
		}

		o.mu.Lock()
		if o.ctx.Err() != nil {
			o.mu.Unlock()
			_ = next.Close()
			return
		}
		o.stream = next
		o.mu.Unlock()
		o.log.Info("stt stream reestablished")
	}
}

func (o *Orchestrator) reopenStream() (stt.Stream, error) {
	expo := backoff.NewExponentialBackOff()
	if o.opts.STT.ReconnectBaseMS > 0 {
		expo.InitialInterval = time.Duration(o.opts.STT.ReconnectBaseMS) * time.Millisecond
	}
	tries := o.opts.STT.ReconnectMaxRetries
	if tries <= 0 {
		tries = 3
	}
	return backoff.Retry(o.ctx, func() (stt.Stream, error) {
		return o.opts.Transcriber.Open(o.ctx, o.opts.SessionID)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(tries)))
}

func (o *Orchestrator) handleInferenceFailure(err error) {
	o.log.Error("vad inference failed, session needs reset", slogError(err))
	var out []protocol.SessionEvent
	o.mu.Lock()
	if o.task != nil {
		o.task.cancel()
	}
	o.opts.Scheduler.Flush()
	o.stopFinalizeTimerLocked()
	o.pendingFinal = false
	o.speechActive = false
	o.transcript = nil
	out = append(out, o.errorEventLocked("vad inference failed: "+err.Error()))
	o.setStateLocked(StateIdle, &out)
	o.mu.Unlock()
	o.emitAll(out)
}

func (o *Orchestrator) generationTimeout() time.Duration {
	if o.opts.Turn.GenerationTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(o.opts.Turn.GenerationTimeoutMS) * time.Millisecond
}

func (o *Orchestrator) armFinalizeTimerLocked() {
	o.stopFinalizeTimerLocked()
	o.finalizeTimer = time.AfterFunc(o.silenceThreshold, o.onFinalizeTimer)
}

func (o *Orchestrator) stopFinalizeTimerLocked() {
	if o.finalizeTimer != nil {
		o.finalizeTimer.Stop()
		o.finalizeTimer = nil
	}
}

func (o *Orchestrator) setStateLocked(s State, out *[]protocol.SessionEvent) {
	if o.state == s {
		return
	}
	o.state = s
	*out = append(*out, o.stateEventLocked())
}

func (o *Orchestrator) stateEventLocked() protocol.SessionEvent {
	return protocol.SessionEvent{
		Type:           protocol.EventState,
		SessionID:      o.opts.SessionID,
		ConversationID: o.opts.ConversationID,
		State:          o.state.String(),
		Timestamp:      o.clock(),
	}
}

func (o *Orchestrator) errorEventLocked(msg string) protocol.SessionEvent {
	return protocol.SessionEvent{
		Type:           protocol.EventError,
		SessionID:      o.opts.SessionID,
		ConversationID: o.opts.ConversationID,
		Error:          msg,
		Timestamp:      o.clock(),
	}
}

func (o *Orchestrator) assistantEvent(text string, final bool) protocol.SessionEvent {
	return protocol.SessionEvent{
		Type:           protocol.EventAssistantResponse,
		SessionID:      o.opts.SessionID,
		ConversationID: o.opts.ConversationID,
		Text:           text,
		IsFinal:        final,
		Timestamp:      o.clock(),
	}
}

func (o *Orchestrator) emitEvent(ev protocol.SessionEvent) {
	if o.opts.Emit != nil {
		o.opts.Emit(ev)
	}
}

func (o *Orchestrator) emitAll(events []protocol.SessionEvent) {
	for _, ev := range events {
		o.emitEvent(ev)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
