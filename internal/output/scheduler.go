// Package output paces synthesized audio toward the client. Frames enter a
// bounded queue and leave at a fixed cadence, one frame per tick, so a slow
// or bursty synthesizer can neither flood the transport nor starve it
// silently. A flush drops everything queued, which is what turns barge-in
// into an immediate stop.
package output

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("output scheduler closed")
	// ErrStaleUtterance is returned by Enqueue for a frame that does not
	// belong to the current utterance, which happens after a flush.
	ErrStaleUtterance = errors.New("frame belongs to a flushed utterance")
)

// Frame is one fixed-duration slice of PCM audio tagged with the utterance
// it belongs to.
type Frame struct {
	UtteranceID string
	PCM         []byte
}

// Sink receives paced frames. WriteFrame is called from the pacer goroutine
// only, never concurrently.
type Sink interface {
	WriteFrame(f Frame) error
}

// UnderrunSilence pads an open utterance with silence when the queue runs
// dry; UnderrunPause skips the tick instead.
const (
	UnderrunSilence = "silence"
	UnderrunPause   = "pause"
)

// Scheduler owns the outbound audio path of one session.
type Scheduler struct {
	frameDur time.Duration
	underrun string
	silence  []byte
	queue    chan Frame
	sink     Sink
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  string
	open     bool
	inFlight bool
	drained  chan struct{}

	attrs         metric.MeasurementOption
	framesPlayed  metric.Int64Counter
	framesDropped metric.Int64Counter
	underruns     metric.Int64Counter
}

// NewScheduler builds a scheduler for one session. sampleRate is the rate of
// the synthesized audio it will pace.
func NewScheduler(parent context.Context, cfg config.OutputConfig, sampleRate int, sessionID string, sink Sink, log *slog.Logger) (*Scheduler, error) {
	frameDur := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	underrun := cfg.Underrun
	if underrun == "" {
		underrun = UnderrunSilence
	}

	meter := otel.Meter("duplex.output")
	framesPlayed, err := meter.Int64Counter("duplex.output.frames_played",
		metric.WithDescription("Frames delivered to the session sink"))
	if err != nil {
		return nil, err
	}
	framesDropped, err := meter.Int64Counter("duplex.output.frames_dropped",
		metric.WithDescription("Frames discarded by flush or staleness"))
	if err != nil {
		return nil, err
	}
	underruns, err := meter.Int64Counter("duplex.output.underruns",
		metric.WithDescription("Ticks with an open utterance and an empty queue"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		frameDur:      frameDur,
		underrun:      underrun,
		silence:       audio.Silence(sampleRate, frameDur),
		queue:         make(chan Frame, capacity),
		sink:          sink,
		log:           log.With(slog.String("component", "output-scheduler")),
		ctx:           ctx,
		cancel:        cancel,
		attrs:         metric.WithAttributes(attribute.String("session.id", sessionID)),
		framesPlayed:  framesPlayed,
		framesDropped: framesDropped,
		underruns:     underruns,
	}, nil
}

// Start launches the pacer.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close stops the pacer and unblocks any producer stuck in Enqueue.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	if s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	s.mu.Unlock()
}

// BeginUtterance makes id the current utterance. Frames from any other
// utterance are rejected or dropped from now on.
func (s *Scheduler) BeginUtterance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
	s.open = true
}

// EndUtterance marks id complete and returns a channel that closes once every
// queued frame of the utterance has been played. Ending an utterance that is
// not current returns an already-closed channel.
func (s *Scheduler) EndUtterance(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != id || !s.open {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.open = false
	if len(s.queue) == 0 && !s.inFlight {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.drained = make(chan struct{})
	return s.drained
}

// Enqueue adds one frame, blocking while the queue is full. It fails fast
// when the frame's utterance has been flushed away.
func (s *Scheduler) Enqueue(ctx context.Context, f Frame) error {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if f.UtteranceID != current {
		return ErrStaleUtterance
	}
	select {
	case s.queue <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Flush drops every queued frame and closes the current utterance. Frames
// already popped by the pacer are discarded by the staleness check.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.current = ""
	s.open = false
	if s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	s.mu.Unlock()

	for {
		select {
		case <-s.queue:
			s.framesDropped.Add(context.Background(), 1, s.attrs)
		default:
			return
		}
	}
}

// QueueLen reports the number of queued frames.
func (s *Scheduler) QueueLen() int { return len(s.queue) }

// FrameDuration reports the pacing interval.
func (s *Scheduler) FrameDuration() time.Duration { return s.frameDur }

// FrameBytes reports the size of one frame at the configured rate.
func (s *Scheduler) FrameBytes() int { return len(s.silence) }

func (s *Scheduler) run() {
	defer s.wg.Done()
	next := time.Now()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		now := time.Now()
		if now.Before(next) {
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if now.Sub(next) > s.frameDur {
			// fell badly behind, resync rather than burst
			next = now
		}
		next = next.Add(s.frameDur)
		s.tick()
	}
}

// tick pops at most one frame. The pop and the in-flight flag flip share the
// mutex so the drain signal can never fire between them.
func (s *Scheduler) tick() {
	s.mu.Lock()
	select {
	case frame := <-s.queue:
		if frame.UtteranceID != s.current {
			s.mu.Unlock()
			s.framesDropped.Add(context.Background(), 1, s.attrs)
			s.notifyDrained()
			return
		}
		s.inFlight = true
		s.mu.Unlock()

		if err := s.sink.WriteFrame(frame); err != nil {
			s.log.Warn("frame write failed", slog.String("error", err.Error()))
		} else {
			s.framesPlayed.Add(context.Background(), 1, s.attrs)
		}

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		s.notifyDrained()
	default:
		s.mu.Unlock()
		s.tickEmpty()
	}
}

func (s *Scheduler) tickEmpty() {
	s.mu.Lock()
	open := s.open
	current := s.current
	s.mu.Unlock()
	if !open {
		return
	}
	s.underruns.Add(context.Background(), 1, s.attrs)
	if s.underrun != UnderrunSilence {
		return
	}
	if err := s.sink.WriteFrame(Frame{UtteranceID: current, PCM: s.silence}); err != nil {
		s.log.Warn("silence write failed", slog.String("error", err.Error()))
	}
}

// notifyDrained closes the drain channel once the closed utterance has fully
// left the queue.
func (s *Scheduler) notifyDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained != nil && !s.open && len(s.queue) == 0 && !s.inFlight {
		close(s.drained)
		s.drained = nil
	}
}

// SliceFrames cuts pcm into frame-sized pieces, padding the trailing piece
// with silence so every frame has the same duration.
func SliceFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	var frames [][]byte
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		padded := make([]byte, frameBytes)
		copy(padded, pcm[off:])
		frames = append(frames, padded)
	}
	return frames
}
