package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duplexlabs/duplex-core/internal/audio"
	"github.com/duplexlabs/duplex-core/internal/config"
)

// EventType tags a detector transition.
type EventType string

const (
	SpeechStart EventType = "speech_start"
	SpeechEnd   EventType = "speech_end"
)

// Event is one hysteresis transition with the probability that caused it.
type Event struct {
	Type        EventType
	Probability float64
	Timestamp   time.Time
}

// ErrInference marks a fatal model failure. The detector refuses further
// audio until Reset is called.
var ErrInference = errors.New("vad model inference failed")

// Detector buffers incoming PCM, cuts it into fixed windows, and runs the
// hysteresis state machine over per-window model probabilities.
//
// Windows are exact: 512 samples at 16 kHz, 256 at 8 kHz. Leftover samples
// stay buffered across Process calls. Each inference sees the carried
// context tail from the previous window ahead of the fresh window.
type Detector struct {
	cfg        config.VADConfig
	model      Model
	windowSize int
	minSilence int

	buf        []float32
	context    []float32
	triggered  bool
	silenceRun int
	failed     bool

	clock func() time.Time
	log   *slog.Logger
}

func NewDetector(cfg config.VADConfig, model Model, log *slog.Logger) (*Detector, error) {
	windowSize, err := windowSizeForRate(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, errors.New("vad threshold must be between 0 and 1 exclusive")
	}
	if cfg.Margin <= 0 || cfg.Margin >= cfg.Threshold {
		return nil, errors.New("vad margin must be positive and below the threshold")
	}
	return &Detector{
		cfg:        cfg,
		model:      model,
		windowSize: windowSize,
		minSilence: minSilenceWindows(cfg.MinSilenceMS, cfg.SampleRate, windowSize),
		context:    make([]float32, cfg.ContextSamples),
		clock:      time.Now,
		log:        log.With(slog.String("component", "vad")),
	}, nil
}

func windowSizeForRate(rate int) (int, error) {
	switch rate {
	case 16000:
		return 512, nil
	case 8000:
		return 256, nil
	default:
		return 0, fmt.Errorf("unsupported vad sample rate %d", rate)
	}
}

// minSilenceWindows converts the configured silence duration into a window
// count, rounding up so the run is never shorter than requested.
func minSilenceWindows(ms, rate, window int) int {
	if ms <= 0 {
		return 1
	}
	samples := rate * ms / 1000
	w := (samples + window - 1) / window
	if w < 1 {
		w = 1
	}
	return w
}

// WindowSize returns the per-inference sample count for the configured rate.
func (d *Detector) WindowSize() int { return d.windowSize }

// Triggered reports whether the detector currently considers speech active.
func (d *Detector) Triggered() bool { return d.triggered }

// Process appends a PCM16 chunk and emits any transitions the new windows
// cause. A malformed chunk is rejected without touching detector state; a
// model failure is fatal until Reset.
func (d *Detector) Process(chunk []byte) ([]Event, error) {
	if d.failed {
		return nil, fmt.Errorf("detector requires reset: %w", ErrInference)
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	samples, err := audio.DecodePCM16(chunk)
	if err != nil {
		return nil, err
	}
	d.buf = append(d.buf, samples...)

	var events []Event
	offset := 0
	for len(d.buf)-offset >= d.windowSize {
		window := d.buf[offset : offset+d.windowSize]

		input := make([]float32, 0, len(d.context)+d.windowSize)
		input = append(input, d.context...)
		input = append(input, window...)

		prob, err := d.model.Infer(input)
		if err != nil {
			d.failed = true
			d.buf = d.buf[:0]
			d.log.Error("vad inference failed", slog.String("error", err.Error()))
			return events, fmt.Errorf("%w: %v", ErrInference, err)
		}

		if n := len(d.context); n > 0 {
			copy(d.context, window[d.windowSize-n:])
		}
		offset += d.windowSize

		if ev, ok := d.step(prob); ok {
			events = append(events, ev)
		}
	}
	if offset > 0 {
		d.buf = append(d.buf[:0], d.buf[offset:]...)
	}
	return events, nil
}

// step advances the hysteresis state machine by one window.
func (d *Detector) step(p float64) (Event, bool) {
	clearBelow := d.cfg.Threshold - d.cfg.Margin
	switch {
	case !d.triggered:
		if p >= d.cfg.Threshold {
			d.triggered = true
			d.silenceRun = 0
			return Event{Type: SpeechStart, Probability: p, Timestamp: d.clock()}, true
		}
	case p >= d.cfg.Threshold:
		// same utterance continues, discard any partial silence run
		d.silenceRun = 0
	case p < clearBelow:
		d.silenceRun++
		if d.silenceRun >= d.minSilence {
			d.triggered = false
			d.silenceRun = 0
			return Event{Type: SpeechEnd, Probability: p, Timestamp: d.clock()}, true
		}
	default:
		// inside the hysteresis band: holds the current run, counts neither way
	}
	return Event{}, false
}

// Reset returns the detector to its initial state: empty buffer, zeroed
// context, cleared trigger and silence run, and fresh model state. Required
// after ErrInference before the detector accepts audio again.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
	for i := range d.context {
		d.context[i] = 0
	}
	d.triggered = false
	d.silenceRun = 0
	d.failed = false
	d.model.Reset()
}

// Close releases the underlying model.
func (d *Detector) Close() error {
	return d.model.Close()
}
