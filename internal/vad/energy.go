package vad

import (
	"github.com/duplexlabs/duplex-core/internal/audio"
)

const (
	defaultEnergyGain = 4.0
	attackAlpha       = 0.6
	releaseAlpha      = 0.2
)

// energyModel maps smoothed RMS energy onto a pseudo-probability. It is the
// default backend: no external process, deterministic, good enough for
// push-to-talk style setups and for development.
type energyModel struct {
	gain     float64
	smoothed float64
	primed   bool
}

func NewEnergyModel(gain float64) Model {
	if gain <= 0 {
		gain = defaultEnergyGain
	}
	return &energyModel{gain: gain}
}

func (m *energyModel) Infer(window []float32) (float64, error) {
	rms := audio.RMS(window)
	if !m.primed {
		m.smoothed = rms
		m.primed = true
	} else if rms > m.smoothed {
		// fast attack, slower release keeps short gaps inside one utterance
		m.smoothed += attackAlpha * (rms - m.smoothed)
	} else {
		m.smoothed += releaseAlpha * (rms - m.smoothed)
	}
	p := m.smoothed * m.gain
	if p > 1 {
		p = 1
	}
	return p, nil
}

func (m *energyModel) Reset() {
	m.smoothed = 0
	m.primed = false
}

func (m *energyModel) Close() error { return nil }
