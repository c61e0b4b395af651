package vad

import "testing"

func constantWindow(amplitude float32, n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = amplitude
	}
	return w
}

func TestEnergyModelSilenceScoresZero(t *testing.T) {
	m := NewEnergyModel(4.0)
	p, err := m.Infer(constantWindow(0, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 0 {
		t.Fatalf("expected zero probability for silence, got %f", p)
	}
}

func TestEnergyModelLoudInputSaturates(t *testing.T) {
	m := NewEnergyModel(4.0)
	p, err := m.Infer(constantWindow(0.5, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 1 {
		t.Fatalf("expected clamped probability 1, got %f", p)
	}
}

func TestEnergyModelReleaseIsSlowerThanAttack(t *testing.T) {
	m := NewEnergyModel(1.0)
	if _, err := m.Infer(constantWindow(0.8, 512)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, err := m.Infer(constantWindow(0, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 <= 0 {
		t.Fatal("expected residual energy right after loud input")
	}
	p2, _ := m.Infer(constantWindow(0, 512))
	if p2 >= p1 {
		t.Fatalf("expected decay across silence windows: %f then %f", p1, p2)
	}
}

func TestEnergyModelResetClearsState(t *testing.T) {
	m := NewEnergyModel(4.0)
	if _, err := m.Infer(constantWindow(0.5, 512)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Reset()
	p, err := m.Infer(constantWindow(0, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 0 {
		t.Fatalf("expected zero after reset, got %f", p)
	}
}

func TestEnergyModelDefaultGain(t *testing.T) {
	m := NewEnergyModel(0)
	p, err := m.Infer(constantWindow(0.3, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 1 {
		t.Fatalf("expected default gain to saturate 0.3 RMS, got %f", p)
	}
}
