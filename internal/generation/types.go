// Package generation bridges streaming language-model backends. A Generator
// produces a reply for one finalized user turn, delivering it chunk by chunk
// to a consumer callback so downstream synthesis can start before the reply
// is complete.
package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/duplexlabs/duplex-core/internal/config"
)

// Request describes a language model prompt for one turn.
type Request struct {
	SessionID      string
	ConversationID string
	Prompt         string
	System         string
	Tier           string
	MaxTokens      int
	Temperature    float64
	TraceID        string
}

// Chunk represents streamed model output. The last chunk of a reply has
// Partial set to false; its Content may be empty.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable language-model backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.GenerationConfig, tier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if tier != "" {
		req.Tier = tier
	}
	return req
}

// NewFromConfig builds the configured backend.
func NewFromConfig(cfg config.GenerationConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported generation mode: %s", cfg.Mode)
	}
}
