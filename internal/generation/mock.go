package generation

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a generator that streams a canned reply word by
// word, so the downstream segmentation and synthesis paths are exercised the
// same way a real model would.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	content := "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	words := strings.Fields(content)
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		text := word
		if i < len(words)-1 {
			text += " "
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   text,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		CompletionTokens: len(words),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
