package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs one process per request. The prompt goes to stdin as a
// single JSON object; the process streams its reply as JSON lines of
// {"content": "..."} on stdout. The last line closes the reply.
type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execChunk struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse generation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("generation command is empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	payload := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	base := g.cmd[0]
	args := append([]string{}, g.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("generation stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start generation command: %w", err)
	}

	start := time.Now()
	emit := func(c execChunk, partial bool) error {
		return consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          c.Content,
			Partial:          partial,
			PromptTokens:     c.PromptTokens,
			CompletionTokens: c.CompletionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		})
	}

	// one-line lookahead so the stream always ends in exactly one final chunk
	var (
		pending    execChunk
		hasPending bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			_ = cmd.Wait()
			return ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c execChunk
		if err := json.Unmarshal(line, &c); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode generation chunk: %w", err)
		}
		if hasPending {
			if err := emit(pending, true); err != nil {
				_ = cmd.Wait()
				return err
			}
		}
		pending = c
		hasPending = true
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("read generation output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("generation command failed: %w", err)
	}
	if !hasPending {
		return fmt.Errorf("generation command produced no output")
	}
	return emit(pending, false)
}
