package vad

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/duplexlabs/duplex-core/internal/audio"
)

// execModel drives a long-lived external scorer process. One JSON line per
// window goes to stdin, one JSON line with the probability comes back on
// stdout. The process lives for the whole session so the scorer can keep its
// own recurrent state across windows.
type execModel struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	rate    int
	mu      sync.Mutex
}

type scoreRequest struct {
	PCMBase64  string `json:"pcm_base64,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Reset      bool   `json:"reset,omitempty"`
}

type scoreResponse struct {
	Probability float64 `json:"probability"`
}

func NewExecModel(command string, sampleRate int) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vad command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("vad command empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vad scorer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vad scorer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start vad scorer: %w", err)
	}

	return &execModel{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		scanner: bufio.NewScanner(stdout),
		rate:    sampleRate,
	}, nil
}

func (m *execModel) Infer(window []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := scoreRequest{
		PCMBase64:  base64.StdEncoding.EncodeToString(audio.EncodePCM16(window)),
		SampleRate: m.rate,
	}
	if err := m.writeLine(req); err != nil {
		return 0, fmt.Errorf("write scorer request: %w", err)
	}
	if !m.scanner.Scan() {
		if err := m.scanner.Err(); err != nil {
			return 0, fmt.Errorf("read scorer response: %w", err)
		}
		return 0, errors.New("vad scorer closed its output")
	}
	var resp scoreResponse
	if err := json.Unmarshal(m.scanner.Bytes(), &resp); err != nil {
		return 0, fmt.Errorf("decode scorer response: %w", err)
	}
	p := resp.Probability
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	return p, nil
}

func (m *execModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	// best effort; a broken pipe surfaces on the next Infer
	_ = m.writeLine(scoreRequest{Reset: true})
}

func (m *execModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.stdin.Close()
	m.cancel()
	// the scorer is killed on cancel, so the exit status is not meaningful
	_ = m.cmd.Wait()
	return nil
}

func (m *execModel) writeLine(req scoreRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = m.stdin.Write(append(data, '\n'))
	return err
}
