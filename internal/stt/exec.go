package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execTranscriber launches one recognizer process per stream. The process
// receives JSON lines with base64 PCM on stdin and prints one JSON hypothesis
// per line on stdout: {"text": "...", "final": bool, "confidence": 0.0}.
type execTranscriber struct {
	cmd  []string
	rate int
}

type execFrame struct {
	PCMBase64 string `json:"pcm_base64"`
}

type execEvent struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

func NewExecTranscriber(cfg config.STTConfig, sampleRate int) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execTranscriber{cmd: args, rate: sampleRate}, nil
}

func (t *execTranscriber) Open(ctx context.Context, sessionID string) (Stream, error) {
	runCtx, cancel := context.WithCancel(ctx)
	args := append([]string{}, t.cmd...)
	base := args[0]
	cmdArgs := append(args[1:], "--session", sessionID, "--rate", strconv.Itoa(t.rate))

	command := exec.CommandContext(runCtx, base, cmdArgs...)
	stdin, err := command.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stt stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stt stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start stt command: %w", err)
	}

	s := &execStream{
		cmd:      command,
		cancel:   cancel,
		stdin:    stdin,
		results:  make(chan Result, 16),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

type execStream struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdin    io.WriteCloser
	results  chan Result
	closing  chan struct{}
	readDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *execStream) Send(pcm []byte) error {
	payload, err := json.Marshal(execFrame{PCMBase64: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil {
		return fmt.Errorf("encode stt frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write stt frame: %w", err)
	}
	return nil
}

func (s *execStream) Results() <-chan Result { return s.results }

func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closing)
	_ = s.stdin.Close()
	s.cancel()
	<-s.readDone
	// the recognizer is killed on cancel, its exit status carries no signal
	_ = s.cmd.Wait()
	return nil
}

// readLoop pumps recognizer output into the results channel. It exits, and
// closes the channel, when stdout ends or a line fails to parse; consumers
// treat a closed channel as a lost stream.
func (s *execStream) readLoop(stdout io.Reader) {
	defer close(s.readDone)
	defer close(s.results)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		select {
		case s.results <- Result{Text: ev.Text, Final: ev.Final, Confidence: ev.Confidence}:
		case <-s.closing:
			return
		}
	}
}
