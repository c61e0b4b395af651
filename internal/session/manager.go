// Package session assembles and tracks live conversations. Each session gets
// its own detector, output scheduler, and orchestrator; bridges are shared.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/duplexlabs/duplex-core/internal/bus"
	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/duplexlabs/duplex-core/internal/generation"
	"github.com/duplexlabs/duplex-core/internal/output"
	"github.com/duplexlabs/duplex-core/internal/protocol"
	"github.com/duplexlabs/duplex-core/internal/stt"
	"github.com/duplexlabs/duplex-core/internal/tts"
	"github.com/duplexlabs/duplex-core/internal/turn"
	"github.com/duplexlabs/duplex-core/internal/vad"
)

// ErrSessionLimit is returned when the configured session cap is reached.
var ErrSessionLimit = errors.New("session limit reached")

// Transport is the client-facing half of a session: paced audio frames plus
// the JSON event stream.
type Transport interface {
	output.Sink
	WriteEvent(ev protocol.SessionEvent) error
}

// Session is one live conversation.
type Session struct {
	ID             string
	ConversationID string

	orch *turn.Orchestrator
	log  *slog.Logger
}

// HandleAudio feeds one binary chunk from the client.
func (s *Session) HandleAudio(chunk []byte) error {
	return s.orch.OnAudioChunk(chunk)
}

// HandleCommand applies a client control message.
func (s *Session) HandleCommand(cmd protocol.ClientCommand) {
	switch cmd.Type {
	case protocol.CommandStop:
		s.orch.Interrupt()
	case protocol.CommandReset:
		s.orch.Reset()
	default:
		s.log.Warn("ignoring unknown client command", slog.String("type", cmd.Type))
	}
}

// State reports the orchestrator state, for the debug surface.
func (s *Session) State() turn.State { return s.orch.State() }

// Stats exposes the orchestrator counters.
func (s *Session) Stats() turn.Stats { return s.orch.Stats() }

// Manager creates and retires sessions.
type Manager struct {
	cfg  config.Config
	bus  *bus.Client
	log  *slog.Logger
	ctx  context.Context
	sttB stt.Transcriber
	genB generation.Generator
	ttsB tts.Synthesizer

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(ctx context.Context, cfg config.Config, busClient *bus.Client,
	transcriber stt.Transcriber, generator generation.Generator, synthesizer tts.Synthesizer,
	log *slog.Logger) (*Manager, error) {

	if transcriber == nil || generator == nil || synthesizer == nil {
		return nil, errors.New("session manager requires all three bridges")
	}
	m := &Manager{
		cfg:      cfg,
		bus:      busClient,
		log:      log.With(slog.String("component", "session")),
		ctx:      ctx,
		sttB:     transcriber,
		genB:     generator,
		ttsB:     synthesizer,
		sessions: make(map[string]*Session),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("session metrics unavailable", slog.String("error", err.Error()))
	}
	return m, nil
}

// Create builds a session on the given transport and starts its loop.
func (m *Manager) Create(transport Transport) (*Session, error) {
	m.mu.Lock()
	if max := m.cfg.Gateway.MaxSessions; max > 0 && len(m.sessions) >= max {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	m.mu.Unlock()

	sessionID := uuid.NewString()
	conversationID := uuid.NewString()
	log := m.log.With(slog.String("session_id", sessionID))

	model, err := vad.NewModel(m.cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad model: %w", err)
	}
	detector, err := vad.NewDetector(m.cfg.VAD, model, log)
	if err != nil {
		_ = model.Close()
		return nil, fmt.Errorf("create detector: %w", err)
	}
	scheduler, err := output.NewScheduler(m.ctx, m.cfg.Output, m.cfg.VAD.SampleRate, sessionID, transport, log)
	if err != nil {
		_ = detector.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	orch, err := turn.NewOrchestrator(m.ctx, turn.Options{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Turn:           m.cfg.Turn,
		STT:            m.cfg.STT,
		Generation:     m.cfg.Generation,
		Detector:       detector,
		Transcriber:    m.sttB,
		Generator:      m.genB,
		Synthesizer:    m.ttsB,
		Scheduler:      scheduler,
		Emit:           m.emitter(sessionID, transport),
		Logger:         log,
	})
	if err != nil {
		scheduler.Close()
		_ = detector.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	if err := orch.Start(); err != nil {
		orch.Stop()
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &Session{ID: sessionID, ConversationID: conversationID, orch: orch, log: log}
	m.mu.Lock()
	// recheck: another Create may have filled the cap while this one was built
	if max := m.cfg.Gateway.MaxSessions; max > 0 && len(m.sessions) >= max {
		m.mu.Unlock()
		orch.Stop()
		return nil, ErrSessionLimit
	}
	m.sessions[sessionID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	log.Info("session started",
		slog.String("conversation_id", conversationID),
		slog.Int("active", count))
	return s, nil
}

// emitter fans session events out to the client transport and the bus.
func (m *Manager) emitter(sessionID string, transport Transport) func(protocol.SessionEvent) {
	subject := protocol.SubjectSessionEvent(sessionID)
	return func(ev protocol.SessionEvent) {
		if err := transport.WriteEvent(ev); err != nil {
			m.log.Warn("event write failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
		if m.bus == nil {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := m.bus.Conn().Publish(subject, payload); err != nil {
			m.log.Warn("event publish failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
}

// Stop tears one session down.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.orch.Stop()
	s.log.Info("session stopped", slog.Int("active", count))
}

// StopAll tears every session down, for shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.orch.Stop()
	}
	if len(all) > 0 {
		m.log.Info("all sessions stopped", slog.Int("count", len(all)))
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("duplex.session")
	gauge, err := meter.Int64ObservableGauge("duplex.sessions.active",
		metric.WithDescription("Live sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(m.Count()))
		return nil
	}, gauge)
	return err
}
