package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duplexlabs/duplex-core/internal/bus"
	"github.com/duplexlabs/duplex-core/internal/protocol"
)

const pruneEvery = time.Hour

// Service mirrors the session event stream into the store. Partial
// transcripts and per-window detector results stay off disk; everything a
// conversation replay needs is kept.
type Service struct {
	store  *Store
	log    *slog.Logger
	sub    *nats.Subscription
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewService(parent context.Context, store *Store, busClient *bus.Client, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		store:  store,
		log:    log.With(slog.String("component", "journal")),
		cancel: cancel,
		ctx:    ctx,
		seen:   make(map[string]struct{}),
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectSessionEventWildcard, s.handleMessage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe session events: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.pruneLoop()
	return s, nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) handleMessage(msg *nats.Msg) {
	var ev protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn("dropping undecodable session event", slog.String("error", err.Error()))
		return
	}
	if !journalable(ev) {
		return
	}
	if err := s.record(ev, msg.Data); err != nil {
		s.log.Warn("journal append failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) record(ev protocol.SessionEvent, payload []byte) error {
	conversationID := ev.ConversationID
	if conversationID == "" {
		conversationID = ev.SessionID
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	s.mu.Lock()
	_, known := s.seen[conversationID]
	s.mu.Unlock()
	if !known {
		if err := s.store.EnsureConversation(ctx, conversationID, ev.SessionID); err != nil {
			return err
		}
		s.mu.Lock()
		s.seen[conversationID] = struct{}{}
		s.mu.Unlock()
	}

	return s.store.Append(ctx, Entry{
		ConversationID: conversationID,
		SessionID:      ev.SessionID,
		Kind:           ev.Type,
		Payload:        payload,
		CreatedAt:      ev.Timestamp,
	})
}

// journalable filters the stream down to replayable history: committed
// transcripts, completed replies, state transitions, and errors.
func journalable(ev protocol.SessionEvent) bool {
	switch ev.Type {
	case protocol.EventState, protocol.EventError:
		return true
	case protocol.EventTranscript, protocol.EventAssistantResponse:
		return ev.IsFinal
	default:
		return false
	}
}

func (s *Service) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.store.Prune(ctx); err != nil {
				s.log.Warn("scheduled prune failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
