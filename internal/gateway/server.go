// Package gateway is the websocket front door. A client opens /v1/session,
// streams 16-bit PCM as binary messages, and receives paced reply audio plus
// the JSON event stream on the same socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/duplexlabs/duplex-core/internal/protocol"
	"github.com/duplexlabs/duplex-core/internal/session"
)

// Server upgrades session websockets and pumps them into the manager.
type Server struct {
	cfg      config.GatewayConfig
	sessions *session.Manager
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg config.GatewayConfig, sessions *session.Manager, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		log:      log.With(slog.String("component", "gateway")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if cfg.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if s.cfg.ReadLimitBytes > 0 {
		ws.SetReadLimit(s.cfg.ReadLimitBytes)
	}
	conn := newConn(ws, 5*time.Second)

	sess, err := s.sessions.Create(conn)
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			conn.closeWith(websocket.CloseTryAgainLater, "session limit reached")
		} else {
			s.log.Error("session create failed", slog.String("error", err.Error()))
			conn.closeWith(websocket.CloseInternalServerErr, "session unavailable")
		}
		return
	}
	log := s.log.With(slog.String("session_id", sess.ID))

	pingInterval := time.Duration(s.cfg.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	pongWait := 2 * pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(context.Background())
	go s.pingLoop(pingCtx, conn, pingInterval)

	defer func() {
		stopPing()
		s.sessions.Stop(sess.ID)
		conn.Close()
	}()

	s.readLoop(ws, sess, log)
}

// readLoop pumps inbound messages until the socket dies. Binary messages are
// session audio, text messages are control commands.
func (s *Server) readLoop(ws *websocket.Conn, sess *session.Session, log *slog.Logger) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("session socket dropped", slog.String("error", err.Error()))
			} else {
				log.Info("session socket closed")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := sess.HandleAudio(data); err != nil {
				// the session already reported the failure as an event and
				// parked itself; keep the socket open for a reset command
				log.Warn("audio processing failed", slog.String("error", err.Error()))
			}
		case websocket.TextMessage:
			var cmd protocol.ClientCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				log.Warn("ignoring undecodable command", slog.String("error", err.Error()))
				continue
			}
			sess.HandleCommand(cmd)
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
