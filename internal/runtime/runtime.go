// Package runtime boots the daemon: telemetry, bus, journal, registry,
// bridges, session manager, and the HTTP surface, shut down in reverse.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplexlabs/duplex-core/internal/bus"
	"github.com/duplexlabs/duplex-core/internal/capability"
	"github.com/duplexlabs/duplex-core/internal/config"
	"github.com/duplexlabs/duplex-core/internal/gateway"
	"github.com/duplexlabs/duplex-core/internal/generation"
	"github.com/duplexlabs/duplex-core/internal/journal"
	"github.com/duplexlabs/duplex-core/internal/natsserver"
	"github.com/duplexlabs/duplex-core/internal/session"
	"github.com/duplexlabs/duplex-core/internal/stt"
	"github.com/duplexlabs/duplex-core/internal/tts"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	bus            *bus.Client
	journalStore   *journal.Store
	journalSvc     *journal.Service
	registry       *capability.Registry
	sessions       *session.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start brings every service up, serves until ctx is cancelled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryClose, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = telemetryClose

	if err := r.startServices(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/v1/session", gateway.NewServer(r.cfg.Gateway, r.sessions, r.logger))
	mux.HandleFunc("/v1/nodes", r.handleNodes)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journalStore = store

	journalSvc, err := journal.NewService(ctx, store, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start journal service: %w", err)
	}
	r.journalSvc = journalSvc

	registry, err := capability.NewRegistry(ctx, r.cfg.Node,
		capability.CapabilitiesFromConfig(r.cfg), busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	transcriber, err := stt.NewFromConfig(r.cfg.STT, r.cfg.VAD.SampleRate)
	if err != nil {
		return fmt.Errorf("build stt bridge: %w", err)
	}
	generator, err := generation.NewFromConfig(r.cfg.Generation)
	if err != nil {
		return fmt.Errorf("build generation bridge: %w", err)
	}
	synthesizer, err := tts.NewFromConfig(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("build tts bridge: %w", err)
	}

	sessions, err := session.NewManager(ctx, r.cfg, busClient, transcriber, generator, synthesizer, r.logger)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	r.sessions = sessions
	return nil
}

// teardown releases services in reverse start order. Every field tolerates
// being nil so the error path during startup can reuse it.
func (r *Runtime) teardown() {
	if r.sessions != nil {
		r.sessions.StopAll()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.journalSvc != nil {
		r.journalSvc.Close()
	}
	if r.journalStore != nil {
		if err := r.journalStore.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodes := r.registry.Query(nil)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("nodes encode failed", slog.String("error", err.Error()))
	}
}
