package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/backend"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/capability"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/dispatch"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-bridge/internal/pool"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/store"
	"github.com/loqalabs/loqa-bridge/internal/transport"
	"github.com/loqalabs/loqa-bridge/internal/tts"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

type Runtime struct {
	id         string
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	store      *store.Store
	registry   *voice.Registry
	catalog    *backend.Catalog
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	listeners  []transport.Listener
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	presence   *capability.Presence
	gateway    *tts.Gateway

	addrs chan []string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: logger,
		addrs:  make(chan []string, 1),
	}
}

// Addrs delivers the transport listener addresses once the runtime is
// serving.
func (r *Runtime) Addrs() <-chan []string {
	return r.addrs
}

// Start brings up every component, serves until ctx is cancelled and then
// shuts down in reverse order. Failing to bind a transport listener is fatal.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.id, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.closeTelemetry()

	if err := r.startCore(ctx); err != nil {
		r.stopCore()
		return err
	}
	defer r.stopCore()

	if err := r.startListeners(ctx); err != nil {
		return err
	}

	if r.bus != nil {
		r.presence = capability.NewPresence(r.bus, r.announcement, capability.PresenceOptions{
			HeartbeatInterval: time.Duration(r.cfg.Bus.HeartbeatIntervalMS) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(r.cfg.Bus.HeartbeatTimeoutMS) * time.Millisecond,
		}, r.logger)
		if err := r.presence.Start(ctx); err != nil {
			r.logger.Warn("bridge presence disabled", slog.String("error", err.Error()))
			r.presence = nil
		} else {
			defer r.presence.Close()
		}
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(tel.handler)
	}

	r.ready.Store(true)
	addrs := make([]string, 0, len(r.listeners))
	for _, ln := range r.listeners {
		addrs = append(addrs, ln.Addr())
	}
	r.addrs <- addrs
	r.logger.Info("runtime started", slog.Any("transport", addrs), slog.Int("voices", r.registry.Len()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	for _, ln := range r.listeners {
		if err := ln.Close(); err != nil {
			r.logger.Warn("listener close error", slog.String("addr", ln.Addr()), slog.String("error", err.Error()))
		}
	}
	r.dispatcher.Wait()
	r.wg.Wait()
	return nil
}

func (r *Runtime) startCore(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		st.RunPruner(ctx, time.Hour)
	}()

	registry, err := voice.NewRegistry(ctx, st, r.logger)
	if err != nil {
		return fmt.Errorf("load voice registry: %w", err)
	}
	r.registry = registry
	if added, err := registry.Seed(ctx, seedRecords(r.cfg.Voices)); err != nil {
		return err
	} else if added > 0 {
		r.logger.Info("seeded voices from config", slog.Int("count", added))
	}

	r.catalog = buildCatalog(r.cfg.Backends, r.logger)
	r.pool = pool.New(ctx, pool.OptionsFromConfig(r.cfg.Pool), r.catalog, r.logger)
	r.pool.Start()
	registry.OnChange(func(c voice.Change) {
		if c.Action != voice.ActionRegistered {
			r.pool.Retire(c.Token)
		}
	})

	if err := r.startBus(ctx); err != nil {
		return err
	}

	manager := session.NewManager(registry, r.catalog, r.pool, session.OptionsFromConfig(r.cfg.Pool), r.logger)
	manager.SetObserver(&sessionAudit{store: st, bus: r.bus, log: r.logger.With(slog.String("component", "session-audit"))})
	r.dispatcher = dispatch.New(registry, r.catalog, manager, dispatch.OptionsFromConfig(r.cfg.Transport), r.logger)

	if r.bus != nil && r.cfg.Bus.ServeRequests {
		r.gateway = tts.NewGateway(ctx, r.bus, manager, r.logger)
		if err := r.gateway.Start(); err != nil {
			return fmt.Errorf("start tts gateway: %w", err)
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, natsserver.Options{
			Name:          r.cfg.RuntimeName + "-" + r.id[:8],
			MaxFrameBytes: r.cfg.Transport.MaxFrameBytes,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	return client.Subscribe(protocol.SubjectVoicesChanged, func(data []byte) {
		var msg protocol.VoicesChanged
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("ignoring malformed voices.changed message", slog.String("error", err.Error()))
			return
		}
		reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.registry.Reload(reloadCtx); err != nil {
			r.logger.Error("voice registry reload failed", slog.String("error", err.Error()))
			return
		}
		r.logger.Info("voice registry reloaded", slog.String("token", msg.Token), slog.String("action", msg.Action))
	})
}

func (r *Runtime) startListeners(ctx context.Context) error {
	opts := transport.OptionsFromConfig(r.cfg.Transport)
	stream, err := transport.ListenStream(r.cfg.Transport.Network, r.cfg.Transport.Address, opts, r.logger)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}
	r.listeners = append(r.listeners, stream)

	if bind := r.cfg.Transport.WebSocketBind; bind != "" {
		ws, err := transport.ListenWebSocket(bind, opts, r.logger)
		if err != nil {
			_ = stream.Close()
			r.listeners = nil
			return fmt.Errorf("bind websocket transport: %w", err)
		}
		r.listeners = append(r.listeners, ws)
	}

	for _, ln := range r.listeners {
		r.wg.Add(1)
		go func(ln transport.Listener) {
			defer r.wg.Done()
			if err := r.dispatcher.Serve(ctx, ln); err != nil {
				r.logger.Error("accept loop failed", slog.String("addr", ln.Addr()), slog.String("error", err.Error()))
			}
		}(ln)
	}
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/pool", r.handlePool)
	mux.HandleFunc("/voices", r.handleVoices)
	mux.HandleFunc("/bridges", r.handleBridges)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprint(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server started", slog.String("addr", addr))
}

func (r *Runtime) stopCore() {
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func seedRecords(seeds []config.VoiceSeed) []voice.Record {
	out := make([]voice.Record, 0, len(seeds))
	for _, s := range seeds {
		out = append(out, voice.Record{
			Token:       s.Token,
			Name:        s.Name,
			Vendor:      s.Vendor,
			Module:      s.Module,
			Class:       s.Class,
			Language:    s.Language,
			Gender:      s.Gender,
			SearchPaths: s.SearchPaths,
			Config:      s.Config,
		})
	}
	return out
}

// buildCatalog registers the backend families enabled in config.
func buildCatalog(cfg config.BackendsConfig, logger *slog.Logger) *backend.Catalog {
	catalog := backend.NewCatalog()
	if cfg.Mock.Enabled {
		catalog.Register(backend.MockFamily())
	}
	if cfg.Exec.Enabled {
		catalog.Register(backend.ExecFamily())
	}
	if cfg.Wasm.Enabled {
		catalog.Register(backend.WasmFamily(logger))
	}
	if cfg.OpenAI.Enabled {
		catalog.Register(backend.OpenAIFamily(cfg.OpenAI))
	}
	if cfg.Yandex.Enabled {
		catalog.Register(backend.YandexFamily(cfg.Yandex))
	}
	names := make([]string, 0)
	for _, f := range catalog.Families() {
		names = append(names, f.Name)
	}
	logger.Info("backend families available", slog.Any("families", names))
	return catalog
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.pool.Stats())
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.registry.List())
}

func (r *Runtime) handleBridges(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, []capability.BridgeInfo{})
		return
	}
	writeJSON(w, r.presence.Bridges())
}

// announcement is the presence record of this bridge.
func (r *Runtime) announcement() capability.Announcement {
	families := r.catalog.Families()
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.Name)
	}
	addrs := make([]string, 0, len(r.listeners))
	for _, ln := range r.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return capability.Announcement{
		ID:        r.id,
		Name:      r.cfg.RuntimeName,
		Families:  names,
		Voices:    r.registry.Len(),
		Transport: addrs,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
