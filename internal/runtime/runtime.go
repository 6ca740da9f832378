package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/bus"
	"github.com/loqalabs/loqa-recognition/internal/capability"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/eventstore"
	"github.com/loqalabs/loqa-recognition/internal/gateway"
	"github.com/loqalabs/loqa-recognition/internal/natsserver"
	"github.com/loqalabs/loqa-recognition/internal/recognition"
	"github.com/loqalabs/loqa-recognition/internal/session"
	"github.com/loqalabs/loqa-recognition/internal/stt"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type healthCheck struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	mu     sync.Mutex
	checks []healthCheck
	addrs  map[string]string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addrs:  make(map[string]string),
	}
}

// Start brings up every service and blocks until ctx is cancelled or a
// server fails. Services are torn down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	backend, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("stt backend: %w", err)
	}
	var native stt.Recognizer
	if r.cfg.Native.Enabled {
		native, err = stt.NewNativeBackend(r.cfg.Native)
		if err != nil {
			return fmt.Errorf("native backend: %w", err)
		}
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	defer registry.Close()
	if native != nil {
		nativeCap := config.NodeCapability{
			Name:       r.cfg.Native.Capability,
			Tier:       "local",
			Attributes: map[string]string{"mode": r.cfg.Native.Mode},
		}
		if err := registry.Advertise(nativeCap); err != nil {
			r.logger.Warn("failed to advertise native capability", slog.String("error", err.Error()))
		}
	}
	probe := recognition.ProbeFunc(func() bool {
		return registry.HasLocalCapability(r.cfg.Native.Capability)
	})

	manager := session.NewManager(ctx, r.cfg, session.Deps{
		Backend:   backend,
		Native:    native,
		Probe:     probe,
		Store:     store,
		Publisher: busClient,
	}, r.logger)
	defer manager.CloseAll()

	busService := session.NewBusService(ctx, manager, busClient, r.logger)
	if err := busService.Start(); err != nil {
		return fmt.Errorf("session bus service: %w", err)
	}
	defer busService.Close()

	r.mu.Lock()
	r.checks = []healthCheck{
		{name: "bus", healthy: busClient.Healthy},
		{name: "capabilities", healthy: registry.Healthy},
		{name: "sessions", healthy: manager.Healthy},
		{name: "session_bus", healthy: busService.Healthy},
	}
	r.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/nodes", nodesHandler(registry))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.cfg.Gateway.Enabled {
		mux.Handle(r.cfg.Gateway.Path, gateway.New(manager, r.cfg.Gateway, r.logger))
	}

	servers := map[string]*http.Server{
		"http": {
			Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers["metrics"] = &http.Server{
			Addr:              bind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	listeners := make(map[string]net.Listener, len(servers))
	for name, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("listen %s on %s: %w", name, srv.Addr, err)
		}
		listeners[name] = ln
		r.setAddr(name, ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		ln := listeners[name]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx, store)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for name, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("server", name), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	capNames := make([]string, 0)
	for _, c := range registry.LocalCapabilities() {
		capNames = append(capNames, c.Name)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr("http")),
		slog.String("capabilities", strings.Join(capNames, ",")),
		slog.Bool("gateway", r.cfg.Gateway.Enabled),
		slog.Bool("native", native != nil))

	return g.Wait()
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// nodesHandler lists the nodes known to the registry, optionally only those
// advertising ?capability=name.
func nodesHandler(registry *capability.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var filter func(capability.NodeInfo) bool
		if name := req.URL.Query().Get("capability"); name != "" {
			filter = capability.WithCapabilityFilter(name)
		}
		nodes := registry.Query(filter)
		if nodes == nil {
			nodes = []capability.NodeInfo{}
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nodes)
	}
}

func (r *Runtime) setAddr(name, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[name] = addr
}

// Addr reports the bound address of a server ("http" or "metrics").
func (r *Runtime) Addr(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[name]
}

// Ready reports whether the runtime is serving.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	r.mu.Lock()
	checks := append([]healthCheck(nil), r.checks...)
	r.mu.Unlock()

	var failing []string
	for _, check := range checks {
		if !check.healthy() {
			failing = append(failing, check.name)
		}
	}
	if len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ",")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
