package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sense/internal/bus"
	"github.com/loqalabs/loqa-sense/internal/capability"
	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/eventstore"
	"github.com/loqalabs/loqa-sense/internal/natsserver"
	"github.com/loqalabs/loqa-sense/internal/presentation"
	"github.com/loqalabs/loqa-sense/internal/session"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	// Version is reported as service.version on telemetry.
	Version string

	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	server   *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	hub      *presentation.Hub
	recorder *presentation.Recorder
	sink     presentation.Multi
	registry *capability.Registry
	control  *nats.Subscription

	handlerMu sync.Mutex
	closing   bool
	handlers  sync.WaitGroup

	sessions map[session.Modality]*session.Controller
	order    []session.Modality
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		Version:  "dev",
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[session.Modality]*session.Controller),
	}
}

// Start brings up telemetry and the session runtime, serves until ctx ends, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.Version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		r.close()
		return err
	}
	defer r.close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.checkCapture(gctx)
		return nil
	})
	g.Go(func() error {
		r.runPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("sessions", len(r.order)),
		slog.String("capture_mode", r.cfg.Capture.Mode),
	)

	return g.Wait()
}

// setup connects the bus, opens the event store, builds the sinks and one controller
// per enabled modality, and returns the HTTP handler. close undoes whatever setup did,
// including after a partial failure.
func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	if err := r.connectBus(ctx); err != nil {
		return nil, err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	r.sink = presentation.Multi{
		presentation.NewLogSink(r.logger),
		presentation.NewBusSink(r.bus, r.cfg.Presentation.SubjectPrefix, r.logger),
	}
	if r.cfg.Presentation.Websocket {
		r.hub = presentation.NewHub(r.cfg.Presentation.ClientBuffer, r.logger)
		r.hub.SetControls(r)
		r.sink = append(r.sink, r.hub)
	}
	r.recorder = presentation.NewRecorder(store, r.cfg.EventStore.RecordPredictions, 0, r.logger)
	r.sink = append(r.sink, r.recorder)

	if err := r.buildSessions(ctx); err != nil {
		return nil, err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.capabilities(), r.sessionStates, r.bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	if err := r.subscribeControl(); err != nil {
		return nil, err
	}

	return r.routes(metricsHandler), nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, "", r.logger.With(slog.String("component", "nats")))
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.server = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

// close destroys the sessions first so their final state changes still reach the
// sinks, then releases the sinks, the store and the bus.
func (r *Runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.control != nil {
		_ = r.control.Drain()
	}
	for _, m := range r.order {
		if err := r.sessions[m].Destroy(ctx); err != nil {
			r.logger.Warn("session destroy failed", slog.String("modality", string(m)), slogError(err))
		}
	}
	r.handlerMu.Lock()
	r.closing = true
	r.handlerMu.Unlock()
	r.handlers.Wait()
	if r.registry != nil {
		r.registry.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.server != nil {
		r.server.Shutdown()
	}
}

// checkCapture warns once the registry has had a heartbeat period to learn about edge
// devices when an enabled modality's device is not advertised by any node.
func (r *Runtime) checkCapture(ctx context.Context) {
	if r.cfg.Capture.Mode != "bus" || r.registry == nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(r.cfg.Node.HeartbeatTimeout) * time.Millisecond):
	}
	for _, m := range r.order {
		device := sessionConfigFor(r.cfg, m).Device
		if r.registry.HasCaptureDevice(device) {
			continue
		}
		r.logger.Warn("no node advertises capture device",
			slog.String("modality", string(m)),
			slog.String("device", device),
		)
		r.sink.Notify(m, fmt.Sprintf("No %s is available on the bus; %s recognition cannot start yet.", device, m), session.SeverityWarning)
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
