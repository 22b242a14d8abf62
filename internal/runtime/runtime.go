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

	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/loqalabs/harijap/internal/counter"
	"github.com/loqalabs/harijap/internal/eventstore"
	"github.com/loqalabs/harijap/internal/natsserver"
	"github.com/loqalabs/harijap/internal/speech"
	"github.com/loqalabs/harijap/internal/store"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	store         store.Store
	journal       *eventstore.Store
	speech        *speech.Service
	counter       *counter.Service
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.newRouter(r.counter, r.cfg.Chant.CycleSize, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}

	r.store, err = store.Open(ctx, r.cfg.Store, r.bus, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open counter store: %w", err)
	}

	r.journal, err = eventstore.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if err := r.journal.Prune(ctx); err != nil {
		r.logger.Warn("journal prune failed", slogError(err))
	}

	if r.cfg.Chant.Threshold == 0 {
		r.logger.Warn("chant.threshold is 0, every transcript with the right word count will count")
	}
	r.counter, err = counter.NewService(ctx, r.cfg.Chant, r.bus, r.store, r.journal, r.logger)
	if err != nil {
		return err
	}
	if err := r.counter.Start(); err != nil {
		return fmt.Errorf("start counter service: %w", err)
	}

	recognizer, err := speech.NewRecognizer(r.cfg.Speech, r.cfg.Chant.Variants)
	if err != nil {
		return fmt.Errorf("build recognizer: %w", err)
	}
	r.speech = speech.NewService(ctx, r.cfg.Speech, r.bus, recognizer, r.logger)
	if err := r.speech.Start(); err != nil {
		return fmt.Errorf("start speech adapter: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

// shutdown stops components in reverse start order.
func (r *Runtime) shutdown() error {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var errs []error
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	r.wg.Wait()

	if r.speech != nil {
		r.speech.Close()
	}
	if r.counter != nil {
		r.counter.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error("shutdown finished with errors", slogError(err))
	}
	return err
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.counter != nil && r.counter.Healthy() && r.speech != nil && r.speech.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
