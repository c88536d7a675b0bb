package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/retention"
	"github.com/loqalabs/loqa-narrator/internal/router"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

// Runtime owns the narrator's components and servers for one process
// lifetime.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	voices   *voice.Registry
	store    *eventstore.Store
	synth    *tts.Service
	rewriter *llm.Rewriter
	sweeper  *retention.Sweeper
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	router   *router.Service
	pipeline *pipeline.Pipeline
	outDir   string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves HTTP until ctx is cancelled and then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	r.probe(ctx)

	api := &api{
		narrator:   r.pipeline,
		voices:     r.voices,
		journal:    r.store,
		outputDir:  r.outDir,
		llmEnabled: r.rewriter.Enabled(),
		ready:      &r.ready,
		logger:     r.logger.With(slog.String("component", "http")),
	}
	if r.bus != nil {
		api.checks = append(api.checks, r.bus.Healthy)
	}
	if r.router != nil {
		api.checks = append(api.checks, r.router.Healthy)
	}

	servers := []*http.Server{{
		Addr:              r.cfg.Addr(),
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	if r.cfg.Performance.BackgroundSweep {
		g.Go(func() error {
			r.sweeper.Run(gctx)
			return nil
		})
	}
	if r.store.Persistent() {
		g.Go(func() error {
			r.pruneLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.cfg.Addr()),
		slog.Int("voices", r.voices.Count()),
		slog.String("voices_dir", r.voices.Dir()),
		slog.String("output_dir", r.outDir),
		slog.Bool("llm_enabled", r.rewriter.Enabled()),
	)

	return g.Wait()
}

func (r *Runtime) build(ctx context.Context) error {
	outDir, err := filepath.Abs(r.cfg.Paths.OutputFolder)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	r.outDir = outDir

	r.voices, err = voice.Open(r.cfg.Paths, r.logger)
	if err != nil {
		return fmt.Errorf("load voices: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	backend, err := tts.NewBackend(r.cfg.TTS)
	if err != nil {
		return err
	}
	r.synth = tts.NewService(r.cfg.TTS, r.cfg.Performance.MaxTextLength, outDir, backend, r.logger)

	var completer llm.Completer
	if r.cfg.LLM.Enabled {
		completer = llm.NewOpenAICompleter(r.cfg.LLM.APIBase, r.cfg.LLM.APIKey, &http.Client{})
	}
	r.rewriter = llm.NewRewriter(r.cfg.LLM, completer, r.logger)

	r.sweeper = retention.FromConfig(r.cfg.Performance, outDir, r.logger)

	deps := pipeline.Deps{
		Rewriter:    r.rewriter,
		Voices:      r.voices,
		Synthesizer: r.synth,
		Journal:     r.store,
	}
	if !r.cfg.Performance.BackgroundSweep {
		deps.Sweeper = r.sweeper
	}

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			r.logger.Warn("narration notifications disabled", slogError(err))
		} else {
			deps.Notifier = r.bus
		}
	}

	r.pipeline = pipeline.New(deps, r.logger)

	if r.bus != nil && r.cfg.Bus.RequestSubject != "" {
		r.router = router.NewService(ctx, r.bus.Conn(), r.cfg.Bus.RequestSubject, r.pipeline, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("subscribe to narration requests: %w", err)
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	return err
}

// probe checks the external services once at startup. Failures are logged
// only; requests fall back or fail individually later.
func (r *Runtime) probe(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.synth.Ping(gctx)
		return nil
	})
	if r.rewriter.Enabled() {
		g.Go(func() error {
			r.rewriter.Ping(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
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

func (r *Runtime) close() {
	if r.router != nil {
		r.router.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
}
