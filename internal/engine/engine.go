// Package engine is the composition root. It wires the state store,
// log ingestion, detection strategies, knowledge base, decision policy,
// and HTTP server together, and owns the lifecycle of every background
// worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/decision"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	httpapi "github.com/fyrsmithlabs/wardend/internal/http"
	"github.com/fyrsmithlabs/wardend/internal/ingest"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
	"github.com/fyrsmithlabs/wardend/internal/telemetry"
)

// anomalyDecayInterval is how often anomaly baselines are aged so the
// statistics track the service's current behavior instead of its
// all-time history.
const anomalyDecayInterval = time.Hour

// learningSectionName keys the knowledge tables inside the persisted
// state document.
const learningSectionName = "learning"

// Engine owns every wardend component and its background workers.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry  *telemetry.Provider
	store      *statestore.Store
	registry   *detect.Registry
	ingestor   *ingest.Ingestor
	tailers    []*ingest.Tailer
	detector   *detect.Detector
	invariants *detect.InvariantChecker
	base       *knowledge.Base
	decision   *decision.Engine
	server     *httpapi.Server
}

// New builds a fully wired engine from configuration. Persisted state
// is loaded before any worker starts, so restored issues and learned
// patterns are visible from the first request.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	provider, err := telemetry.NewProvider(&telemetry.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   "dev",
		GoRuntimeMetrics: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	store := statestore.New(cfg.Store.HistorySize, logger)

	registry, err := detect.NewRegistry(store, logger)
	if err != nil {
		return nil, err
	}

	base, err := knowledge.New(cfg.Learning, registry, logger)
	if err != nil {
		return nil, err
	}
	store.RegisterSection(learningSectionName, base)

	// Load before anything writes. A missing document is a fresh start;
	// a corrupt one is quarantined inside Load.
	if err := store.Load(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("loading state document: %w", err)
	}
	if restored := registry.Restore(); restored > 0 {
		logger.Info("restored issues from state document", zap.Int("count", restored))
	}

	dec, err := decision.New(cfg.Decision, registry, base, store, logger)
	if err != nil {
		return nil, err
	}

	ingestor, err := ingest.New(ingest.Config{
		NoisePatterns: cfg.Ingest.NoisePatterns,
		MaxLineLength: cfg.Ingest.MaxLineLength,
	}, logger)
	if err != nil {
		return nil, err
	}

	detector, err := detect.New(cfg.Detect, store, registry, logger)
	if err != nil {
		return nil, err
	}

	invariants, err := detect.NewInvariantChecker(store, registry, logger)
	if err != nil {
		return nil, err
	}

	tailers := make([]*ingest.Tailer, 0, len(cfg.Ingest.Sources))
	for _, src := range cfg.Ingest.Sources {
		tailer, err := ingest.NewTailer(ingest.TailConfig{
			Source:        src.Name,
			Path:          src.Path,
			FromStart:     src.FromStart,
			FlushInterval: cfg.Ingest.OffsetFlushInterval.Duration(),
		}, ingestor, store, detector.HandleEvent, logger)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		tailers = append(tailers, tailer)
	}

	server, err := httpapi.NewServer(registry, dec, base, store, logger, &httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MetricsHandler: provider.Handler(),
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		telemetry:  provider,
		store:      store,
		registry:   registry,
		ingestor:   ingestor,
		tailers:    tailers,
		detector:   detector,
		invariants: invariants,
		base:       base,
		decision:   dec,
		server:     server,
	}, nil
}

// Run starts every worker and the HTTP server, then blocks until ctx
// is cancelled or the server fails. Shutdown drains the server, stops
// the workers, and flushes the state document.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	start(func(ctx context.Context) {
		e.store.Run(ctx, e.cfg.Store.Path, e.cfg.Store.PersistInterval.Duration())
	})
	start(e.detector.Run)
	// The invariant subscription is registered before any tailer can
	// ingest a line, so the first writes are never missed; restored
	// state additionally gets one full sweep.
	start(e.invariants.Watch())
	e.invariants.CheckNow()
	start(e.base.RunWatchdog)
	start(e.decayLoop)
	for _, tailer := range e.tailers {
		start(tailer.Run)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.server.Start()
	}()

	e.logger.Info("wardend running",
		zap.String("host", e.cfg.Server.Host),
		zap.Int("port", e.cfg.Server.Port),
		zap.Int("sources", len(e.tailers)))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	cancel()

	shutdownTimeout := e.cfg.Server.ShutdownTimeout.Duration()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("http shutdown failed", zap.Error(err))
	}
	wg.Wait()

	if err := e.telemetry.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return runErr
}

// decayLoop periodically ages the anomaly baselines.
func (e *Engine) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(anomalyDecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.detector.Anomalies().Decay()
		}
	}
}

// Store exposes the state store for state push integration.
func (e *Engine) Store() *statestore.Store { return e.store }

// Registry exposes the issue registry.
func (e *Engine) Registry() *detect.Registry { return e.registry }

// Detector exposes the detector, e.g. for feeding events directly.
func (e *Engine) Detector() *detect.Detector { return e.detector }

// Invariants exposes the invariant checker for predicate registration.
func (e *Engine) Invariants() *detect.InvariantChecker { return e.invariants }

// Ingestor exposes the log ingestor for extractor registration.
func (e *Engine) Ingestor() *ingest.Ingestor { return e.ingestor }

// Knowledge exposes the fix knowledge base.
func (e *Engine) Knowledge() *knowledge.Base { return e.base }

// Decision exposes the decision engine.
func (e *Engine) Decision() *decision.Engine { return e.decision }

// Handler exposes the HTTP routing tree, mainly for tests.
func (e *Engine) Handler() nethttp.Handler { return e.server.Handler() }
