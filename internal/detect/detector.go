package detect

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/ingest"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// deferredQueueSize bounds the background analysis backlog. When full,
// deferred work for new events is dropped (the cheap synchronous
// strategies already ran for them).
const deferredQueueSize = 1024

// Detector runs the detection strategies over incoming events.
//
// Per event, the cheap strategies (pattern classification, anomaly
// observation) always run synchronously. The expensive causal walk
// runs synchronously only while inside the per-event time budget and
// the rate limiter's allowance; otherwise the event is acknowledged
// immediately and the walk happens in the background pass. Ingestion
// latency stays bounded regardless of how busy detection gets.
type Detector struct {
	registry *Registry
	pattern  *PatternMatcher
	anomaly  *AnomalyDetector
	causal   *CausalAnalyzer

	budget  time.Duration
	limiter *rate.Limiter

	deferred chan deferredWork
	logger   *zap.Logger
	metrics  *detectMetrics
}

type deferredWork struct {
	candidate Candidate
	at        time.Time
}

// New creates a detector wiring all four strategies.
func New(cfg config.DetectConfig, store *statestore.Store, registry *Registry, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern, err := NewPatternMatcher(DefaultSignatures())
	if err != nil {
		return nil, err
	}
	anomaly, err := NewAnomalyDetector(cfg.ZScoreThreshold, cfg.WarmupSamples)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.EventsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.EventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}

	return &Detector{
		registry: registry,
		pattern:  pattern,
		anomaly:  anomaly,
		causal:   NewCausalAnalyzer(store, cfg.CausalWindow.Duration(), cfg.CausalMaxDepth),
		budget:   cfg.SyncBudget.Duration(),
		limiter:  limiter,
		deferred: make(chan deferredWork, deferredQueueSize),
		logger:   logger,
		metrics:  registry.metrics,
	}, nil
}

// Patterns exposes the matcher for signature registration.
func (d *Detector) Patterns() *PatternMatcher { return d.pattern }

// Anomalies exposes the anomaly detector for baseline maintenance.
func (d *Detector) Anomalies() *AnomalyDetector { return d.anomaly }

// HandleEvent runs detection for one structured event. Safe for
// concurrent use; always returns quickly.
func (d *Detector) HandleEvent(ctx context.Context, ev *ingest.Event) {
	if ev == nil {
		return
	}
	start := time.Now()
	d.metrics.recordEvent()

	var candidates []Candidate

	d.isolate("pattern", func() {
		if c := d.pattern.Match(ev); c != nil {
			candidates = append(candidates, *c)
		}
	})

	d.isolate("anomaly", func() {
		source := eventSource(ev)
		for signal, value := range ev.Numbers {
			if c := d.anomaly.Observe(source, signal, value); c != nil {
				c.Evidence.Line = ev.Raw
				candidates = append(candidates, *c)
			}
		}
	})

	// Causal enrichment is the expensive part. Inside budget and
	// allowance it runs inline; otherwise the bare candidates are
	// reported now and re-reported enriched by the background pass.
	inline := d.limiter.Allow() && time.Since(start) < d.budget

	for _, c := range candidates {
		if inline && time.Since(start) < d.budget {
			d.isolate("causal", func() {
				d.causal.Explain(&c, ev.Timestamp)
			})
		} else {
			d.enqueue(deferredWork{candidate: c, at: ev.Timestamp})
			d.metrics.recordDeferred()
		}
		if _, _, err := d.registry.Report(c); err != nil {
			d.logger.Error("failed to report candidate",
				zap.String("type", c.Type),
				zap.Error(err))
		}
	}

	d.metrics.recordHandleDuration(time.Since(start).Seconds())
}

// Run drains the deferred analysis queue until ctx is done. Blocks;
// run in its own goroutine.
func (d *Detector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-d.deferred:
			d.isolate("causal", func() {
				d.causal.Explain(&work.candidate, work.at)
			})
			if len(work.candidate.Evidence.CausalChain) == 0 {
				continue
			}
			// Re-reporting merges the chain into the existing issue;
			// the occurrence count moves with it, which is accurate:
			// the background pass saw the same occurrence the inline
			// pass already counted, so only evidence should change.
			if issue, ok := d.registry.Get(IssueID(work.candidate.Type, work.candidate.Source, work.candidate.Signature)); ok {
				d.attachChain(issue.ID, work.candidate.Evidence.CausalChain)
			}
		}
	}
}

// attachChain merges a causal chain into an existing issue without
// touching its occurrence accounting.
func (d *Detector) attachChain(id string, chain []statestore.ChangeRecord) {
	slot, ok := d.registry.lookup(id)
	if !ok {
		return
	}
	slot.mu.Lock()
	if slot.issue.ID == id {
		slot.issue.Evidence.CausalChain = chain
		issue := slot.issue
		slot.mu.Unlock()
		d.registry.persist(issue)
		return
	}
	slot.mu.Unlock()
}

// enqueue adds background work, dropping it when the queue is full.
func (d *Detector) enqueue(work deferredWork) {
	select {
	case d.deferred <- work:
	default:
		d.metrics.recordDeferredDropped()
		d.logger.Warn("deferred analysis queue full, dropping",
			zap.String("type", work.candidate.Type))
	}
}

// isolate runs one strategy step with panic recovery. A failing
// strategy becomes a self-monitoring issue and the rest keep running.
func (d *Detector) isolate(strategy string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("detection strategy panicked",
				zap.String("strategy", strategy),
				zap.Any("panic", rec))
			d.registry.ReportStrategyFailure(strategy, rec)
		}
	}()
	fn()
}
