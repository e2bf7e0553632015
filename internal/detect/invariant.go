package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// StateReader is the read-only slice of the state store invariant
// predicates evaluate against.
type StateReader interface {
	Get(path string) (statestore.Entry, bool)
	Snapshot() map[string]statestore.Entry
}

// Invariant is a predicate over state that must always hold.
//
// Check returns nil when the invariant holds and a descriptive error
// when it is violated. The error message becomes issue evidence, so
// it should say what was expected and what was found.
type Invariant struct {
	// Name identifies the invariant in evidence and logs.
	Name string

	// PathPrefix scopes evaluation: the invariant runs only when a
	// path under this prefix changes. Empty means every change.
	PathPrefix string

	// Severity of the issue raised on violation.
	Severity Severity

	// Check evaluates the predicate against current state.
	Check func(state StateReader) error
}

// InvariantChecker evaluates registered invariants on every relevant
// state change.
//
// A violation is immediate evidence, independent of whether the
// violating write ever produced a log line.
type InvariantChecker struct {
	mu         sync.RWMutex
	invariants map[string]Invariant

	store    *statestore.Store
	registry *Registry
	logger   *zap.Logger
}

// NewInvariantChecker creates a checker feeding violations into reg.
func NewInvariantChecker(store *statestore.Store, reg *Registry, logger *zap.Logger) (*InvariantChecker, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvariantChecker{
		invariants: make(map[string]Invariant),
		store:      store,
		registry:   reg,
		logger:     logger,
	}, nil
}

// Register adds an invariant. Names are unique.
func (c *InvariantChecker) Register(inv Invariant) error {
	if inv.Name == "" {
		return fmt.Errorf("invariant name cannot be empty")
	}
	if inv.Check == nil {
		return fmt.Errorf("invariant %q has no check function", inv.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.invariants[inv.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInvariant, inv.Name)
	}
	c.invariants[inv.Name] = inv
	return nil
}

// Watch subscribes to state changes immediately and returns the drain
// loop. Subscribing before the loop is scheduled means no write that
// happens between startup and the loop's first receive is missed; the
// subscription buffers it.
func (c *InvariantChecker) Watch() func(context.Context) {
	changes, cancel := c.store.Subscribe("")

	return func(ctx context.Context) {
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-changes:
				if !ok {
					return
				}
				if internalPath(rec.Path) {
					continue
				}
				c.evaluate(rec)
			}
		}
	}
}

// Run subscribes to state changes and evaluates invariants until ctx
// is done. Blocks; run in its own goroutine. Callers that must not
// miss writes issued while the goroutine is being scheduled should
// use Watch instead.
func (c *InvariantChecker) Run(ctx context.Context) {
	c.Watch()(ctx)
}

// CheckNow evaluates every registered invariant immediately,
// regardless of path scoping. Used at startup and by the background
// detection pass.
func (c *InvariantChecker) CheckNow() {
	c.mu.RLock()
	invs := make([]Invariant, 0, len(c.invariants))
	for _, inv := range c.invariants {
		invs = append(invs, inv)
	}
	c.mu.RUnlock()

	for _, inv := range invs {
		c.run(inv, "")
	}
}

func (c *InvariantChecker) evaluate(rec statestore.ChangeRecord) {
	c.mu.RLock()
	invs := make([]Invariant, 0, len(c.invariants))
	for _, inv := range c.invariants {
		if inv.PathPrefix == "" || strings.HasPrefix(rec.Path, inv.PathPrefix) {
			invs = append(invs, inv)
		}
	}
	c.mu.RUnlock()

	for _, inv := range invs {
		c.run(inv, rec.Path)
	}
}

// run evaluates one invariant with panic isolation. A predicate that
// panics becomes a self-monitoring issue, not a dead checker.
func (c *InvariantChecker) run(inv Invariant, changedPath string) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("invariant check panicked",
				zap.String("invariant", inv.Name),
				zap.Any("panic", rec))
			c.registry.ReportStrategyFailure("invariant:"+inv.Name, rec)
		}
	}()

	err := inv.Check(c.store)
	if err == nil {
		return
	}

	fields := map[string]string{}
	if changedPath != "" {
		fields["changed_path"] = changedPath
	}
	if _, _, rerr := c.registry.Report(Candidate{
		Type:      "invariant_violation",
		Source:    invariantSource(inv),
		Severity:  inv.Severity,
		Method:    MethodState,
		Signature: inv.Name,
		Evidence: Evidence{
			Invariant: inv.Name,
			Detail:    err.Error(),
			Fields:    fields,
		},
	}); rerr != nil {
		c.logger.Error("failed to report invariant violation",
			zap.String("invariant", inv.Name),
			zap.Error(rerr))
	}
}

func invariantSource(inv Invariant) string {
	if inv.PathPrefix != "" {
		return strings.TrimSuffix(inv.PathPrefix, ".")
	}
	return "state"
}

// internalPath reports whether a store path belongs to the engine's
// own bookkeeping rather than observed game state. Evaluating
// invariants on our own writes would loop.
func internalPath(path string) bool {
	for _, prefix := range []string{"issues.", "ingest.", "learning.", "system."} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
