package detect

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// issuePathPrefix is where issue snapshots live in the state store.
const issuePathPrefix = "issues."

// issueSlot serializes all mutation of one signature. The slot mutex
// is the per-signature lock the merge step relies on; unrelated
// signatures never contend.
type issueSlot struct {
	mu sync.Mutex

	issue Issue

	// generation counts how many resolved issues this signature has
	// produced. A re-detection after resolution starts a fresh issue
	// rather than reopening a terminal one.
	generation int
}

// Registry owns the canonical Issue records.
//
// Candidates from any strategy merge here: an open issue with the same
// signature absorbs the repeat (occurrence count, last seen, max
// severity); otherwise a new issue is created in status detected.
// Every change is mirrored into the state store so issue state
// survives restarts and is visible through the query surface.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*issueSlot

	store   *statestore.Store
	logger  *zap.Logger
	metrics *detectMetrics

	// onIssue, when set, is told about every new or re-detected issue.
	// The decision engine hooks in here.
	onIssue   func(issue Issue, created bool)
	onIssueMu sync.RWMutex
}

// NewRegistry creates an issue registry backed by store.
func NewRegistry(store *statestore.Store, logger *zap.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		slots:   make(map[string]*issueSlot),
		store:   store,
		logger:  logger,
		metrics: newDetectMetrics(logger),
	}, nil
}

// OnIssue registers the callback invoked after every merge. Replaces
// any previous callback.
func (r *Registry) OnIssue(fn func(issue Issue, created bool)) {
	r.onIssueMu.Lock()
	r.onIssue = fn
	r.onIssueMu.Unlock()
}

// Report merges a candidate into the registry.
//
// Returns the post-merge issue and whether it was newly created.
// Detecting the same problem twice yields one issue with
// OccurrenceCount=2, never two issues.
func (r *Registry) Report(c Candidate) (Issue, bool, error) {
	if err := c.Validate(); err != nil {
		return Issue{}, false, err
	}

	baseID := IssueID(c.Type, c.Source, c.Signature)
	slot := r.slot(baseID)

	slot.mu.Lock()
	now := time.Now().UTC()

	var created bool
	switch {
	case slot.issue.ID == "":
		slot.issue = r.newIssue(baseID, c, now)
		created = true

	case slot.issue.Status == StatusResolved:
		// Terminal issue: the signature recurs as a fresh issue. The
		// resolved record stays in the store for pattern learning.
		slot.generation++
		id := fmt.Sprintf("%s-%d", baseID, slot.generation)
		slot.issue = r.newIssue(id, c, now)
		created = true

	default:
		slot.issue.OccurrenceCount++
		slot.issue.LastSeen = now
		slot.issue.Severity = maxSeverity(slot.issue.Severity, c.Severity)
		mergeEvidence(&slot.issue.Evidence, c.Evidence)
	}

	issue := slot.issue
	slot.mu.Unlock()

	r.persist(issue)
	r.metrics.recordCandidate(string(c.Method), created)
	if created {
		r.logger.Info("issue detected",
			zap.String("issue.id", issue.ID),
			zap.String("type", issue.Type),
			zap.String("source", issue.Source),
			zap.String("severity", issue.Severity.String()),
			zap.String("method", string(issue.DetectionMethod)))
	}

	r.onIssueMu.RLock()
	fn := r.onIssue
	r.onIssueMu.RUnlock()
	if fn != nil {
		fn(issue, created)
	}
	return issue, created, nil
}

// ReportStrategyFailure records a recovered strategy panic or internal
// error as a low-severity issue against the engine itself. One broken
// strategy must never take the others down, but it must not fail
// silently either.
func (r *Registry) ReportStrategyFailure(strategy string, cause interface{}) {
	r.metrics.recordStrategyFailure(strategy)
	_, _, err := r.Report(Candidate{
		Type:      "detector_strategy_failure",
		Source:    "wardend",
		Severity:  SeverityLow,
		Method:    MethodState,
		Signature: strategy,
		Evidence: Evidence{
			Detail: fmt.Sprintf("strategy %s failed: %v", strategy, cause),
			Fields: map[string]string{"strategy": strategy},
		},
	})
	if err != nil {
		r.logger.Error("failed to record strategy failure",
			zap.String("strategy", strategy),
			zap.Error(err))
	}
}

// SetStatus moves an issue through its lifecycle, enforcing the
// transition rules. Same-status writes are no-ops.
func (r *Registry) SetStatus(id string, next Status) (Issue, error) {
	if !next.Valid() {
		return Issue{}, fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}

	slot, ok := r.lookup(id)
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}

	slot.mu.Lock()
	if slot.issue.ID != id {
		// The slot has moved on to a later generation.
		slot.mu.Unlock()
		return Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	current := slot.issue.Status
	if current == next {
		issue := slot.issue
		slot.mu.Unlock()
		return issue, nil
	}
	if !current.CanTransition(next) {
		slot.mu.Unlock()
		return Issue{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	slot.issue.Status = next
	issue := slot.issue
	slot.mu.Unlock()

	r.persist(issue)
	r.logger.Info("issue status changed",
		zap.String("issue.id", id),
		zap.String("from", string(current)),
		zap.String("to", string(next)))
	return issue, nil
}

// Get returns a copy of one issue by id.
func (r *Registry) Get(id string) (Issue, bool) {
	slot, ok := r.lookup(id)
	if !ok {
		return Issue{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.issue.ID != id {
		return Issue{}, false
	}
	return slot.issue, true
}

// List returns all current issues, optionally filtered by status.
// Sorted by severity descending, then last seen descending.
func (r *Registry) List(statuses ...Status) []Issue {
	r.mu.RLock()
	slots := make([]*issueSlot, 0, len(r.slots))
	for _, slot := range r.slots {
		slots = append(slots, slot)
	}
	r.mu.RUnlock()

	var out []Issue
	for _, slot := range slots {
		slot.mu.Lock()
		issue := slot.issue
		slot.mu.Unlock()
		if issue.ID == "" {
			continue
		}
		if len(statuses) > 0 && !statusIn(issue.Status, statuses) {
			continue
		}
		out = append(out, issue)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// ActiveCount returns how many issues are currently active or
// resolving. Feeds the escalation policy.
func (r *Registry) ActiveCount() int {
	return len(r.List(StatusActive, StatusResolving))
}

// Restore rebuilds registry state from persisted issue snapshots.
// Called once at startup, before any detection runs.
func (r *Registry) Restore() int {
	restored := 0
	for path, entry := range r.store.Snapshot() {
		if len(path) <= len(issuePathPrefix) || path[:len(issuePathPrefix)] != issuePathPrefix {
			continue
		}
		issue, err := decodeIssue(entry.Value)
		if err != nil {
			r.logger.Warn("skipping unreadable persisted issue",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		base, gen := splitGeneration(issue.ID)

		r.mu.Lock()
		slot, ok := r.slots[base]
		if !ok {
			slot = &issueSlot{}
			r.slots[base] = slot
		}
		r.mu.Unlock()

		slot.mu.Lock()
		// Keep the latest generation as the live record.
		if slot.issue.ID == "" || gen >= slot.generation {
			slot.issue = issue
			slot.generation = gen
		}
		slot.mu.Unlock()
		restored++
	}
	if restored > 0 {
		r.logger.Info("restored persisted issues", zap.Int("count", restored))
	}
	return restored
}

func (r *Registry) newIssue(id string, c Candidate, now time.Time) Issue {
	return Issue{
		ID:              id,
		Type:            c.Type,
		Severity:        c.Severity,
		Source:          c.Source,
		DetectionMethod: c.Method,
		Status:          StatusDetected,
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
		Evidence:        c.Evidence,
	}
}

// slot returns the per-signature slot for baseID, creating it if
// needed. baseID is the generation-less hash.
func (r *Registry) slot(baseID string) *issueSlot {
	r.mu.RLock()
	slot, ok := r.slots[baseID]
	r.mu.RUnlock()
	if ok {
		return slot
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok = r.slots[baseID]; ok {
		return slot
	}
	slot = &issueSlot{}
	r.slots[baseID] = slot
	return slot
}

// lookup finds the slot currently holding issue id, which may carry a
// generation suffix.
func (r *Registry) lookup(id string) (*issueSlot, bool) {
	base, _ := splitGeneration(id)
	r.mu.RLock()
	slot, ok := r.slots[base]
	r.mu.RUnlock()
	return slot, ok
}

func (r *Registry) persist(issue Issue) {
	if _, err := r.store.Set(issuePathPrefix+issue.ID, issue); err != nil {
		r.logger.Error("failed to persist issue snapshot",
			zap.String("issue.id", issue.ID),
			zap.Error(err))
	}
}

func mergeEvidence(dst *Evidence, src Evidence) {
	if src.Line != "" {
		dst.Line = src.Line
	}
	if src.Invariant != "" {
		dst.Invariant = src.Invariant
	}
	if src.Detail != "" {
		dst.Detail = src.Detail
	}
	if src.Signal != "" {
		dst.Signal = src.Signal
		dst.Value = src.Value
		dst.ZScore = src.ZScore
	}
	if len(src.CausalChain) > 0 {
		dst.CausalChain = src.CausalChain
	}
	for k, v := range src.Fields {
		if dst.Fields == nil {
			dst.Fields = make(map[string]string)
		}
		dst.Fields[k] = v
	}
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// splitGeneration separates an issue id into its stable signature hash
// and generation counter.
func splitGeneration(id string) (base string, gen int) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			var n int
			if _, err := fmt.Sscanf(id[i+1:], "%d", &n); err == nil {
				return id[:i], n
			}
			break
		}
	}
	return id, 0
}
