// Package decision turns detected issues and accumulated fix
// knowledge into actions: which issues are worth working, which fix
// to try next, when the whole system should escalate, and when an
// issue is done.
//
// The policy is deterministic and inspectable. Everything it decides
// follows from the issue registry, the knowledge base, and the
// configured thresholds.
package decision

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// escalationPath is where the escalation decision lives in the store.
const escalationPath = "system.escalation"

// ErrNoKnownMethods means the knowledge base has nothing for the
// issue's type yet.
var ErrNoKnownMethods = errors.New("no known methods for issue type")

// EscalationState is the global pause-the-dependent-system decision.
type EscalationState struct {
	// Active reports whether the escalation is currently raised.
	Active bool `json:"active"`

	// Reason says which policy threshold tripped.
	Reason string `json:"reason,omitempty"`

	// Since is when the escalation was raised.
	Since time.Time `json:"since,omitempty"`

	// TriggeredBy lists the issue ids behind the decision.
	TriggeredBy []string `json:"triggered_by,omitempty"`
}

// Engine is the decision layer over the registry and knowledge base.
type Engine struct {
	cfg      config.DecisionConfig
	registry *detect.Registry
	base     *knowledge.Base
	store    *statestore.Store
	logger   *zap.Logger
	metrics  *decisionMetrics

	activationSev detect.Severity
	escalationSev detect.Severity

	mu         sync.Mutex
	escalation EscalationState
}

// New creates the decision engine and hooks it into the registry's
// issue stream and the knowledge base's outcome stream.
func New(cfg config.DecisionConfig, registry *detect.Registry, base *knowledge.Base, store *statestore.Store, logger *zap.Logger) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if base == nil {
		return nil, fmt.Errorf("knowledge base cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	activation, err := detect.ParseSeverity(cfg.ActivationSeverity)
	if err != nil {
		return nil, fmt.Errorf("invalid activation severity: %w", err)
	}
	escalation, err := detect.ParseSeverity(cfg.EscalationSeverity)
	if err != nil {
		return nil, fmt.Errorf("invalid escalation severity: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		registry:      registry,
		base:          base,
		store:         store,
		logger:        logger,
		metrics:       newDecisionMetrics(logger),
		activationSev: activation,
		escalationSev: escalation,
	}
	registry.OnIssue(e.handleIssue)
	base.OnOutcome(e.handleOutcome)
	return e, nil
}

// handleIssue reacts to every detection merge. New issues at or above
// the activation severity go straight to active; new issues whose
// type is already being worked are suppressed as repeats; the rest
// wait in detected. Merges into existing issues can push a severity
// over the activation line, which also activates.
func (e *Engine) handleIssue(issue detect.Issue, created bool) {
	switch {
	case created && issue.Severity >= e.activationSev:
		e.transition(issue.ID, detect.StatusActive)

	case created && e.typeBeingWorked(issue):
		e.transition(issue.ID, detect.StatusSuppressed)

	case !created && issue.Status == detect.StatusDetected && issue.Severity >= e.activationSev:
		e.transition(issue.ID, detect.StatusActive)
	}
	e.EvaluateEscalation()
}

// handleOutcome reacts to every finalized attempt: success resolves
// the issue, anything else puts it back to active for the next
// suggestion.
func (e *Engine) handleOutcome(a knowledge.Attempt) {
	if a.Result == knowledge.ResultSuccess {
		e.transition(a.IssueID, detect.StatusResolved)
	} else {
		e.transition(a.IssueID, detect.StatusActive)
	}
	e.EvaluateEscalation()
}

// StartAttempt opens a remediation attempt and moves the issue to
// resolving. A detected or suppressed issue is activated on the way;
// trying a fix on it is what makes it actively worked.
func (e *Engine) StartAttempt(issueID, method, contextDigest string) (knowledge.Attempt, error) {
	issue, ok := e.registry.Get(issueID)
	if !ok {
		return knowledge.Attempt{}, fmt.Errorf("%w: %s", detect.ErrIssueNotFound, issueID)
	}

	if issue.Status == detect.StatusDetected || issue.Status == detect.StatusSuppressed {
		if _, err := e.registry.SetStatus(issueID, detect.StatusActive); err != nil {
			return knowledge.Attempt{}, err
		}
	}
	if _, err := e.registry.SetStatus(issueID, detect.StatusResolving); err != nil {
		return knowledge.Attempt{}, err
	}

	if contextDigest == "" {
		contextDigest = statestore.Digest(e.store.Snapshot())
	}
	attempt, err := e.base.StartAttempt(issueID, method, contextDigest)
	if err != nil {
		// Recording failed; don't leave the issue stuck in resolving.
		if _, rerr := e.registry.SetStatus(issueID, detect.StatusActive); rerr != nil {
			e.logger.Error("failed to roll back issue status",
				zap.String("issue.id", issueID),
				zap.Error(rerr))
		}
		return knowledge.Attempt{}, err
	}
	return attempt, nil
}

// RecordOutcome finalizes an attempt. The issue transition happens
// through the outcome hook.
func (e *Engine) RecordOutcome(attemptID string, result knowledge.Result, rootCause string) (knowledge.Attempt, error) {
	return e.base.RecordOutcome(attemptID, result, rootCause)
}

// SuggestFixes ranks remediation candidates for an issue.
func (e *Engine) SuggestFixes(issueID string) (detect.Issue, []knowledge.Suggestion, error) {
	issue, ok := e.registry.Get(issueID)
	if !ok {
		return detect.Issue{}, nil, fmt.Errorf("%w: %s", detect.ErrIssueNotFound, issueID)
	}
	suggestions := e.base.Suggest(issue.Type)
	if len(suggestions) == 0 {
		return issue, nil, fmt.Errorf("%w: %s", ErrNoKnownMethods, issue.Type)
	}
	return issue, suggestions, nil
}

// Resolve manually clears an issue without a successful attempt. The
// operator's note lands in the log, not the learning tables; manual
// clearance teaches nothing about methods.
func (e *Engine) Resolve(issueID, note string) (detect.Issue, error) {
	issue, err := e.registry.SetStatus(issueID, detect.StatusResolved)
	if err != nil {
		return detect.Issue{}, err
	}
	e.logger.Info("issue manually cleared",
		zap.String("issue.id", issueID),
		zap.String("note", note))
	e.EvaluateEscalation()
	return issue, nil
}

// Escalation returns the current global escalation decision.
func (e *Engine) Escalation() EscalationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escalation
}

// EvaluateEscalation recomputes the global escalation from the
// current issue set. Raised when the active issue count reaches the
// configured limit or any active issue reaches the escalation
// severity; lifted automatically as soon as neither holds.
func (e *Engine) EvaluateEscalation() EscalationState {
	working := e.registry.List(detect.StatusActive, detect.StatusResolving)

	var reason string
	var triggeredBy []string

	if limit := e.cfg.EscalationActiveLimit; limit > 0 && len(working) >= limit {
		reason = fmt.Sprintf("active issue count %d reached limit %d", len(working), limit)
		for _, issue := range working {
			triggeredBy = append(triggeredBy, issue.ID)
		}
	} else {
		for _, issue := range working {
			if issue.Severity >= e.escalationSev {
				reason = fmt.Sprintf("issue %s severity %s reached escalation threshold", issue.ID, issue.Severity)
				triggeredBy = append(triggeredBy, issue.ID)
				break
			}
		}
	}

	e.mu.Lock()
	prev := e.escalation
	next := prev
	switch {
	case reason != "" && !prev.Active:
		next = EscalationState{
			Active:      true,
			Reason:      reason,
			Since:       time.Now().UTC(),
			TriggeredBy: triggeredBy,
		}
	case reason != "" && prev.Active:
		next.Reason = reason
		next.TriggeredBy = triggeredBy
	case reason == "" && prev.Active:
		next = EscalationState{}
	}
	e.escalation = next
	e.mu.Unlock()

	if next.Active != prev.Active {
		if next.Active {
			e.metrics.recordEscalation()
			e.logger.Warn("escalation raised", zap.String("reason", next.Reason))
		} else {
			e.logger.Info("escalation lifted")
		}
		if _, err := e.store.Set(escalationPath, next); err != nil {
			e.logger.Error("failed to persist escalation state", zap.Error(err))
		}
	}
	return next
}

// typeBeingWorked reports whether another issue of the same type and
// source is already active or resolving.
func (e *Engine) typeBeingWorked(issue detect.Issue) bool {
	for _, other := range e.registry.List(detect.StatusActive, detect.StatusResolving) {
		if other.ID != issue.ID && other.Type == issue.Type && other.Source == issue.Source {
			return true
		}
	}
	return false
}

// transition applies a status change, tolerating rule rejections.
// Concurrent detection and outcome traffic can race a transition; the
// registry's rules decide, and losing the race is not an error here.
func (e *Engine) transition(issueID string, next detect.Status) {
	if _, err := e.registry.SetStatus(issueID, next); err != nil {
		if !errors.Is(err, detect.ErrInvalidTransition) && !errors.Is(err, detect.ErrIssueNotFound) {
			e.logger.Error("status transition failed",
				zap.String("issue.id", issueID),
				zap.String("to", string(next)),
				zap.Error(err))
		}
		return
	}
	e.metrics.recordTransition(string(next))
}
