package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

func testDecisionConfig() config.DecisionConfig {
	return config.DecisionConfig{
		ActivationSeverity:    "medium",
		EscalationActiveLimit: 3,
		EscalationSeverity:    "critical",
	}
}

func newTestEngine(t *testing.T) (*Engine, *detect.Registry, *knowledge.Base, *statestore.Store) {
	t.Helper()
	store := statestore.New(256, nil)
	registry, err := detect.NewRegistry(store, nil)
	require.NoError(t, err)

	base, err := knowledge.New(config.LearningConfig{
		AttemptTimeout:            config.Duration(30 * time.Minute),
		MisdiagnosisCostThreshold: config.Duration(15 * time.Minute),
		RecencyHalfLife:           config.Duration(14 * 24 * time.Hour),
	}, registry, nil)
	require.NoError(t, err)

	engine, err := New(testDecisionConfig(), registry, base, store, nil)
	require.NoError(t, err)
	return engine, registry, base, store
}

func report(t *testing.T, registry *detect.Registry, issueType string, sev detect.Severity) detect.Issue {
	t.Helper()
	issue, _, err := registry.Report(detect.Candidate{
		Type:     issueType,
		Source:   "game-server.table",
		Severity: sev,
		Method:   detect.MethodPattern,
	})
	require.NoError(t, err)
	return issue
}

func TestNew_Validation(t *testing.T) {
	store := statestore.New(16, nil)
	registry, err := detect.NewRegistry(store, nil)
	require.NoError(t, err)
	base, err := knowledge.New(config.LearningConfig{}, registry, nil)
	require.NoError(t, err)

	cfg := testDecisionConfig()
	cfg.ActivationSeverity = "extreme"
	_, err = New(cfg, registry, base, store, nil)
	assert.Error(t, err)
}

func TestSevereIssueActivatesImmediately(t *testing.T) {
	_, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "pot_mismatch", detect.SeverityHigh)

	got, ok := registry.Get(issue.ID)
	require.True(t, ok)
	assert.Equal(t, detect.StatusActive, got.Status)
}

func TestMildIssueStaysDetected(t *testing.T) {
	_, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "slow_operation", detect.SeverityLow)

	got, ok := registry.Get(issue.ID)
	require.True(t, ok)
	assert.Equal(t, detect.StatusDetected, got.Status)
}

func TestSeverityUpgradeActivatesOnMerge(t *testing.T) {
	_, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "slow_operation", detect.SeverityLow)
	got, _ := registry.Get(issue.ID)
	require.Equal(t, detect.StatusDetected, got.Status)

	// The same signature re-detected at a higher severity.
	report(t, registry, "slow_operation", detect.SeverityHigh)

	got, _ = registry.Get(issue.ID)
	assert.Equal(t, detect.StatusActive, got.Status)
}

func TestRepeatTypeSuppressed(t *testing.T) {
	_, registry, _, _ := newTestEngine(t)

	report(t, registry, "pot_mismatch", detect.SeverityHigh)

	// A second low-severity issue of the same worked type and source
	// but a different signature is a deduped repeat.
	second, _, err := registry.Report(detect.Candidate{
		Type:      "pot_mismatch",
		Source:    "game-server.table",
		Severity:  detect.SeverityLow,
		Method:    detect.MethodPattern,
		Signature: "table=7;",
	})
	require.NoError(t, err)

	got, ok := registry.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, detect.StatusSuppressed, got.Status)
}

func TestAttemptLifecycle(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "pot_mismatch", detect.SeverityHigh)

	attempt, err := engine.StartAttempt(issue.ID, "reset_pot", "")
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.Context, "a state digest is captured at attempt time")

	got, _ := registry.Get(issue.ID)
	assert.Equal(t, detect.StatusResolving, got.Status)

	// Failure sends the issue back to active for the next suggestion.
	_, err = engine.RecordOutcome(attempt.ID, knowledge.ResultFailure, "")
	require.NoError(t, err)
	got, _ = registry.Get(issue.ID)
	assert.Equal(t, detect.StatusActive, got.Status)

	// Success resolves it.
	attempt, err = engine.StartAttempt(issue.ID, "recompute_from_bets", "")
	require.NoError(t, err)
	_, err = engine.RecordOutcome(attempt.ID, knowledge.ResultSuccess, "pot drifted")
	require.NoError(t, err)
	got, _ = registry.Get(issue.ID)
	assert.Equal(t, detect.StatusResolved, got.Status)
}

func TestStartAttempt_ActivatesDetectedIssue(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "slow_operation", detect.SeverityLow)
	_, err := engine.StartAttempt(issue.ID, "tune_io", "")
	require.NoError(t, err)

	got, _ := registry.Get(issue.ID)
	assert.Equal(t, detect.StatusResolving, got.Status)
}

func TestStartAttempt_UnknownIssue(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.StartAttempt("missing", "m", "")
	assert.ErrorIs(t, err, detect.ErrIssueNotFound)
}

func TestWatchdogAbandonmentReactivatesIssue(t *testing.T) {
	engine, registry, base, _ := newTestEngine(t)

	issue := report(t, registry, "pot_mismatch", detect.SeverityHigh)
	_, err := engine.StartAttempt(issue.ID, "reset_pot", "")
	require.NoError(t, err)

	expired := base.Expire(time.Now().UTC().Add(31 * time.Minute))
	require.Len(t, expired, 1)

	got, _ := registry.Get(issue.ID)
	assert.Equal(t, detect.StatusActive, got.Status, "an abandoned attempt must not strand the issue in resolving")
}

func TestSuggestFixes_FullScenario(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "pot_mismatch", detect.SeverityHigh)

	attempt, err := engine.StartAttempt(issue.ID, "reset_pot", "")
	require.NoError(t, err)
	_, err = engine.RecordOutcome(attempt.ID, knowledge.ResultFailure, "")
	require.NoError(t, err)

	attempt, err = engine.StartAttempt(issue.ID, "recompute_from_bets", "")
	require.NoError(t, err)
	_, err = engine.RecordOutcome(attempt.ID, knowledge.ResultSuccess, "pot drifted from bet ledger")
	require.NoError(t, err)

	// The type recurs; the ranking reflects what was learned.
	next := report(t, registry, "pot_mismatch", detect.SeverityHigh)
	require.NotEqual(t, issue.ID, next.ID)

	_, suggestions, err := engine.SuggestFixes(next.ID)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, "recompute_from_bets", suggestions[0].Method)
	assert.Empty(t, suggestions[0].Warning)
	assert.Equal(t, "reset_pot", suggestions[1].Method)
	assert.Contains(t, suggestions[1].Warning, "recompute_from_bets")
}

func TestSuggestFixes_NoKnowledge(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)
	issue := report(t, registry, "novel_problem", detect.SeverityHigh)

	_, _, err := engine.SuggestFixes(issue.ID)
	assert.ErrorIs(t, err, ErrNoKnownMethods)
}

func TestManualClearance(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)

	issue := report(t, registry, "pot_mismatch", detect.SeverityHigh)
	cleared, err := engine.Resolve(issue.ID, "fixed by hand during maintenance")
	require.NoError(t, err)
	assert.Equal(t, detect.StatusResolved, cleared.Status)

	_, err = engine.Resolve("missing", "")
	assert.ErrorIs(t, err, detect.ErrIssueNotFound)
}

func TestEscalation_ActiveCountLimit(t *testing.T) {
	engine, registry, _, store := newTestEngine(t)

	report(t, registry, "issue_a", detect.SeverityHigh)
	report(t, registry, "issue_b", detect.SeverityHigh)
	assert.False(t, engine.Escalation().Active)

	third := report(t, registry, "issue_c", detect.SeverityHigh)

	state := engine.Escalation()
	require.True(t, state.Active)
	assert.Contains(t, state.Reason, "active issue count 3")
	assert.Len(t, state.TriggeredBy, 3)

	// The decision is visible through the store.
	entry, ok := store.Get("system.escalation")
	require.True(t, ok)
	persisted, ok := entry.Value.(EscalationState)
	require.True(t, ok)
	assert.True(t, persisted.Active)

	// Resolving one issue drops the count below the limit and lifts
	// the escalation automatically.
	_, err := engine.Resolve(third.ID, "")
	require.NoError(t, err)
	assert.False(t, engine.Escalation().Active)
}

func TestEscalation_SeverityThreshold(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t)

	report(t, registry, "minor", detect.SeverityHigh)
	assert.False(t, engine.Escalation().Active)

	critical := report(t, registry, "state_corruption", detect.SeverityCritical)

	state := engine.Escalation()
	require.True(t, state.Active)
	assert.Contains(t, state.Reason, "escalation threshold")
	assert.Equal(t, []string{critical.ID}, state.TriggeredBy)

	_, err := engine.Resolve(critical.ID, "")
	require.NoError(t, err)
	assert.False(t, engine.Escalation().Active)
}
