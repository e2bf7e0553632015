package detect

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

func newTestRegistry(t *testing.T) (*Registry, *statestore.Store) {
	t.Helper()
	store := statestore.New(256, nil)
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)
	return reg, store
}

func potCandidate() Candidate {
	return Candidate{
		Type:      "pot_mismatch",
		Source:    "game-server.table",
		Severity:  SeverityHigh,
		Method:    MethodPattern,
		Signature: "table=42;",
		Evidence: Evidence{
			Line:   "ERROR pot_mismatch table=42 expected=1000 actual=950",
			Fields: map[string]string{"table": "42"},
		},
	}
}

func TestRegistry_ReportCreatesIssue(t *testing.T) {
	reg, store := newTestRegistry(t)

	issue, created, err := reg.Report(potCandidate())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "pot_mismatch", issue.Type)
	assert.Equal(t, SeverityHigh, issue.Severity)
	assert.Equal(t, StatusDetected, issue.Status)
	assert.Equal(t, 1, issue.OccurrenceCount)
	assert.Equal(t, IssueID("pot_mismatch", "game-server.table", "table=42;"), issue.ID)

	// The snapshot lands in the store.
	entry, ok := store.Get("issues." + issue.ID)
	require.True(t, ok)
	persisted, ok := entry.Value.(Issue)
	require.True(t, ok)
	assert.Equal(t, issue.ID, persisted.ID)
}

func TestRegistry_DedupIncrementsOccurrence(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, created, err := reg.Report(potCandidate())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := reg.Report(potCandidate())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.False(t, second.LastSeen.Before(first.LastSeen))

	assert.Len(t, reg.List(), 1, "same detection twice must not duplicate")
}

func TestRegistry_MergeTakesMaxSeverity(t *testing.T) {
	reg, _ := newTestRegistry(t)

	low := potCandidate()
	low.Severity = SeverityLow
	_, _, err := reg.Report(low)
	require.NoError(t, err)

	critical := potCandidate()
	critical.Severity = SeverityCritical
	critical.Method = MethodState
	issue, created, err := reg.Report(critical)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, SeverityCritical, issue.Severity)

	lower := potCandidate()
	lower.Severity = SeverityMedium
	issue, _, err = reg.Report(lower)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, issue.Severity, "severity never decreases on merge")
}

func TestRegistry_DifferentSignaturesStayDistinct(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a := potCandidate()
	b := potCandidate()
	b.Signature = "table=7;"
	b.Evidence.Fields = map[string]string{"table": "7"}

	_, createdA, err := reg.Report(a)
	require.NoError(t, err)
	_, createdB, err := reg.Report(b)
	require.NoError(t, err)

	assert.True(t, createdA)
	assert.True(t, createdB)
	assert.Len(t, reg.List(), 2)
}

func TestRegistry_ResolvedSignatureStartsNewGeneration(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, _, err := reg.Report(potCandidate())
	require.NoError(t, err)
	_, err = reg.SetStatus(first.ID, StatusActive)
	require.NoError(t, err)
	_, err = reg.SetStatus(first.ID, StatusResolved)
	require.NoError(t, err)

	second, created, err := reg.Report(potCandidate())
	require.NoError(t, err)
	assert.True(t, created, "a resolved issue is terminal; recurrence is a new issue")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID+"-1", second.ID)
	assert.Equal(t, 1, second.OccurrenceCount)
	assert.Equal(t, StatusDetected, second.Status)
}

func TestRegistry_StatusTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	issue, _, err := reg.Report(potCandidate())
	require.NoError(t, err)

	// detected -> resolving skips activation and is rejected.
	_, err = reg.SetStatus(issue.ID, StatusResolving)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = reg.SetStatus(issue.ID, StatusActive)
	require.NoError(t, err)

	// Nothing returns to detected.
	_, err = reg.SetStatus(issue.ID, StatusDetected)
	assert.Error(t, err)

	_, err = reg.SetStatus(issue.ID, StatusResolving)
	require.NoError(t, err)

	// Failed attempt: back to active is the one sanctioned reversal.
	_, err = reg.SetStatus(issue.ID, StatusActive)
	require.NoError(t, err)

	_, err = reg.SetStatus(issue.ID, StatusResolving)
	require.NoError(t, err)
	resolved, err := reg.SetStatus(issue.ID, StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	// Resolved is terminal.
	_, err = reg.SetStatus(issue.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_SetStatusUnknownIssue(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.SetStatus("no-such-issue", StatusActive)
	assert.ErrorIs(t, err, ErrIssueNotFound)

	_, err = reg.SetStatus("x", Status("bogus"))
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestRegistry_ListOrdersBySeverity(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for i, sev := range []Severity{SeverityLow, SeverityCritical, SeverityMedium} {
		_, _, err := reg.Report(Candidate{
			Type:     fmt.Sprintf("issue_%d", i),
			Source:   "game-server",
			Severity: sev,
			Method:   MethodPattern,
		})
		require.NoError(t, err)
	}

	issues := reg.List()
	require.Len(t, issues, 3)
	assert.Equal(t, SeverityCritical, issues[0].Severity)
	assert.Equal(t, SeverityMedium, issues[1].Severity)
	assert.Equal(t, SeverityLow, issues[2].Severity)
}

func TestRegistry_ActiveCount(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a, _, err := reg.Report(Candidate{Type: "a", Source: "s", Severity: SeverityHigh, Method: MethodPattern})
	require.NoError(t, err)
	b, _, err := reg.Report(Candidate{Type: "b", Source: "s", Severity: SeverityHigh, Method: MethodPattern})
	require.NoError(t, err)

	assert.Equal(t, 0, reg.ActiveCount())

	_, err = reg.SetStatus(a.ID, StatusActive)
	require.NoError(t, err)
	_, err = reg.SetStatus(b.ID, StatusActive)
	require.NoError(t, err)
	_, err = reg.SetStatus(b.ID, StatusResolving)
	require.NoError(t, err)

	assert.Equal(t, 2, reg.ActiveCount(), "resolving still counts as active load")
}

func TestRegistry_ConcurrentReportsSameSignature(t *testing.T) {
	reg, _ := newTestRegistry(t)

	const writers = 32
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := reg.Report(potCandidate())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	issues := reg.List()
	require.Len(t, issues, 1)
	assert.Equal(t, writers, issues[0].OccurrenceCount)
}

func TestRegistry_Restore(t *testing.T) {
	store := statestore.New(256, nil)
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	original, _, err := reg.Report(potCandidate())
	require.NoError(t, err)
	_, err = reg.SetStatus(original.ID, StatusActive)
	require.NoError(t, err)

	// A fresh registry over the same store sees the persisted issue.
	fresh, err := NewRegistry(store, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Restore())

	restored, ok := fresh.Get(original.ID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Equal(t, original.Type, restored.Type)

	// Dedup continues against the restored record.
	merged, created, err := fresh.Report(potCandidate())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, merged.OccurrenceCount)
}

func TestRegistry_StrategyFailureBecomesIssue(t *testing.T) {
	reg, _ := newTestRegistry(t)

	reg.ReportStrategyFailure("anomaly", "boom")

	issues := reg.List()
	require.Len(t, issues, 1)
	assert.Equal(t, "detector_strategy_failure", issues[0].Type)
	assert.Equal(t, "wardend", issues[0].Source)
	assert.Equal(t, SeverityLow, issues[0].Severity)
	assert.Contains(t, issues[0].Evidence.Detail, "boom")
}

func TestRegistry_OnIssueCallback(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var mu sync.Mutex
	var calls []bool
	reg.OnIssue(func(_ Issue, created bool) {
		mu.Lock()
		calls = append(calls, created)
		mu.Unlock()
	})

	_, _, err := reg.Report(potCandidate())
	require.NoError(t, err)
	_, _, err = reg.Report(potCandidate())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, calls)
}

func TestIssueID_Stable(t *testing.T) {
	a := IssueID("pot_mismatch", "game-server.table", "table=42;")
	b := IssueID("pot_mismatch", "game-server.table", "table=42;")
	c := IssueID("pot_mismatch", "game-server.table", "table=7;")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestCandidate_Validate(t *testing.T) {
	c := Candidate{Source: "s"}
	assert.ErrorIs(t, c.Validate(), ErrEmptyType)
	c = Candidate{Type: "t"}
	assert.ErrorIs(t, c.Validate(), ErrEmptySource)
}

func TestSeverity_RoundTrip(t *testing.T) {
	for _, name := range []string{"low", "medium", "high", "critical"} {
		sev, err := ParseSeverity(name)
		require.NoError(t, err)
		assert.Equal(t, name, sev.String())
	}
	_, err := ParseSeverity("fatal")
	assert.ErrorIs(t, err, ErrUnknownSeverity)

	assert.True(t, SeverityCritical > SeverityHigh)
	assert.True(t, SeverityHigh > SeverityMedium)
	assert.True(t, SeverityMedium > SeverityLow)
}
