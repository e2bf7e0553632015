package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/ingest"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

func newTestDetector(t *testing.T) (*Detector, *Registry, *statestore.Store) {
	t.Helper()
	store := statestore.New(256, nil)
	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)

	det, err := New(config.DetectConfig{
		ZScoreThreshold: 3.0,
		WarmupSamples:   10,
		SyncBudget:      config.Duration(50 * time.Millisecond),
		CausalWindow:    config.Duration(time.Minute),
		CausalMaxDepth:  8,
	}, store, reg, nil)
	require.NoError(t, err)
	return det, reg, store
}

func TestDetector_PatternDetection(t *testing.T) {
	det, reg, _ := newTestDetector(t)
	ctx := context.Background()

	ev := testEvent("pot_mismatch", map[string]string{"table": "42"},
		"ERROR pot_mismatch table=42 expected=1000 actual=950")
	det.HandleEvent(ctx, ev)

	issues := reg.List()
	require.Len(t, issues, 1)
	assert.Equal(t, "pot_mismatch", issues[0].Type)
	assert.Equal(t, SeverityHigh, issues[0].Severity)
	assert.Equal(t, 1, issues[0].OccurrenceCount)
}

func TestDetector_SameEventTwiceOneIssue(t *testing.T) {
	det, reg, _ := newTestDetector(t)
	ctx := context.Background()

	ev := testEvent("pot_mismatch", map[string]string{"table": "42"},
		"ERROR pot_mismatch table=42 expected=1000 actual=950")
	det.HandleEvent(ctx, ev)
	det.HandleEvent(ctx, ev)

	issues := reg.List()
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].OccurrenceCount)
}

func TestDetector_AttachesCausalChainInline(t *testing.T) {
	det, reg, store := newTestDetector(t)
	ctx := context.Background()

	_, err := store.Set("game.table.42.pot", float64(950))
	require.NoError(t, err)

	ev := testEvent("pot_mismatch", map[string]string{"table": "42"},
		"ERROR pot_mismatch table=42 expected=1000 actual=950")
	ev.Timestamp = time.Now().UTC()
	det.HandleEvent(ctx, ev)

	issues := reg.List()
	require.Len(t, issues, 1)
	require.NotEmpty(t, issues[0].Evidence.CausalChain)
	assert.Equal(t, "game.table.42.pot", issues[0].Evidence.CausalChain[0].Path)
}

func TestDetector_AnomalyViaNumbers(t *testing.T) {
	det, reg, _ := newTestDetector(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		ev := testEvent("op_done", nil, "INFO op_done duration_ms=50")
		ev.Numbers = map[string]float64{"duration_ms": 50 + float64(i%5)}
		det.HandleEvent(ctx, ev)
	}

	spike := testEvent("op_done", nil, "INFO op_done duration_ms=5000")
	spike.Numbers = map[string]float64{"duration_ms": 5000}
	det.HandleEvent(ctx, spike)

	var anomaly *Issue
	for _, issue := range reg.List() {
		if issue.Type == "anomaly" {
			found := issue
			anomaly = &found
			break
		}
	}
	require.NotNil(t, anomaly, "the spike must raise an anomaly issue")
	assert.Equal(t, "duration_ms", anomaly.Evidence.Signal)
	assert.Greater(t, anomaly.Evidence.ZScore, 3.0)
}

func TestDetector_NilEventIgnored(t *testing.T) {
	det, reg, _ := newTestDetector(t)
	det.HandleEvent(context.Background(), nil)
	assert.Empty(t, reg.List())
}

func TestDetector_PanickingSignatureIsolated(t *testing.T) {
	det, reg, _ := newTestDetector(t)
	ctx := context.Background()

	require.NoError(t, det.Patterns().Register(Signature{
		Name:     "boom",
		Severity: SeverityCritical,
		Match:    func(*ingest.Event) bool { panic("bad signature") },
	}))

	ev := testEvent("pot_mismatch", map[string]string{"table": "1"},
		"ERROR pot_mismatch table=1 expected=5 actual=4")
	det.HandleEvent(ctx, ev)

	// The pattern strategy failed, but anomaly observation still ran
	// and the failure itself is on record.
	var sawFailure bool
	for _, issue := range reg.List() {
		if issue.Type == "detector_strategy_failure" {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}
