package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/config"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")
	e, err := New(cfg, nil)
	require.NoError(t, err)
	return e
}

// feed pushes one raw log line through ingestion and detection.
func feed(t *testing.T, e *Engine, line string) {
	t.Helper()
	ctx := context.Background()
	ev := e.Ingestor().Ingest(ctx, "game", line)
	require.NotNil(t, ev)
	e.Detector().HandleEvent(ctx, ev)
}

func do(t *testing.T, e *Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	return rec
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Decision.ActivationSeverity = "apocalyptic"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

// The full loop: a pot mismatch surfaces in the log, the first fix
// attempt fails, the second succeeds, and when the issue recurs the
// engine recommends the method that actually worked.
func TestEngine_LearnsFromAttempts(t *testing.T) {
	e := newTestEngine(t)

	feed(t, e, "ERROR pot_mismatch table=42 expected=1000 actual=950")

	issues := e.Registry().List(detect.StatusActive)
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, "pot_mismatch", issue.Type)

	// Wrong diagnosis first.
	rec := do(t, e, http.MethodPost, "/api/v1/attempts",
		`{"issue_id":"`+issue.ID+`","method":"reset_pot"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var attempt knowledge.Attempt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempt))

	rec = do(t, e, http.MethodPost, "/api/v1/attempts/"+attempt.ID+"/outcome",
		`{"result":"failure"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Correct fix second.
	rec = do(t, e, http.MethodPost, "/api/v1/attempts",
		`{"issue_id":"`+issue.ID+`","method":"recompute_from_bets"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempt))

	rec = do(t, e, http.MethodPost, "/api/v1/attempts/"+attempt.ID+"/outcome",
		`{"result":"success","root_cause":"pot drifted from bet ledger"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resolved, ok := e.Registry().Get(issue.ID)
	require.True(t, ok)
	assert.Equal(t, detect.StatusResolved, resolved.Status)

	// Recurrence is a fresh issue, not a mutation of the resolved one.
	feed(t, e, "ERROR pot_mismatch table=42 expected=800 actual=750")
	issues = e.Registry().List(detect.StatusActive)
	require.Len(t, issues, 1)
	recurred := issues[0]
	assert.NotEqual(t, issue.ID, recurred.ID)
	assert.True(t, strings.HasPrefix(recurred.ID, issue.ID))

	rec = do(t, e, http.MethodGet, "/api/v1/issues/"+recurred.ID+"/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Suggestions []knowledge.Suggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "recompute_from_bets", resp.Suggestions[0].Method)

	// The failed method carries its misdiagnosis history.
	misdiags := e.Knowledge().Misdiagnoses()
	require.Len(t, misdiags, 1)
	assert.Equal(t, "pot_mismatch", misdiags[0].SymptomSignature)
	assert.Equal(t, "reset_pot", misdiags[0].AttemptedMethod)
	assert.Equal(t, "recompute_from_bets", misdiags[0].CorrectMethod)
}

func TestEngine_InvariantDetection(t *testing.T) {
	e := newTestEngine(t)

	err := e.Invariants().Register(detect.Invariant{
		Name:       "pot_consistency",
		PathPrefix: "game.table.7",
		Severity:   detect.SeverityHigh,
		Check: func(r detect.StateReader) error {
			pot, ok := r.Get("game.table.7.pot")
			if !ok {
				return nil
			}
			bets, ok := r.Get("game.table.7.bets_total")
			if !ok {
				return nil
			}
			if pot.Value != bets.Value {
				return assert.AnError
			}
			return nil
		},
	})
	require.NoError(t, err)

	rec := do(t, e, http.MethodPost, "/api/v1/state",
		`{"path":"game.table.7.bets_total","value":1000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, e, http.MethodPost, "/api/v1/state",
		`{"path":"game.table.7.pot","value":950}`)
	require.Equal(t, http.StatusOK, rec.Code)

	e.Invariants().CheckNow()

	issues := e.Registry().List(detect.StatusActive)
	require.Len(t, issues, 1)
	assert.Equal(t, "invariant_violation", issues[0].Type)
}

func TestEngine_StateSurvivesRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")

	first, err := New(cfg, nil)
	require.NoError(t, err)

	feed(t, first, "ERROR pot_mismatch table=3 expected=100 actual=90")
	issues := first.Registry().List(detect.StatusActive)
	require.Len(t, issues, 1)
	issueID := issues[0].ID

	_, err = first.Knowledge().RecordAttempt(issueID, "recompute_from_bets",
		knowledge.ResultSuccess, "", 1200)
	require.NoError(t, err)
	require.NoError(t, first.Store().Persist(cfg.Store.Path))

	second, err := New(cfg, nil)
	require.NoError(t, err)

	restored, ok := second.Registry().Get(issueID)
	require.True(t, ok)
	assert.Equal(t, "pot_mismatch", restored.Type)

	suggestions := second.Knowledge().Suggest("pot_mismatch")
	require.Len(t, suggestions, 1)
	assert.Equal(t, "recompute_from_bets", suggestions[0].Method)
}

func TestEngine_RunShutsDownCleanly(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")
	cfg.Server.Port = freePort(t)

	e, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	// Final flush happened.
	assert.FileExists(t, cfg.Store.Path)
}
