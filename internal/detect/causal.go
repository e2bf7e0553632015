package detect

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// causalScanLimit bounds how many change records one walk examines.
const causalScanLimit = 512

// CausalAnalyzer explains detections by walking backward through
// recent state changes.
//
// The walk looks for mutations that plausibly relate to the issue:
// paths sharing an identifier with the issue's evidence (a table id,
// a player id) or overlapping its source. The result is a chain of
// change records, nearest change first, attached as evidence. It is a
// heuristic; an empty chain simply means nothing recent correlates.
type CausalAnalyzer struct {
	store    *statestore.Store
	window   time.Duration
	maxDepth int
}

// NewCausalAnalyzer creates an analyzer over store's change history.
func NewCausalAnalyzer(store *statestore.Store, window time.Duration, maxDepth int) *CausalAnalyzer {
	if window <= 0 {
		window = 2 * time.Minute
	}
	if maxDepth <= 0 {
		maxDepth = 8
	}
	return &CausalAnalyzer{store: store, window: window, maxDepth: maxDepth}
}

// Explain walks recent changes for mutations plausibly related to the
// candidate and attaches them as its causal chain. Detections from
// the causal method itself are left alone.
func (a *CausalAnalyzer) Explain(c *Candidate, at time.Time) {
	if c == nil || c.Method == MethodCausal {
		return
	}
	chain := a.chain(hintsFor(c), at)
	if len(chain) > 0 {
		c.Evidence.CausalChain = chain
	}
}

// chain collects up to maxDepth related changes before at, nearest
// first.
func (a *CausalAnalyzer) chain(hints []string, at time.Time) []statestore.ChangeRecord {
	if len(hints) == 0 {
		return nil
	}
	records := a.store.RecentChanges(a.window, causalScanLimit)

	var chain []statestore.ChangeRecord
	// RecentChanges is newest first, which is already the chain order.
	for _, rec := range records {
		if len(chain) >= a.maxDepth {
			break
		}
		if rec.Timestamp.After(at) {
			continue
		}
		if internalPath(rec.Path) {
			continue
		}
		if relatedPath(rec.Path, hints) {
			chain = append(chain, rec)
		}
	}
	return chain
}

// hintsFor extracts the identifier tokens the walk matches paths on.
func hintsFor(c *Candidate) []string {
	hints := make([]string, 0, len(c.Evidence.Fields)+2)
	for key, value := range c.Evidence.Fields {
		if value == "" {
			continue
		}
		// "table=42" relates to paths like "game.table.42.pot".
		hints = append(hints, key+"."+value)
	}
	for _, part := range strings.Split(c.Source, ".") {
		if part != "" {
			hints = append(hints, part)
		}
	}
	return hints
}

func relatedPath(path string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(path, h) {
			return true
		}
	}
	return false
}
