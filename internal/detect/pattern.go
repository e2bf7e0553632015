package detect

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/wardend/internal/ingest"
)

// Signature is one severity-tagged log pattern.
//
// A signature matches either by structured event type (exact) or by
// regular expression over the raw line. EventType matching is
// preferred; it is what the ingestor's typed extractors produce.
type Signature struct {
	// Name becomes the issue type on match.
	Name string

	// Severity tags the signature's tier.
	Severity Severity

	// EventType matches the event's extracted "type" field exactly.
	EventType string

	// Pattern matches against the raw line when EventType is empty.
	Pattern *regexp.Regexp

	// Match is an arbitrary predicate, for conditions no single regex
	// expresses. Takes precedence over EventType and Pattern.
	Match func(ev *ingest.Event) bool

	// KeyFields name extracted fields folded into the dedup signature,
	// so e.g. pot mismatches on different tables stay distinct issues.
	KeyFields []string
}

func (s Signature) matches(ev *ingest.Event) bool {
	if s.Match != nil {
		return s.Match(ev)
	}
	if s.EventType != "" {
		return ev.Field("type") == s.EventType
	}
	if s.Pattern != nil {
		return s.Pattern.MatchString(ev.Raw)
	}
	return false
}

// PatternMatcher classifies events against an ordered, severity-tagged
// signature list.
//
// Tiers are evaluated highest severity first; within a tier the first
// matching signature wins and the rest of the tier is skipped. The
// result is always the most severe classification the event supports.
type PatternMatcher struct {
	mu    sync.RWMutex
	tiers map[Severity][]Signature
}

// NewPatternMatcher creates a matcher preloaded with sigs.
func NewPatternMatcher(sigs []Signature) (*PatternMatcher, error) {
	m := &PatternMatcher{tiers: make(map[Severity][]Signature)}
	for _, s := range sigs {
		if err := m.Register(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register appends a signature to its severity tier. Order of
// registration is match order within the tier.
func (m *PatternMatcher) Register(s Signature) error {
	if s.Name == "" {
		return fmt.Errorf("signature name cannot be empty")
	}
	if s.EventType == "" && s.Pattern == nil && s.Match == nil {
		return fmt.Errorf("signature %q has neither event type nor pattern", s.Name)
	}
	m.mu.Lock()
	m.tiers[s.Severity] = append(m.tiers[s.Severity], s)
	m.mu.Unlock()
	return nil
}

// Match classifies one event. Returns nil when no signature matches.
func (m *PatternMatcher) Match(ev *ingest.Event) *Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	severities := make([]Severity, 0, len(m.tiers))
	for sev := range m.tiers {
		severities = append(severities, sev)
	}
	sort.Slice(severities, func(i, j int) bool { return severities[i] > severities[j] })

	for _, sev := range severities {
		for _, sig := range m.tiers[sev] {
			if !sig.matches(ev) {
				continue
			}
			return &Candidate{
				Type:      sig.Name,
				Source:    eventSource(ev),
				Severity:  sig.Severity,
				Method:    MethodPattern,
				Signature: signatureKey(sig, ev),
				Evidence: Evidence{
					Line:   ev.Raw,
					Fields: ev.Fields,
				},
			}
		}
	}
	return nil
}

// DefaultSignatures is the built-in classification for a card-game
// service's log vocabulary.
func DefaultSignatures() []Signature {
	return []Signature{
		{Name: "state_corruption", Severity: SeverityCritical, EventType: "state_corruption"},
		{Name: "table_desync", Severity: SeverityCritical, EventType: "desync", KeyFields: []string{"table"}},
		{Name: "pot_mismatch", Severity: SeverityHigh, EventType: "pot_mismatch", KeyFields: []string{"table"}},
		{Name: "duplicate_card", Severity: SeverityHigh, EventType: "duplicate_card", KeyFields: []string{"table"}},
		{Name: "panic", Severity: SeverityHigh, Pattern: regexp.MustCompile(`\bpanic:`)},
		{Name: "save_failure", Severity: SeverityMedium, Pattern: regexp.MustCompile(`failed (saving|to save)\b`)},
		{Name: "connection_drop", Severity: SeverityMedium, EventType: "conn_drop", KeyFields: []string{"player"}},
		{Name: "turn_violation", Severity: SeverityLow, Pattern: regexp.MustCompile(`out of turn\b`)},
		{Name: "slow_operation", Severity: SeverityLow, EventType: "slow_op", KeyFields: []string{"op"}},
	}
}

func eventSource(ev *ingest.Event) string {
	if ev.Subsystem != "" {
		return ev.Source + "." + ev.Subsystem
	}
	return ev.Source
}

// signatureKey folds the signature's key fields into the dedup
// signature so structurally distinct occurrences stay distinct.
func signatureKey(sig Signature, ev *ingest.Event) string {
	key := ""
	for _, f := range sig.KeyFields {
		if v := ev.Field(f); v != "" {
			key += f + "=" + v + ";"
		}
	}
	return key
}
