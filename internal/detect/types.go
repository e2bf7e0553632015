// Package detect turns structured log events and state changes into
// deduplicated Issue records.
//
// Four strategies run side by side: log-pattern matching, state
// invariant verification, statistical anomaly detection, and causal
// backtracking over recent state changes. Their candidates feed one
// merge step keyed by a stable signature hash, so repeated detections
// of the same problem update a single Issue instead of multiplying.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// Common errors for detection operations.
var (
	ErrIssueNotFound      = errors.New("issue not found")
	ErrInvalidTransition  = errors.New("invalid issue status transition")
	ErrEmptyType          = errors.New("issue type cannot be empty")
	ErrEmptySource        = errors.New("issue source cannot be empty")
	ErrUnknownSeverity    = errors.New("unknown severity")
	ErrUnknownStatus      = errors.New("unknown status")
	ErrDuplicateInvariant = errors.New("invariant already registered")
)

// Severity orders issues by operational urgency.
type Severity int

// Severity levels, lowest to highest.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// String implements fmt.Stringer.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a severity name to its level.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return SeverityLow, fmt.Errorf("%w: %q", ErrUnknownSeverity, name)
}

// MarshalJSON implements json.Marshaler.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is an Issue's position in its lifecycle.
type Status string

// Issue lifecycle states.
//
// Transitions run forward only, with one sanctioned reversal: a failed
// remediation returns a resolving issue to active. Nothing ever
// returns to detected, and resolved is terminal.
const (
	StatusDetected   Status = "detected"
	StatusActive     Status = "active"
	StatusResolving  Status = "resolving"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
)

var validTransitions = map[Status][]Status{
	StatusDetected:   {StatusActive, StatusSuppressed, StatusResolved},
	StatusSuppressed: {StatusActive, StatusResolved},
	StatusActive:     {StatusResolving, StatusResolved},
	StatusResolving:  {StatusActive, StatusResolved},
	StatusResolved:   {},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Method identifies which strategy produced a detection.
type Method string

// Detection methods.
const (
	MethodPattern Method = "pattern"
	MethodState   Method = "state"
	MethodAnomaly Method = "anomaly"
	MethodCausal  Method = "causal"
)

// Evidence is the structured context attached to an Issue. Only the
// fields relevant to the producing strategy are populated.
type Evidence struct {
	// Line is the matched log line, for pattern detections.
	Line string `json:"line,omitempty"`

	// Invariant names the violated predicate, for state detections.
	Invariant string `json:"invariant,omitempty"`

	// Detail is a human-readable description of the violation or
	// deviation.
	Detail string `json:"detail,omitempty"`

	// Signal and ZScore describe an anomaly's deviation magnitude.
	Signal string  `json:"signal,omitempty"`
	Value  float64 `json:"value,omitempty"`
	ZScore float64 `json:"zscore,omitempty"`

	// Fields carries extracted identifiers (table ids, error codes).
	Fields map[string]string `json:"fields,omitempty"`

	// CausalChain is the backward walk over state changes that
	// plausibly explains the detection, nearest change first.
	CausalChain []statestore.ChangeRecord `json:"causal_chain,omitempty"`
}

// Issue is a deduplicated record of a detected problem.
//
// Issues are never deleted. Resolved issues persist so the knowledge
// base can keep learning from their attempt history.
type Issue struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Severity        Severity  `json:"severity"`
	Source          string    `json:"source"`
	DetectionMethod Method    `json:"detection_method"`
	Status          Status    `json:"status"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`
	Evidence        Evidence  `json:"evidence"`
}

// Candidate is one strategy's proposed detection, before merging.
type Candidate struct {
	Type     string
	Source   string
	Severity Severity
	Method   Method
	Evidence Evidence

	// Signature distinguishes distinct problems of the same type and
	// source. Empty means the type alone identifies the problem.
	Signature string
}

// Validate checks candidate completeness.
func (c *Candidate) Validate() error {
	if c.Type == "" {
		return ErrEmptyType
	}
	if c.Source == "" {
		return ErrEmptySource
	}
	return nil
}

// IssueID derives the stable dedup hash for a candidate identity.
// The same (type, source, signature) always maps to the same id.
func IssueID(issueType, source, signature string) string {
	sum := sha256.Sum256([]byte(issueType + "|" + source + "|" + signature))
	return hex.EncodeToString(sum[:])[:16]
}

// decodeIssue converts a store value back into an Issue. Values are
// either live Issue structs or generic maps after a JSON round trip.
func decodeIssue(value interface{}) (Issue, error) {
	if issue, ok := value.(Issue); ok {
		return issue, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Issue{}, fmt.Errorf("failed to re-encode issue value: %w", err)
	}
	var issue Issue
	if err := json.Unmarshal(raw, &issue); err != nil {
		return Issue{}, fmt.Errorf("failed to decode issue: %w", err)
	}
	if issue.ID == "" {
		return Issue{}, errors.New("decoded issue has no id")
	}
	return issue, nil
}

func maxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}
