// Package knowledge is the fix-attempt knowledge base.
//
// Every remediation attempt against an issue is recorded here,
// aggregated into per-(issue type, method) success patterns, and
// mined for misdiagnoses: methods that looked plausible, failed, and
// were later explained by a different method succeeding. Rankings
// come out of the recorded history, never out of assertion.
package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for knowledge base operations.
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptFinalized = errors.New("attempt already has an outcome")
	ErrEmptyIssueID     = errors.New("issue id cannot be empty")
	ErrEmptyMethod      = errors.New("method cannot be empty")
	ErrInvalidResult    = errors.New("result must be success, failure, partial, or abandoned")
	ErrUnknownIssue     = errors.New("unknown issue")
)

// Result is the recorded outcome of one attempt.
type Result string

const (
	// ResultSuccess means the method resolved the issue.
	ResultSuccess Result = "success"

	// ResultFailure means the method ran and did not resolve it.
	ResultFailure Result = "failure"

	// ResultPartial means the method improved but did not resolve.
	// Scored as half a success.
	ResultPartial Result = "partial"

	// ResultAbandoned means no outcome arrived before the watchdog
	// timeout. Counts as a failure.
	ResultAbandoned Result = "abandoned"

	// resultPending is the zero state of an in-flight attempt. Never
	// accepted as an outcome.
	resultPending Result = ""
)

// Valid reports whether r is an acceptable recorded outcome.
func (r Result) Valid() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultPartial, ResultAbandoned:
		return true
	}
	return false
}

// failed reports whether r counts against the method.
func (r Result) failed() bool {
	return r == ResultFailure || r == ResultAbandoned
}

// Attempt is one recorded remediation try against an issue.
//
// Attempts are immutable once their outcome lands; corrections are
// new attempts, not edits.
type Attempt struct {
	// ID is the unique attempt identifier (UUID).
	ID string `json:"id"`

	// IssueID is the issue this attempt targets.
	IssueID string `json:"issue_id"`

	// IssueType is denormalized from the issue at start time, so
	// pattern aggregation survives issue records aging out.
	IssueType string `json:"issue_type"`

	// Method is the free-form identifier of the remediation approach.
	Method string `json:"method"`

	// Result is empty while the attempt is in flight.
	Result Result `json:"result,omitempty"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// DurationMs is how long the attempt ran, set with the outcome.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Context is the state snapshot digest at attempt time.
	Context string `json:"context,omitempty"`

	// RootCause optionally records what the remediation revealed,
	// supplied with a successful outcome.
	RootCause string `json:"root_cause,omitempty"`
}

// InFlight reports whether the attempt still awaits an outcome.
func (a *Attempt) InFlight() bool {
	return a.Result == resultPending
}

// newAttemptID returns a fresh attempt identifier.
func newAttemptID() string {
	return uuid.NewString()
}

// Pattern aggregates outcomes for one (issue type, method) pair.
type Pattern struct {
	// Key is issueType + "|" + method.
	Key string `json:"key"`

	IssueType string `json:"issue_type"`
	Method    string `json:"method"`

	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	// PartialCount tracks partial outcomes separately; they score as
	// half a success in ranking.
	PartialCount int `json:"partial_count"`

	// TotalDurationMs accumulates attempt durations for the expected
	// cost estimate.
	TotalDurationMs int64 `json:"total_duration_ms"`

	LastUpdated time.Time `json:"last_updated"`
}

// SuccessRate is the raw observed rate. Ranking uses the Wilson lower
// bound instead; this is for display.
func (p *Pattern) SuccessRate() float64 {
	total := float64(p.SuccessCount+p.FailureCount) + float64(p.PartialCount)
	if total == 0 {
		return 0
	}
	return (float64(p.SuccessCount) + 0.5*float64(p.PartialCount)) / total
}

// attemptCount is the number of outcomes folded into the pattern.
func (p *Pattern) attemptCount() int {
	return p.SuccessCount + p.FailureCount + p.PartialCount
}

// MisdiagnosisRecord marks a plausible-but-wrong method for a symptom.
//
// Created only retroactively: an attempt failed, and a later attempt
// on the same issue with a different method succeeded. The record
// carries both what not to do and what to do instead.
type MisdiagnosisRecord struct {
	// SymptomSignature is the issue type the wrong method was tried
	// against.
	SymptomSignature string `json:"symptom_signature"`

	// AttemptedMethod is the method that failed.
	AttemptedMethod string `json:"attempted_method"`

	// TimeWastedMs accumulates the duration of every failed attempt
	// this record explains.
	TimeWastedMs int64 `json:"time_wasted_ms"`

	// ActualRootCause is what the successful attempt revealed.
	ActualRootCause string `json:"actual_root_cause"`

	// CorrectMethod is the method that actually resolved the issue.
	CorrectMethod string `json:"correct_method"`

	// Occurrences counts how many failed attempts fed this record.
	Occurrences int `json:"occurrences"`

	LastUpdated time.Time `json:"last_updated"`
}

// Suggestion is one ranked remediation candidate.
type Suggestion struct {
	Method string `json:"method"`

	// Confidence is the recency-weighted Wilson score lower bound of
	// the method's success probability. Small samples score low even
	// with a perfect record.
	Confidence float64 `json:"confidence"`

	// SuccessRate is the raw observed rate, for display.
	SuccessRate float64 `json:"success_rate"`

	// SampleSize is how many recorded outcomes back the confidence.
	SampleSize int `json:"sample_size"`

	// ExpectedDurationMs estimates the method's time cost from its
	// recorded attempts.
	ExpectedDurationMs int64 `json:"expected_duration_ms"`

	// Warning is set when a misdiagnosis record exists for the
	// method: what it wasted and what works instead.
	Warning string `json:"warning,omitempty"`
}

// patternKey builds the aggregate key for an (issue type, method).
func patternKey(issueType, method string) string {
	return issueType + "|" + method
}
