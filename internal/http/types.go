// Package http provides the wardend query and attempt API.
package http

import (
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
)

// APIError is the structured error body every failing request gets.
// Never a bare 500 with a stack.
type APIError struct {
	// Code is a stable machine-readable error identifier.
	Code string `json:"code"`

	// Message is the human-readable explanation.
	Message string `json:"message"`

	// IssueID is set when the failure itself is tracked as an issue.
	IssueID string `json:"issue_id,omitempty"`
}

// Stable error codes.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeIssueNotFound   = "issue_not_found"
	CodeAttemptNotFound = "attempt_not_found"
	CodeAttemptFinal    = "attempt_finalized"
	CodeNoKnownMethods  = "no_known_methods"
	CodeInvalidPath     = "invalid_path"
	CodeInternal        = "internal"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IssueListResponse is the response body for GET /api/v1/issues.
type IssueListResponse struct {
	Issues []detect.Issue `json:"issues"`
	Count  int            `json:"count"`
}

// SuggestionsResponse is the response body for
// GET /api/v1/issues/:id/suggestions.
type SuggestionsResponse struct {
	Issue       detect.Issue           `json:"issue"`
	Suggestions []knowledge.Suggestion `json:"suggestions"`
}

// StartAttemptRequest is the request body for POST /api/v1/attempts.
type StartAttemptRequest struct {
	IssueID string `json:"issue_id"`
	Method  string `json:"method"`

	// Context optionally overrides the state digest captured at
	// attempt time.
	Context string `json:"context,omitempty"`
}

// OutcomeRequest is the request body for
// POST /api/v1/attempts/:id/outcome.
type OutcomeRequest struct {
	Result    knowledge.Result `json:"result"`
	RootCause string           `json:"root_cause,omitempty"`
}

// ResolveRequest is the request body for
// POST /api/v1/issues/:id/resolve.
type ResolveRequest struct {
	Note string `json:"note,omitempty"`
}

// StatePushRequest is the request body for POST /api/v1/state.
// External collaborators push authoritative state through here.
type StatePushRequest struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`

	// CausedByIssueID links the write to the issue whose remediation
	// produced it.
	CausedByIssueID string `json:"caused_by_issue_id,omitempty"`
}

// StatePushResponse is the response body for POST /api/v1/state.
type StatePushResponse struct {
	Path    string `json:"path"`
	Version uint64 `json:"version"`
}

// QueryRequest is the request body for POST /api/v1/query. Kind
// selects the question; the other fields parameterize it.
type QueryRequest struct {
	Kind      string `json:"kind"`
	IssueID   string `json:"issue_id,omitempty"`
	IssueType string `json:"issue_type,omitempty"`
}

// QueryResponse is the structured answer for POST /api/v1/query.
// Exactly one answer field is populated, matching the question kind.
type QueryResponse struct {
	Kind string `json:"kind"`

	ActiveIssues []detect.Issue                 `json:"active_issues,omitempty"`
	History      *IssueHistory                  `json:"history,omitempty"`
	BestMethod   *knowledge.Suggestion          `json:"best_method,omitempty"`
	Misdiagnoses []knowledge.MisdiagnosisRecord `json:"misdiagnoses,omitempty"`
}

// IssueHistory is an issue together with every attempt against it.
type IssueHistory struct {
	Issue    detect.Issue        `json:"issue"`
	Attempts []knowledge.Attempt `json:"attempts"`
}
