package http

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/wardend/internal/decision"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
)

// Query kinds. Deterministic structured questions; there is no
// natural language handling here.
const (
	QueryActiveIssues = "active_issues"
	QueryIssueHistory = "issue_history"
	QueryBestMethod   = "best_method"
	QueryMisdiagnoses = "misdiagnoses"
)

// handleQuery answers a structured question about the engine's state.
func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := QueryResponse{Kind: req.Kind}
	switch req.Kind {
	case QueryActiveIssues:
		resp.ActiveIssues = s.registry.List(detect.StatusActive, detect.StatusResolving)
		if resp.ActiveIssues == nil {
			resp.ActiveIssues = []detect.Issue{}
		}

	case QueryIssueHistory:
		if req.IssueID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "issue_id is required for issue_history")
		}
		issue, ok := s.registry.Get(req.IssueID)
		if !ok {
			return fmt.Errorf("%w: %s", detect.ErrIssueNotFound, req.IssueID)
		}
		resp.History = &IssueHistory{
			Issue:    issue,
			Attempts: s.base.Attempts(req.IssueID),
		}

	case QueryBestMethod:
		if req.IssueType == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "issue_type is required for best_method")
		}
		suggestions := s.base.Suggest(req.IssueType)
		if len(suggestions) == 0 {
			return fmt.Errorf("%w: %s", decision.ErrNoKnownMethods, req.IssueType)
		}
		resp.BestMethod = &suggestions[0]

	case QueryMisdiagnoses:
		records := s.base.Misdiagnoses()
		if req.IssueType != "" {
			filtered := records[:0]
			for _, rec := range records {
				if rec.SymptomSignature == req.IssueType {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		if records == nil {
			records = []knowledge.MisdiagnosisRecord{}
		}
		resp.Misdiagnoses = records

	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown query kind %q", req.Kind))
	}

	return c.JSON(http.StatusOK, resp)
}
