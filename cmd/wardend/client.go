package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Request/response bodies matching internal/http/types.go.

type healthResponse struct {
	Status string `json:"status"`
}

type startAttemptRequest struct {
	IssueID string `json:"issue_id"`
	Method  string `json:"method"`
}

type outcomeRequest struct {
	Result    string `json:"result"`
	RootCause string `json:"root_cause,omitempty"`
}

type resolveRequest struct {
	Note string `json:"note,omitempty"`
}

type queryRequest struct {
	Kind      string `json:"kind"`
	IssueID   string `json:"issue_id,omitempty"`
	IssueType string `json:"issue_type,omitempty"`
}

var (
	statusFilter string
	rootCause    string
	resolveNote  string
	queryIssueID string
	queryType    string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check wardend server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp healthResponse
		if err := doRequest(http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("Server Status: %s\n", resp.Status)
		fmt.Printf("Server URL: %s\n", serverURL)
		return nil
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues",
	Long: `List issues tracked by the daemon. By default only issues being
worked (active, resolving) are shown.

Examples:
  wardend issues
  wardend issues --status all
  wardend issues --status detected,suppressed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/issues"
		if statusFilter != "" {
			path += "?status=" + statusFilter
		}
		return printJSON(http.MethodGet, path, nil)
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <issue-id>",
	Short: "Show ranked fix suggestions for an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodGet, "/api/v1/issues/"+args[0]+"/suggestions", nil)
	},
}

var attemptCmd = &cobra.Command{
	Use:   "attempt <issue-id> <method>",
	Short: "Start a remediation attempt",
	Long: `Start a remediation attempt against an issue. Prints the attempt,
whose id is needed to record the outcome.

Example:
  wardend attempt 3f2a9c1b8d4e0f67 recompute_from_bets`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodPost, "/api/v1/attempts",
			startAttemptRequest{IssueID: args[0], Method: args[1]})
	},
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <attempt-id> <success|failure|partial>",
	Short: "Record the outcome of an attempt",
	Long: `Record how a remediation attempt went. A root cause recorded with a
success feeds the misdiagnosis ledger for earlier failed attempts.

Example:
  wardend outcome 8d0f... success --root-cause "pot drifted from bet ledger"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodPost, "/api/v1/attempts/"+args[0]+"/outcome",
			outcomeRequest{Result: args[1], RootCause: rootCause})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <issue-id>",
	Short: "Manually clear an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodPost, "/api/v1/issues/"+args[0]+"/resolve",
			resolveRequest{Note: resolveNote})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <kind>",
	Short: "Ask the daemon a structured question",
	Long: `Ask a structured question. Kinds: active_issues, issue_history,
best_method, misdiagnoses.

Examples:
  wardend query active_issues
  wardend query issue_history --issue-id 3f2a9c1b8d4e0f67
  wardend query best_method --issue-type pot_mismatch
  wardend query misdiagnoses --issue-type pot_mismatch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodPost, "/api/v1/query",
			queryRequest{Kind: args[0], IssueID: queryIssueID, IssueType: queryType})
	},
}

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Show the global escalation state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(http.MethodGet, "/api/v1/escalation", nil)
	},
}

func init() {
	issuesCmd.Flags().StringVar(&statusFilter, "status", "", "status filter (comma separated, or \"all\")")
	outcomeCmd.Flags().StringVar(&rootCause, "root-cause", "", "root cause identified by the fix")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "clearance note recorded in evidence")
	queryCmd.Flags().StringVar(&queryIssueID, "issue-id", "", "issue id parameter")
	queryCmd.Flags().StringVar(&queryType, "issue-type", "", "issue type parameter")
}

// doRequest sends one API request and decodes the JSON response into
// out. Non-2xx responses surface the server's error body.
func doRequest(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := serverURL + path
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(errBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON sends a request and pretty-prints the raw response.
func printJSON(method, path string, body interface{}) error {
	var raw json.RawMessage
	if err := doRequest(method, path, body, &raw); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}
