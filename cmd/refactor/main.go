// Package main provides a CLI client for the refactor pipeline server: it
// submits refactor jobs, polls status, tails the SSE progress stream, and
// answers confirmation prompts. It mirrors the teacher's cmd/opencode
// cobra root/subcommand wiring, scaled down to this service's much
// smaller surface (no TUI, no session/provider/auth subcommands).
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "refactor",
	Short: "Submit and monitor autonomous code-refactoring pipeline runs",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "refactor-server base URL")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(confirmPlanCmd)
	rootCmd.AddCommand(confirmValidationCmd)
	rootCmd.AddCommand(confirmPushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- submit ---------------------------------------------------------------

var (
	submitUserID     string
	submitMode       string
	submitMaxRetries int
	submitWatch      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [prompt...]",
	Short: "Submit a new refactor request",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitUserID, "user", "cli", "requesting user ID")
	submitCmd.Flags().StringVar(&submitMode, "mode", "interactive", "autonomous|interactive|interactive-detailed")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "override the server's default max retries (0 = server default)")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", true, "tail the SSE progress stream after submitting")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"user_id":     submitUserID,
		"user_prompt": strings.Join(args, " "),
		"mode":        submitMode,
	}
	if submitMaxRetries > 0 {
		body["max_retries"] = submitMaxRetries
	}

	var resp struct {
		SessionID    string `json:"session_id"`
		Status       string `json:"status"`
		StatusURL    string `json:"status_url"`
		SSEURL       string `json:"sse_url"`
		WebsocketURL string `json:"websocket_url"`
	}
	if err := postJSON(cmd, "/api/refactor", body, &resp); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s started (status: %s)\n", resp.SessionID, resp.Status)
	if !submitWatch {
		return nil
	}
	return tailSSE(cmd, resp.SessionID)
}

// --- status ----------------------------------------------------------------

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Print a session's current status snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view map[string]any
		if err := getJSON(cmd, "/api/refactor/"+args[0], &view); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

// --- watch -------------------------------------------------------------

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Tail a session's SSE progress stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tailSSE(cmd, args[0])
	},
}

func tailSSE(cmd *cobra.Command, sessionID string) error {
	resp, err := http.Get(serverURL + "/api/refactor/" + sessionID + "/sse")
	if err != nil {
		return fmt.Errorf("refactor: connecting to SSE stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refactor: SSE stream returned %s", resp.Status)
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(out, "[%s] %s\n", event, strings.TrimPrefix(line, "data: "))
			if event == "complete" {
				return nil
			}
		}
	}
	return scanner.Err()
}

// --- confirm-plan / confirm-validation / confirm-push -----------------

var (
	confirmAction         string
	confirmModifications  string
	confirmResponse       string
	confirmValidationMode string
	confirmBranchOverride string
	confirmCommitOverride string
)

var confirmPlanCmd = &cobra.Command{
	Use:   "confirm-plan [session-id]",
	Short: "Answer a pending plan confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := confirmBody(map[string]string{
			"action":        confirmAction,
			"modifications": confirmModifications,
		})
		return postConfirm(cmd, args[0], "confirm-plan", body)
	},
}

var confirmValidationCmd = &cobra.Command{
	Use:   "confirm-validation [session-id]",
	Short: "Answer a pending validation-mode confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := confirmBody(map[string]string{
			"validation_mode": confirmValidationMode,
		})
		return postConfirm(cmd, args[0], "confirm-validation", body)
	},
}

var confirmPushCmd = &cobra.Command{
	Use:   "confirm-push [session-id]",
	Short: "Answer a pending push confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := confirmBody(map[string]string{
			"action":                  confirmAction,
			"branch_name_override":    confirmBranchOverride,
			"commit_message_override": confirmCommitOverride,
		})
		return postConfirm(cmd, args[0], "confirm-push", body)
	},
}

func init() {
	for _, c := range []*cobra.Command{confirmPlanCmd, confirmPushCmd} {
		c.Flags().StringVar(&confirmAction, "action", "", "approve|modify|cancel (confirm-push: approve|cancel)")
		c.Flags().StringVar(&confirmResponse, "response", "", "natural-language reply instead of a structured action")
	}
	confirmPlanCmd.Flags().StringVar(&confirmModifications, "modifications", "", "plan modification text (with action=modify)")
	confirmValidationCmd.Flags().StringVar(&confirmValidationMode, "validation-mode", "", "full|compile_only|skip")
	confirmValidationCmd.Flags().StringVar(&confirmResponse, "response", "", "natural-language reply instead of a structured mode")
	confirmPushCmd.Flags().StringVar(&confirmBranchOverride, "branch", "", "branch name override")
	confirmPushCmd.Flags().StringVar(&confirmCommitOverride, "commit-message", "", "commit message override")
}

func confirmBody(structured map[string]string) map[string]any {
	body := map[string]any{}
	if confirmResponse != "" {
		body["user_response"] = confirmResponse
		return body
	}
	for k, v := range structured {
		if v != "" {
			body[k] = v
		}
	}
	return body
}

func postConfirm(cmd *cobra.Command, sessionID, route string, body map[string]any) error {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := postJSON(cmd, "/api/refactor/"+sessionID+"/"+route, body, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}

// --- HTTP helpers --------------------------------------------------------

var httpClient = &http.Client{Timeout: 30 * time.Second}

func postJSON(cmd *cobra.Command, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("refactor: encoding request body: %w", err)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("refactor: calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func getJSON(cmd *cobra.Command, path string, out any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("refactor: calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("refactor: server returned %s: %s", resp.Status, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
