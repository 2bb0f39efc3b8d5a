package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	userID    string
	language  string
)

func main() {
	root := &cobra.Command{
		Use:   "launchbox-cli",
		Short: "CLI client for the launchbox execution service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("LAUNCHBOX_USER_ID"), "User ID (UUID)")

	startCmd := &cobra.Command{
		Use:   "start [project-id]",
		Short: "Start an execution for a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&language, "language", "l", "NODEJS", "Language (NODEJS, PYTHON, JAVA, HTML_CSS_JS)")
	root.AddCommand(startCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [execution-id]",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop [execution-id]",
		Short: "Stop a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	})

	root.AddCommand(&cobra.Command{
		Use:   "logs [execution-id]",
		Short: "Print an execution's logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	})

	root.AddCommand(&cobra.Command{
		Use:   "running",
		Short: "List your running executions",
		RunE:  runRunning,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"project_id": args[0],
		"language":   language,
	}
	body, _ := json.Marshal(payload)
	return doRequest("POST", "/executions", bytes.NewReader(body))
}

func runGet(_ *cobra.Command, args []string) error {
	return doRequest("GET", "/executions/"+args[0], nil)
}

func runStop(_ *cobra.Command, args []string) error {
	return doRequest("DELETE", "/executions/"+args[0], nil)
}

func runLogs(_ *cobra.Command, args []string) error {
	return doRequest("GET", "/executions/"+args[0]+"/logs", nil)
}

func runRunning(_ *cobra.Command, _ []string) error {
	return doRequest("GET", "/executions/running", nil)
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func doRequest(method, path string, body *bytes.Reader) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, serverURL+path, body)
	} else {
		req, err = http.NewRequest(method, serverURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := printJSON(resp); err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

func printJSON(resp *http.Response) error {
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
