// Package main implements consultctl, a CLI for inspecting consultd sessions.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/consultd/internal/config"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds the persistent flags shared by all commands.
type options struct {
	serverURL  string
	configPath string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "consultctl",
		Short: "Inspect consultd sessions",
		Long: `consultctl inspects consultation sessions recorded by consultd.

Session commands read the session database directly, so they work while the
daemon is stopped. The health command talks to a running daemon.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:9090", "consultd server URL")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "consultd config file (default ~/.config/consultd/config.yaml)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "session database (default from config store.path)")

	root.AddCommand(newHealthCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	return root
}

// HealthResponse matches internal/http HealthResponse.
type HealthResponse struct {
	Status       string `json:"status"`
	LiveSessions int    `json:"live_sessions"`
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check consultd server health",
		Long: `Check the health status of a running consultd server.

Examples:
  # Check health
  consultctl health

  # Check health on a different server
  consultctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.OutOrStdout(), opts.serverURL)
		},
	}
}

func runHealth(out io.Writer, serverURL string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintln(out, labelStyle.Render("Server Status: ")+statusStyle(health.Status).Render(health.Status))
	fmt.Fprintln(out, labelStyle.Render("Live Sessions: ")+fmt.Sprint(health.LiveSessions))
	fmt.Fprintln(out, labelStyle.Render("Server URL:    ")+serverURL)
	return nil
}

// resolveDBPath returns the session database path from --db, or from the
// consultd configuration.
func resolveDBPath(opts *options) (string, error) {
	path := opts.dbPath
	if path == "" {
		cfg, err := config.LoadWithFile(opts.configPath)
		if err != nil {
			return "", fmt.Errorf("failed to load configuration: %w", err)
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return "", fmt.Errorf("no session database configured (store.path is empty)")
	}

	expanded, err := config.ExpandHome(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(expanded); err != nil {
		return "", fmt.Errorf("session database %s: %w", expanded, err)
	}
	return expanded, nil
}
