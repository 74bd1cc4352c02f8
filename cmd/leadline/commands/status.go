package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/leadline/pkg/leadline/secrets"
	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// newStatusCmd creates the `leadline status` command, a client for the
// gateway of a running server.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		Long: `Queries the gateway of a running leadline server and prints its
health, row counts, and per-tenant session status.

Examples:
  leadline status
  leadline status --url http://10.0.0.5:8087`,
		RunE: runStatus,
	}

	cmd.Flags().String("url", "", "gateway base URL (default: derived from config)")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	secrets.Resolve(cfg, logger)

	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		baseURL = gatewayURL(cfg.Gateway.Address)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	client := &http.Client{Timeout: 5 * time.Second}

	// /health needs no token and tells us whether anything is listening.
	var health struct {
		Status       string `json:"status"`
		Version      string `json:"version"`
		Uptime       string `json:"uptime"`
		LiveSessions int    `json:"live_sessions"`
	}
	if err := getJSON(client, baseURL+"/health", "", &health); err != nil {
		fmt.Printf("Server is not reachable at %s\n", baseURL)
		fmt.Println("Start it with: leadline serve")
		return err
	}

	fmt.Printf("Server:   %s (%s, up %s)\n", health.Status, health.Version, health.Uptime)

	var status struct {
		Tenants      int64  `json:"tenants"`
		Leads        int64  `json:"leads"`
		Messages     int64  `json:"messages"`
		LiveSessions int    `json:"live_sessions"`
		Uptime       string `json:"uptime"`
	}
	if err := getJSON(client, baseURL+"/api/status", cfg.Gateway.AuthToken, &status); err != nil {
		return fmt.Errorf("querying /api/status (is the gateway token configured?): %w", err)
	}

	fmt.Printf("Tenants:  %d (%d sessions live)\n", status.Tenants, status.LiveSessions)
	fmt.Printf("Leads:    %d\n", status.Leads)
	fmt.Printf("Messages: %d\n", status.Messages)

	var list struct {
		Tenants []storage.Tenant `json:"tenants"`
	}
	if err := getJSON(client, baseURL+"/api/tenants", cfg.Gateway.AuthToken, &list); err != nil {
		return fmt.Errorf("querying /api/tenants: %w", err)
	}
	if len(list.Tenants) > 0 {
		fmt.Println()
		fmt.Printf("%-20s %-14s %s\n", "TENANT", "STATUS", "NAME")
		for _, t := range list.Tenants {
			fmt.Printf("%-20s %-14s %s\n", t.ID, t.Status, t.Name)
		}
	}
	return nil
}

// gatewayURL turns a listen address like ":8087" or "0.0.0.0:8087" into
// a base URL a local client can reach.
func gatewayURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + host + ":" + port
}

func getJSON(client *http.Client, url, token string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
