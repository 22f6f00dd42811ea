package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/InstruktAI/teleclaude/internal/api"
)

func newStatusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Queries the running daemon over its Unix socket and prints known computers and active sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, socketPath)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", api.DefaultSocketPath, "path to the daemon API socket")
	return cmd
}

// statusEnvelope mirrors the API response shape.
type statusEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type statusComputer struct {
	MachineName   string    `json:"machine_name"`
	Host          string    `json:"host"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type statusSession struct {
	ID         string `json:"ID"`
	Computer   string `json:"Computer"`
	Agent      string `json:"Agent"`
	Title      string `json:"Title"`
	Status     string `json:"Status"`
	ProjectDir string `json:"ProjectDir"`
}

func runStatus(cmd *cobra.Command, socketPath string) error {
	client := socketClient(socketPath)
	out := cmd.OutOrStdout()

	var computers struct {
		Computers []statusComputer `json:"computers"`
	}
	if err := getJSON(client, "/computers", &computers); err != nil {
		return exitWith(exitTransient, fmt.Errorf("daemon not reachable on %s: %w", socketPath, err))
	}
	fmt.Fprintln(out, "Computers:")
	for _, c := range computers.Computers {
		state := "offline"
		if c.Online {
			state = "online"
		}
		fmt.Fprintf(out, "  %-16s %-8s %s (last beat %s)\n",
			c.MachineName, state, c.Host, c.LastHeartbeat.Format(time.RFC3339))
	}

	var sessions struct {
		Sessions []statusSession `json:"sessions"`
	}
	if err := getJSON(client, "/sessions", &sessions); err != nil {
		return exitWith(exitTransient, err)
	}
	fmt.Fprintf(out, "\nSessions (%d):\n", len(sessions.Sessions))
	for _, s := range sessions.Sessions {
		title := s.Title
		if title == "" {
			title = s.ProjectDir
		}
		fmt.Fprintf(out, "  %-12s %-10s %-8s %s\n", s.ID, s.Computer, s.Agent, title)
	}
	return nil
}

// socketClient returns an HTTP client that dials the Unix socket no matter
// what host the request URL names.
func socketClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func getJSON(client *http.Client, path string, dest any) error {
	resp, err := client.Get("http://teleclaude" + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env statusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Status != "success" {
		return fmt.Errorf("%s: %s", path, env.Error)
	}
	return json.Unmarshal(env.Data, dest)
}
