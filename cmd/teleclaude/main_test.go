package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "teleclaude dev") {
		t.Errorf("version output = %q", buf.String())
	}
}

func TestRootSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, want := range []string{"version", "daemon", "status"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestStatus_DaemonDown(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	err := runStatus(cmd, filepath.Join(t.TempDir(), "missing.sock"))
	if err == nil {
		t.Fatal("expected error when daemon socket is absent")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %v", err)
	}
	var ee exitError
	if !errors.As(err, &ee) || ee.code != exitTransient {
		t.Errorf("exit code = %+v, want %d", err, exitTransient)
	}
}

func TestStatus_PrintsComputersAndSessions(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "api.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/computers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"computers": []map[string]any{
					{"machine_name": "alpha", "host": "alpha.local", "online": true},
				},
			},
		})
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"sessions": []map[string]any{
					{"ID": "s1", "Computer": "alpha", "Agent": "claude", "Title": "fix tests"},
				},
			},
		})
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := runStatus(cmd, socket); err != nil {
		t.Fatalf("status: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"alpha", "online", "s1", "claude", "fix tests"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
