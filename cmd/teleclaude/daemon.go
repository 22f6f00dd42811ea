package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var (
		configPath  string
		secretsPath string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the TeleClaude daemon",
		Long:  "Starts the daemon: session manager, output pipeline, adapters, mesh transport, tool server, and the REST API. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, secretsPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultStateFile("config.yaml"), "path to config file")
	cmd.Flags().StringVar(&secretsPath, "secrets", defaultStateFile("secrets.yaml"), "path to secrets file")
	return cmd
}

func runDaemon(configPath, secretsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	secrets, err := config.LoadSecrets(secretsPath)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	rt, err := daemon.New(daemon.Opts{Config: cfg, Secrets: secrets})
	if err != nil {
		return exitWith(exitUsage, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exitWith(exitFatal, rt.Run(ctx))
}

func defaultStateFile(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".teleclaude", name)
}
