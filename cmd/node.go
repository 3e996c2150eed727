package cmd

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"folioledger/config"
	"folioledger/node"
)

var configDir string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger node",
	Run: func(cmd *cobra.Command, args []string) {
		runNode(configDir)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configDir, "config", "c", "config", "Directory holding node.yml and tuning.ini")
}

func runNode(configDir string) {
	cfg, err := config.LoadNodeConfig(filepath.Join(configDir, "node.yml"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	rt, err := node.NewRuntime(cfg, configDir)
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("Node exited with error: %v", err)
	}
}
