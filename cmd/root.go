package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"folioledger/logx"
)

var rootCmd = &cobra.Command{
	Use:   "folioledger",
	Short: "Folioledger permissioned ledger node CLI",
	Long:  "Command line interface for running and managing a folioledger authority or archival miner node.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
