package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"folioledger/logx"
)

var initDataDir string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize node by generating a signing key pair",
	Long: `Initialize a new ledger node by:
- Generating a new Ed25519 key pair
- Writing the private key to privkey.txt and the public key to pubkey.txt
- Setting up the data directory structure`,
	Run: func(cmd *cobra.Command, args []string) {
		initializeNode()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "./data", "Directory to save node data")
}

// initializeNode is idempotent: an existing key pair is left untouched.
func initializeNode() {
	if err := os.MkdirAll(initDataDir, 0o755); err != nil {
		logx.Error("INIT", "Failed to create data directory:", err.Error())
		return
	}

	privKeyFile := filepath.Join(initDataDir, "privkey.txt")
	pubKeyFile := filepath.Join(initDataDir, "pubkey.txt")

	if _, err := os.Stat(privKeyFile); err == nil {
		logx.Info("INIT", "Key pair already exists at ", privKeyFile)
		return
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logx.Error("INIT", "Failed to generate key pair:", err.Error())
		return
	}

	if err := os.WriteFile(privKeyFile, []byte(hex.EncodeToString(privKey)), 0o600); err != nil {
		logx.Error("INIT", "Failed to write private key:", err.Error())
		return
	}
	if err := os.WriteFile(pubKeyFile, []byte(hex.EncodeToString(pubKey)), 0o644); err != nil {
		logx.Error("INIT", "Failed to write public key:", err.Error())
		return
	}

	logx.Info("INIT", "Generated key pair | privkey=", privKeyFile, " pubkey=", pubKeyFile)
	logx.Info("INIT", "Public key: ", hex.EncodeToString(pubKey))
}
