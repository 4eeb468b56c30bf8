package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyrelay",
	Short: "Relay server for end-to-end encrypted group chat",
	Long: `keyrelay routes opaque ciphertext and public keys between the members of
password protected rooms. It never sees plaintext and keeps no state on disk.`,
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
