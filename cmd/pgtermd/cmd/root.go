// Package cmd provides the CLI commands for pgtermd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pgtermd",
	Short: "TLS termination proxy for PostgreSQL",
	Long: `pgtermd terminates TLS (optionally requiring a client certificate) in
front of a plaintext PostgreSQL server. It classifies the eight-byte
SSLRequest preamble, performs the handshake, then relays bytes to the
upstream without parsing anything past that point.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/pgtermd.yaml", "path to configuration file")
}
