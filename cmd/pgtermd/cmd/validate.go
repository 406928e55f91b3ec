package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgtermd/pgtermd/internal/config"
	"github.com/pgtermd/pgtermd/internal/tlsconfig"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the configuration file without binding any listener",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}

		for name, rc := range cfg.Routes {
			if _, err := tlsconfig.Build(rc); err != nil {
				fmt.Fprintf(os.Stderr, "route %s: %v\n", name, err)
				os.Exit(1)
			}
		}

		fmt.Printf("%s: %d route(s) valid\n", configPath, len(cfg.Routes))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
