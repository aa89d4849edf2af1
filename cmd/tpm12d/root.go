// Package main implements the tpm12d command-line entry point: a Cobra
// root command wiring Viper-bound persistent flags, with init-state/serve/
// version subcommands each living in their own file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version, Commit and BuildTime are set via -ldflags at release build time;
// the zero values below are what a `go run`/dev build reports.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpm12d",
		Short: "A software TPM 1.2 emulator core",
	}
	cmd.PersistentFlags().String("config", "", "Path to config file (YAML or TOML)")
	cmd.PersistentFlags().Bool("debug", false, "Tag log lines with debug=true (the log level stays at info)")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", cmd.PersistentFlags().Lookup("debug"))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitStateCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
