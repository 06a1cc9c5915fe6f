package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clinic-assist",
		Short:         "Customer agent and staff copilot for clinic operations",
		Version:       fmt.Sprintf("%s (commit=%s, date=%s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $CLINIC_ASSIST_CONFIG)")
	root.AddCommand(newServeCmd(), newChatCmd(), newEvalCmd(), newToolsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clinic-assist: %v\n", err)
		os.Exit(1)
	}
}
