// Command broker runs the marconibroker message-queue daemon and its pool
// administration subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "marconibroker - a multi-tenant HTTP message queue broker",
		Long:  "A Marconi/Zaqar-style message queue broker: project-scoped queues, at-least-once delivery via lease claims, and weighted pool placement.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (flags and env vars override it)")

	rootCmd.AddCommand(
		daemonCmd(),
		poolRegisterCmd(),
		poolListCmd(),
		poolRemoveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("marconibroker 1.1.0")
			return nil
		},
	}
}
