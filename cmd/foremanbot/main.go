package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

var cfgPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foremanbot",
		Short:         "Foreman miner monitoring bot for Discord and Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file (json or yaml, or $FOREMANBOT_CONFIG)")

	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(versionCmd())
	return root
}

func defaultConfigPath() string {
	if v := os.Getenv("FOREMANBOT_CONFIG"); v != "" {
		return v
	}
	return "./config.json"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "foremanbot %s\n", Version)
		},
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
