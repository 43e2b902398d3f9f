package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"foremanbot/internal/app"
	logx "foremanbot/pkg/logx"
)

func checkCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and ping the Foreman API",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := app.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config:   %s (OK)\n", cfgPath)
			fmt.Fprintf(out, "platform: %s\n", cfg.Bot.Platform)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := app.CheckForeman(ctx, cfg, logx.Nop())
			if err != nil || !res.Reachable {
				fmt.Fprintf(out, "foreman:  %s (UNREACHABLE)\n", res.APIURL)
				if err != nil {
					return fmt.Errorf("foreman ping: %w", err)
				}
				return fmt.Errorf("foreman ping: unexpected response")
			}
			fmt.Fprintf(out, "foreman:  %s (OK, %s)\n", res.APIURL, res.Took.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}
