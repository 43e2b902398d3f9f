package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"foremanbot/internal/app"
	logx "foremanbot/pkg/logx"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsForgetCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions (API keys are never shown)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := app.OpenStorage(cmd.Context(), cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := app.ListSessions(cmd.Context(), store, kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tID\tTARGET\tCLIENT\tKEY\tREGISTERED\tCURSOR")
			for _, s := range list {
				client, registered := "-", "-"
				if s.ClientID != 0 {
					client = fmt.Sprint(s.ClientID)
				}
				if s.RegisteredAt != nil {
					registered = s.RegisteredAt.Format(time.RFC3339)
				}
				key := "no"
				if s.HasAPIKey {
					key = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n", s.Kind, s.ID, s.Target, client, key, registered, s.Cursor)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list sessions of this kind (group or direct)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func sessionsForgetCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "forget <kind> <id>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := app.OpenStorage(cmd.Context(), cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			err = app.ForgetSession(cmd.Context(), store, args[0], args[1], actor)
			if errors.Is(err, app.ErrNoSession) {
				return fmt.Errorf("%s session %q not found", args[0], args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s session %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "name recorded in the audit trail")
	return cmd
}
