package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/chatrelay/pkg/audit"
	"github.com/NicolasHaas/chatrelay/pkg/event"
	"github.com/NicolasHaas/chatrelay/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "chatrelay", info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
		user   string
		kind   string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the SQLite event ledger",
		Long: "Print the most recent ledger events, oldest first.\n" +
			"With --user and --kind, print how many such events the user has instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := audit.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if user != "" {
				k, ok := event.ParseKind(kind)
				if !ok {
					return fmt.Errorf("unknown event kind %q", kind)
				}
				n, err := ledger.CountByUser(ctx, k, user)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "%s %s %d\n", user, k, n)
				return err
			}

			events, err := ledger.Recent(ctx, limit)
			if err != nil {
				return err
			}
			for _, e := range events {
				if _, err := fmt.Fprintf(out, "%s  %s\n", e.At.Local().Format(time.DateTime), e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&dbPath, "db", "chatrelay-audit.db", "ledger path")
	fl.IntVarP(&limit, "limit", "n", 50, "number of events (0 = all)")
	fl.StringVar(&user, "user", "", "count events for this user")
	fl.StringVar(&kind, "kind", "join", "event kind counted with --user")
	return cmd
}
