package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/metalnet/pkg/audit"
	"github.com/newtron-network/metalnet/pkg/cli"
)

var (
	auditUser     string
	auditNic      string
	auditSwitch   string
	auditNetwork  string
	auditAction   string
	auditOutcomes bool
	auditSince    time.Duration
	auditFailures bool
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail of requests and action outcomes",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	Long: `List audit events from the audit file and its rotated backups.

Requests are recorded when the API accepts or rejects them; outcomes are
recorded when the networking worker settles a journal action.

Examples:
  metalnet audit list --since 1h
  metalnet audit list --nic n1/eth0 --failures
  metalnet audit list --action 5b3c0e43-...
  metalnet audit list --switch core-1 --outcomes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if app.audit == nil {
			return fmt.Errorf("audit logging is not enabled")
		}
		filter := audit.Filter{
			User:         auditUser,
			Nic:          auditNic,
			Switch:       auditSwitch,
			Network:      auditNetwork,
			Action:       auditAction,
			FailuresOnly: auditFailures,
			Limit:        auditLimit,
		}
		if auditOutcomes {
			filter.Kind = audit.KindOutcome
		}
		if auditSince > 0 {
			filter.Since = time.Now().Add(-auditSince)
		}
		events, err := app.audit.Query(filter)
		if err != nil {
			return err
		}
		if app.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(events)
		}

		t := cli.NewTable(cmd.OutOrStdout(), "TIME", "KIND", "USER", "OPERATION", "SUBJECT", "RESULT", "ACTION")
		for _, e := range events {
			result := cli.Green("ok")
			if e.Kind == audit.KindOutcome {
				result = cli.Status(e.Status)
			}
			if !e.Success {
				result = cli.Red(e.Error)
			}
			t.Row(e.Timestamp.Local().Format(time.DateTime), string(e.Kind), cli.Dash(e.User), e.Operation, e.Subject(), result, cli.Dash(e.Action))
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user")
	auditListCmd.Flags().StringVar(&auditNic, "nic", "", "Filter by nic (node/nic)")
	auditListCmd.Flags().StringVar(&auditSwitch, "switch", "", "Filter by switch")
	auditListCmd.Flags().StringVar(&auditNetwork, "network", "", "Filter by network")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Follow one journal action")
	auditListCmd.Flags().BoolVar(&auditOutcomes, "outcomes", false, "Only worker outcomes")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only failed requests and actions")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "Show only the newest N events")
	auditCmd.AddCommand(auditListCmd)
}
