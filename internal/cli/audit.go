package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawgate/internal/audit"
)

func newAuditCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(newAuditQueryCmd(flags), newAuditVerifyCmd(flags), newAuditStatsCmd(flags))
	return cmd
}

func newAuditQueryCmd(flags *globalFlags) *cobra.Command {
	var (
		f      audit.Filter
		typ    string
		since  time.Duration
		limit  int
		pretty bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching entries, most recent first, as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			f.Type = audit.EventType(typ)
			if since > 0 {
				f.Start = time.Now().Add(-since)
			}
			entries := audit.ReadFile(cmd.Context(), cfg.Resolve(cfg.Audit.Path), f, limit)

			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "terminal_command, chat_message, auth or approval")
	cmd.Flags().StringVar(&f.UserID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "filter by session id")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent output")
	return cmd
}

func newAuditVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Resolve(cfg.Audit.Path)
			rep, err := audit.Verify(path)
			out := cmd.OutOrStdout()
			if err != nil {
				var ce *audit.ChainError
				if errors.As(err, &ce) {
					fmt.Fprintf(out, "%s %s (after %d good entries)\n", color.RedString("✗"), ce.Error(), rep.Verified)
				}
				return err
			}
			fmt.Fprintf(out, "%s %s: %d entries verified", color.GreenString("✓"), path, rep.Verified)
			if rep.Skipped > 0 {
				fmt.Fprintf(out, ", %s", color.YellowString("%d unparseable lines skipped", rep.Skipped))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func newAuditStatsCmd(flags *globalFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats <userId>",
		Short: "Summarize a user's activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = 30
			}
			since := time.Now().AddDate(0, 0, -days)
			st := audit.StatsFile(cmd.Context(), cfg.Resolve(cfg.Audit.Path), args[0], since)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User %s, last %d days\n", st.UserID, days)
			fmt.Fprintf(out, "  commands:  %d (%s, %s)\n", st.TotalCommands,
				color.GreenString("%d ok", st.SuccessfulCommands),
				color.RedString("%d failed", st.FailedCommands))
			fmt.Fprintf(out, "  chat:      %d\n", st.ChatMessages)
			fmt.Fprintf(out, "  approvals: %d\n", st.ApprovalRequests)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "look-back window in days")
	return cmd
}
