package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/session"
)

func newSessionCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset stored sessions",
	}
	cmd.AddCommand(
		newSessionListCmd(flags),
		newSessionShowCmd(flags),
		newSessionClearCmd(flags),
	)
	return cmd
}

// withRegistry opens the configured store for offline inspection. No
// summarizer is attached; nothing here appends interactions.
func withRegistry(flags *globalFlags, fn func(r *session.Registry) error) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	r, err := openRegistry(cfg, nil, zap.NewNop())
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func newSessionListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(r *session.Registry) error {
				infos, err := r.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(infos) == 0 {
					fmt.Fprintln(out, "No sessions.")
					return nil
				}
				for _, info := range infos {
					fmt.Fprintf(out, "%-40s %s\n", info.Key, info.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newSessionShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print a session's memory context as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(r *session.Registry) error {
				s, err := r.Snapshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := struct {
					Key              string          `json:"key"`
					InteractionCount int             `json:"interactionCount"`
					Context          session.Context `json:"context"`
				}{s.Key, s.InteractionCount(), session.BuildContext(s)}
				data, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
}

func newSessionClearCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Reset a session to the empty state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(flags, func(r *session.Registry) error {
				if err := r.Clear(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s session %s cleared\n", color.GreenString("✓"), args[0])
				return nil
			})
		},
	}
}
