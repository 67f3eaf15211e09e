package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KafClaw/clawgate/internal/remote"
)

const defaultRemoteURL = "http://127.0.0.1:3002"

type remoteFlags struct {
	server  string
	token   string
	session string
	approve bool
}

func (f *remoteFlags) client(g *globalFlags) (*remote.Client, error) {
	server := f.server
	if server == "" {
		server = os.Getenv("CLAWGATE_REMOTE_URL")
	}
	if server == "" {
		server = defaultRemoteURL
	}
	token := f.token
	if token == "" {
		token = os.Getenv("CLAWGATE_REMOTE_TOKEN")
	}
	log, err := g.logger()
	if err != nil {
		return nil, err
	}
	return remote.New(server, token, remote.WithSessionID(f.session), remote.WithLogger(log.Named("remote"))), nil
}

func newRemoteCmd(flags *globalFlags) *cobra.Command {
	rf := &remoteFlags{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Drive another clawgate gateway",
	}
	cmd.PersistentFlags().StringVar(&rf.server, "server", "", "gateway URL (default $CLAWGATE_REMOTE_URL or "+defaultRemoteURL+")")
	cmd.PersistentFlags().StringVar(&rf.token, "token", "", "access token (default $CLAWGATE_REMOTE_TOKEN)")
	cmd.PersistentFlags().StringVar(&rf.session, "session", "", "session id (default a fresh agent-<uuid>)")
	cmd.PersistentFlags().BoolVar(&rf.approve, "approve", false, "approve commands that need it")

	cmd.AddCommand(
		newRemoteHealthCmd(flags, rf),
		newRemoteExecCmd(flags, rf),
		newRemoteChatCmd(flags, rf),
		newRemoteHistoryCmd(flags, rf),
		newRemoteStatsCmd(flags, rf),
		newRemoteBatchCmd(flags, rf),
		newRemoteRunCmd(flags, rf),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func newRemoteHealthCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the gateway is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (version %s)\n", color.GreenString("✓"), h.Status, h.Version)
			return nil
		},
	}
}

func newRemoteExecCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [--] <command...>",
		Short: "Run one command on the gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			res, err := c.Execute(cmd.Context(), strings.Join(args, " "), rf.approve)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.PendingApproval {
				fmt.Fprintf(out, "%s %s\n", color.YellowString("approval required:"), res.RequiresApprovalReason)
				fmt.Fprintln(out, "Re-run with --approve to execute it.")
				return nil
			}
			if res.Result == nil {
				return nil
			}
			fmt.Fprint(out, res.Result.Stdout)
			if res.Result.Stderr != "" {
				fmt.Fprint(cmd.ErrOrStderr(), res.Result.Stderr)
			}
			if !res.Result.Success {
				return fmt.Errorf("remote command failed: %s", res.Result.Error)
			}
			return nil
		},
	}
}

func newRemoteChatCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Ask the gateway's agent; with --execute, run what it proposes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			msg := strings.Join(args, " ")
			if execute {
				res, err := c.ChatExecute(cmd.Context(), msg, rf.approve)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			res, err := c.Chat(cmd.Context(), msg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "run the proposed command")
	return cmd
}

func newRemoteHistoryCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the session's command history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			hist, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), hist)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	return cmd
}

func newRemoteStatsCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the session's command statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "commands: %d (%s, %s, %d dangerous)\n", st.Total,
				color.GreenString("%d ok", st.Successful),
				color.RedString("%d failed", st.Failed),
				st.Dangerous)
			return nil
		},
	}
}

func newRemoteBatchCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <command> [command...]",
		Short: "Run each argument as a command, continuing past failures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			for _, a := range args {
				c.Queue(a)
			}
			return printJSON(cmd.OutOrStdout(), c.ExecuteBatch(cmd.Context(), rf.approve))
		},
	}
}

func newRemoteRunCmd(flags *globalFlags, rf *remoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a sequence of dependent steps from a YAML plan",
		Long: "The plan is a list of steps:\n\n" +
			"  - name: dir\n" +
			"    command: pwd\n" +
			"  - name: list\n" +
			"    command: ls $dir\n" +
			"    dependsOn: dir\n\n" +
			"A step's $<dependsOn> is replaced by that step's output. The run stops at the first failure.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var steps []remote.Step
			if err := yaml.Unmarshal(data, &steps); err != nil {
				return fmt.Errorf("parse plan: %w", err)
			}
			if len(steps) == 0 {
				return fmt.Errorf("plan %s has no steps", args[0])
			}
			c, err := rf.client(flags)
			if err != nil {
				return err
			}
			results := c.ExecuteSequence(cmd.Context(), steps, rf.approve)
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if last := results[len(results)-1]; !last.Success {
				return fmt.Errorf("plan stopped at step %q: %s", last.Name, last.Error)
			}
			return nil
		},
	}
}
