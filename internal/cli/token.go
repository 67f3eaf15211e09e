package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/clawgate/internal/access"
	"github.com/KafClaw/clawgate/internal/notify"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access credentials",
	}
	cmd.AddCommand(newTokenIssueCmd(flags))
	return cmd
}

func newTokenIssueCmd(flags *globalFlags) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
		raw  bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed credential for a user and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := access.ParseRole(role)
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled {
				fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("auth is disabled: the gateway ignores credentials and treats callers as %q", cfg.Auth.DefaultRole))
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return errors.New("auth.jwtSecret is not configured; tokens signed with an ephemeral secret would be useless (set CLAWGATE_AUTH_JWT_SECRET)")
			}
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			auditLog, err := openAudit(cfg, notify.LogNotifier{Logger: log}, log)
			if err != nil {
				return err
			}
			defer auditLog.Close()

			mgr := access.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL(), auditLog, log.Named("access"))
			cred, err := mgr.IssueCredential(cmd.Context(), user, r, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, cred.Token)
				return nil
			}
			fmt.Fprintf(out, "%s %s (%s)\n", color.GreenString("✓ issued"), cred.UserID, cred.Role)
			fmt.Fprintf(out, "Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Token:   %s\n", cred.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", string(access.RoleTeam), "role: public, team or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (default from auth.tokenTtlHours)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print only the token")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
