package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KafClaw/clawgate/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/clawgate/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"       _                              _\n" +
		"   ___| | __ ___      ____ _  __ _| |_ ___\n" +
		"  / __| |/ _` \\ \\ /\\ / / _` |/ _` | __/ _ \\\n" +
		" | (__| | (_| |\\ V  V / (_| | (_| | ||  __/\n" +
		"  \\___|_|\\__,_| \\_/\\_/ \\__, |\\__,_|\\__\\___|\n" +
		"                       |___/\n"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "clawgate",
		Short:         "clawgate - conversational agent with a guarded shell",
		Long:          color.CyanString(logo) + "\nA conversational agent served over HTTP that runs allow-listed shell commands behind approval and audit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default $CLAWGATE_CONFIG or ~/.clawgate/config.json)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "development logging")

	root.AddCommand(
		newVersionCmd(),
		newGatewayCmd(flags),
		newTokenCmd(flags),
		newAuditCmd(flags),
		newSessionCmd(flags),
		newRemoteCmd(flags),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), color.RedString("Error: %v", err))
	}
	return err
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func (f *globalFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

func (f *globalFlags) logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if f.debug {
		zc = zap.NewDevelopmentConfig()
	}
	return zc.Build()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clawgate %s\n", version)
		},
	}
}
