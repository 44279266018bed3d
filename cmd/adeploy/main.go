package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logFile    string
	keyDir     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	copts := &clientOptions{}

	root := &cobra.Command{
		Use:   "adeploy <host> <package>",
		Short: "Secure artifact deployment agent",
		Long: `adeploy packages build outputs, signs them and pushes them to an agent
that installs them on the target host.

Run "adeploy server" on the target and "adeploy client <host> <package>"
(or the "adeploy <host> <package>" shorthand) from the build machine.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			if len(args) < 2 {
				return fmt.Errorf("expected <host> <package>, got %q\nRun 'adeploy --help' for usage", args)
			}
			return runClient(cmd.Context(), cmd.OutOrStdout(), g, copts, args)
		},
	}
	root.SetVersionTemplate("adeploy {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "configuration file (default: next to the executable)")
	pf.StringVar(&g.logFile, "log-file", "", "also write logs to this file")
	pf.StringVar(&g.keyDir, "key-dir", "", "signing key directory (default: .key next to the executable)")
	pf.BoolVar(&g.verbose, "verbose", false, "verbose output")

	// The shorthand accepts the same flags as the client command.
	copts.bind(root.Flags())

	root.AddCommand(
		newServerCmd(g),
		newClientCmd(g),
		newKeygenCmd(g),
		newBackupsCmd(g),
	)
	return root
}
