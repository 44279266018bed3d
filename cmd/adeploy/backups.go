package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adeploy/adeploy/internal/backup"
	"github.com/adeploy/adeploy/internal/config"
)

func newBackupsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups <package>",
		Short: "List the backups the agent holds for a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackups(cmd.OutOrStdout(), g, args[0])
		},
	}
}

func runBackups(out io.Writer, g *globalOptions, pkg string) error {
	cfg, err := config.LoadServer(configPath(g, config.DefaultServerConfigName))
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	pc, ok := cfg.Packages[pkg]
	if !ok {
		return fmt.Errorf("package %q is not configured", pkg)
	}
	dir, err := agentDir(cfg)
	if err != nil {
		return err
	}

	root, err := backup.NewManager(backup.Options{AgentDir: dir}).RootFor(backup.Target{
		Package: pkg,
		Path:    pc.DeployPath,
		Root:    pc.BackupPath,
	})
	if err != nil {
		return err
	}
	handles, err := backup.List(root)
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		fmt.Fprintf(out, "No backups for %s in %s\n", pkg, root)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKUP\tCREATED\tFILES\tBYTES\tHOST")
	for _, h := range handles {
		m := h.Manifest
		files := fmt.Sprint(m.Files)
		if m.Empty {
			files = "(empty)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", h.Dir, m.CreatedAt.UTC().Format(time.RFC3339), files, m.Bytes, m.Host)
	}
	return tw.Flush()
}
