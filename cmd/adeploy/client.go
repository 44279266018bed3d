package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/adeploy/adeploy/internal/client"
	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/identity"
	"github.com/adeploy/adeploy/internal/platform"
)

// clientOptions are the flags of the client command and the root shorthand.
type clientOptions struct {
	port     int
	version  string
	parallel int
	workDir  string
}

func (o *clientOptions) bind(fs *pflag.FlagSet) {
	fs.IntVarP(&o.port, "port", "p", 0, "remote port (overrides the configuration)")
	fs.StringVar(&o.version, "version-label", "", "version label (default: git tag or commit of the working directory)")
	fs.IntVar(&o.parallel, "parallel", 4, "hosts deployed to concurrently (0 = unlimited)")
	fs.StringVarP(&o.workDir, "work-dir", "C", "", "directory relative sources resolve against (default: current directory)")
}

func newClientCmd(g *globalOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "client <host>[,<host>...] <package>...",
		Short: "Package, sign and deploy packages to one or more hosts",
		Long: `Builds each package from its configured sources, signs the archive digest
and streams it to the agent on every host. Packages deploy in order on each
host and stop at the first failure there; hosts run concurrently.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), cmd.OutOrStdout(), g, opts, args)
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func runClient(ctx context.Context, out io.Writer, g *globalOptions, opts *clientOptions, args []string) error {
	hosts := splitHosts(args[0])
	if len(hosts) == 0 {
		return errors.New("no host given")
	}
	packages := args[1:]

	cfg, err := config.LoadClient(configPath(g, config.DefaultClientConfigName))
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}

	keys, err := loadSigningKey(out, g)
	if err != nil {
		return err
	}

	zl, err := newClientLogger(g)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	c, err := client.New(client.Options{
		Config:       cfg,
		Keys:         keys,
		Logger:       config.NewZapLogger(zl),
		Detector:     platform.NewDetector(),
		PortOverride: opts.port,
		Version:      opts.version,
		WorkDir:      opts.workDir,
		Parallel:     opts.parallel,
	})
	if err != nil {
		return err
	}

	results, err := c.DeployMany(ctx, hosts, packages)
	printResults(out, hosts, packages, results, g.verbose)
	if err != nil {
		failed := 0
		for _, h := range hosts {
			if rs := results[h]; len(rs) > 0 && rs[len(rs)-1].Err != nil {
				failed++
			}
		}
		return fmt.Errorf("deploy failed on %d of %d host(s): %w", failed, len(hosts), err)
	}
	return nil
}

// loadSigningKey loads the client keypair, generating it on first use.
func loadSigningKey(out io.Writer, g *globalOptions) (*identity.Keypair, error) {
	dir, err := keyDir(g)
	if err != nil {
		return nil, err
	}
	store := identity.NewStore(dir)
	kp, created, err := store.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	if created {
		color.New(color.FgYellow).Fprintf(out, "Generated a new signing key in %s\n", dir)
		fmt.Fprintf(out, "Add this public key to allowed_keys on every agent:\n  %s\n\n", kp.PublicKeyString())
	}
	return kp, nil
}

func keyDir(g *globalOptions) (string, error) {
	if g.keyDir != "" {
		return g.keyDir, nil
	}
	dir, err := identity.DefaultKeyDir()
	if err != nil {
		return "", fmt.Errorf("locate key directory: %w", err)
	}
	return dir, nil
}

// splitHosts parses a comma separated host list, dropping blanks and
// duplicates while keeping order.
func splitHosts(arg string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, h := range strings.Split(arg, ",") {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	return hosts
}

func printResults(out io.Writer, hosts, packages []string, results map[string][]*client.Result, verbose bool) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed)
	dim := color.New(color.Faint)

	for _, host := range hosts {
		rs := results[host]
		for _, r := range rs {
			switch {
			case r.Err == nil:
				ok.Fprintf(out, "✓ %s → %s", r.Package, host)
				fmt.Fprintf(out, "  version %s  deploy %s\n", r.Version, r.Response.DeployID)
			case r.Response != nil && r.Response.Partial:
				warn.Fprintf(out, "⚠ %s → %s partially deployed", r.Package, host)
				fmt.Fprintf(out, ": %s\n", r.Response.Message)
			default:
				bad.Fprintf(out, "✗ %s → %s", r.Package, host)
				fmt.Fprintf(out, ": %v\n", r.Err)
			}
			if r.Response != nil && (verbose || r.Err != nil) {
				for _, line := range r.Response.Logs {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
		}
		for _, pkg := range packages[min(len(rs), len(packages)):] {
			dim.Fprintf(out, "- %s → %s skipped\n", pkg, host)
		}
	}
}
