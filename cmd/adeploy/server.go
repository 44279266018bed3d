package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/adeploy/adeploy/internal/backup"
	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/deploy"
	"github.com/adeploy/adeploy/internal/hook"
	"github.com/adeploy/adeploy/internal/identity"
	"github.com/adeploy/adeploy/internal/platform"
	"github.com/adeploy/adeploy/internal/transfer"
)

// spoolDirName holds in-flight uploads under the agent directory.
const spoolDirName = "spool"

func newServerCmd(g *globalOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the deploy agent in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), g, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides the configured port)")
	return cmd
}

func runServer(ctx context.Context, g *globalOptions, port int) error {
	path := configPath(g, config.DefaultServerConfigName)
	cfg, err := config.LoadServer(path)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	zl, err := newServerLogger(g)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := config.NewZapLogger(zl)

	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	zl.Info("agent listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("config", path),
		zap.String("agent_dir", a.dir),
		zap.Int("packages", len(cfg.Packages)),
		zap.Int("trusted_keys", a.trusted),
		zap.String("version", Version),
	)

	if err := transfer.Serve(ctx, a.grpc, lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	zl.Info("agent stopped")
	return nil
}

// agent is a fully wired deploy server that has not started listening.
type agent struct {
	dir     string
	trusted int
	lock    *deploy.AgentLock
	grpc    *grpc.Server
}

// newAgent wires the orchestrator and its collaborators from cfg. It takes
// the agent directory lock, so a second agent on the same directory fails
// here rather than racing on backups.
func newAgent(ctx context.Context, cfg *config.ServerConfig, logger config.Logger) (*agent, error) {
	dir, err := agentDir(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckAgentDir(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent directory: %w", err)
	}

	trusted, err := identity.NewTrustedKeySet(cfg.Server.AllowedKeys)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}

	lock, err := deploy.AcquireAgentLock(dir)
	if err != nil {
		return nil, err
	}
	a := &agent{dir: dir, trusted: trusted.Len(), lock: lock}
	if err := a.wire(ctx, cfg, trusted, logger); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return a, nil
}

func (a *agent) wire(ctx context.Context, cfg *config.ServerConfig, trusted *identity.TrustedKeySet, logger config.Logger) error {
	info, err := platform.NewDetector().Detect(ctx)
	if err != nil {
		return fmt.Errorf("detect platform: %w", err)
	}
	hookTimeout, err := cfg.Server.HookTimeoutOr(config.DefaultHookTimeout)
	if err != nil {
		return err
	}

	host := hook.NewSystemHost(info.ServiceManager, nil, logger)
	orch, err := deploy.NewOrchestrator(deploy.Options{
		Config:  cfg,
		Trusted: trusted,
		Backups: backup.NewManager(backup.Options{
			AgentDir: a.dir,
			Logger:   logger,
			Hostname: info.Hostname,
		}),
		Hooks:           hook.NewRunner(host, hook.WithLogger(logger), hook.WithDefaultTimeout(hookTimeout)),
		Logger:          logger,
		MaxUnpackedSize: cfg.Server.UnpackedLimit(),
	})
	if err != nil {
		return err
	}

	spool := filepath.Join(a.dir, spoolDirName)
	if err := os.MkdirAll(spool, 0o700); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	a.grpc = transfer.NewGRPCServer(transfer.NewServer(orch, transfer.ServerOptions{
		MaxFileSize: cfg.Server.MaxFileSize,
		SpoolDir:    spool,
		Logger:      logger,
	}))
	return nil
}

// Close releases the agent directory lock.
func (a *agent) Close() error {
	return a.lock.Release()
}

// agentDir returns the configured agent directory or the executable's.
func agentDir(cfg *config.ServerConfig) (string, error) {
	if cfg.Server.AgentDir != "" {
		return filepath.Abs(cfg.Server.AgentDir)
	}
	return config.ExecutableDir()
}
