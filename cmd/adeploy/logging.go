package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/adeploy/adeploy/internal/config"
)

// newServerLogger builds the JSON production logger used by the agent.
func newServerLogger(g *globalOptions) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return buildLogger(cfg, g.logFile)
}

// newClientLogger builds a console logger. Client progress is printed
// directly, so the logger stays at warn level unless --verbose is set.
func newClientLogger(g *globalOptions) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return buildLogger(cfg, g.logFile)
}

func buildLogger(cfg zap.Config, logFile string) (*zap.Logger, error) {
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, logFile)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// configPath returns the --config value or the default file name next to
// the executable.
func configPath(g *globalOptions, name string) string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.DefaultConfigPath(name)
}
