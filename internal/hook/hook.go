// Package hook runs the pre- and post-install hooks of a deploy.
//
// A hook is one of two kinds. External hooks run a command line through the
// platform shell. Sandboxed hooks evaluate a Lua script in a VM that can
// reach the host only through four functions: stop_process, stop_service,
// start_service and update_binary. Those functions are backed by the Host
// interface, so tests and alternative platforms can substitute it.
package hook

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adeploy/adeploy/internal/config"
)

// Kind is the hook variant.
type Kind int

const (
	// External runs a shell command.
	External Kind = iota + 1
	// Sandboxed evaluates Lua source with a fixed set of host functions.
	Sandboxed
)

func (k Kind) String() string {
	switch k {
	case External:
		return "external"
	case Sandboxed:
		return "sandboxed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Point is the lifecycle point a hook runs at.
type Point string

const (
	PreDeploy  Point = "pre"
	PostDeploy Point = "post"
)

var (
	// ErrTimeout indicates the hook exceeded its time limit and was stopped.
	ErrTimeout = errors.New("hook timed out")

	// ErrFailed indicates the hook ran and reported failure.
	ErrFailed = errors.New("hook failed")

	// ErrCapability indicates a host function was called without the
	// configuration it needs, or the host refused the operation.
	ErrCapability = errors.New("host capability failed")
)

// Spec describes a configured hook.
type Spec struct {
	Kind Kind

	// Command is the shell command line (External).
	Command string

	// Source is inline Lua; ScriptFile is a path to Lua source read at run
	// time. A relative ScriptFile resolves against the deploy path.
	Source     string
	ScriptFile string

	// Capability arguments. BinarySource is relative to the deploy path.
	Service      string
	Process      string
	BinarySource string
	BinaryTarget string

	Timeout time.Duration
}

// FromConfig converts a hook descriptor. A nil descriptor yields a nil Spec.
func FromConfig(h *config.HookConfig, fallback time.Duration) (*Spec, error) {
	if h == nil {
		return nil, nil
	}
	timeout, err := h.TimeoutOr(fallback)
	if err != nil {
		return nil, err
	}

	s := &Spec{
		Service:      h.Service,
		Process:      h.Process,
		BinarySource: h.BinarySource,
		BinaryTarget: h.BinaryTarget,
		Timeout:      timeout,
	}
	switch h.Type {
	case config.HookExec:
		s.Kind = External
		s.Command = h.Command
	case config.HookLua:
		s.Kind = Sandboxed
		s.Source = h.Script
		s.ScriptFile = h.ScriptFile
	default:
		return nil, fmt.Errorf("unknown hook type %q", h.Type)
	}
	return s, nil
}

// Context is the deploy data a hook may read.
type Context struct {
	Package    string
	Version    string
	DeployID   string
	DeployPath string
}

// Invocation is one hook run.
type Invocation struct {
	Point  Point
	Spec   *Spec
	Deploy Context
}

// Result holds the output of a hook run. It is returned even when the hook
// fails so the caller can log what happened.
type Result struct {
	Lines    []string
	Duration time.Duration
}

// Runner executes hooks.
type Runner struct {
	host           Host
	logger         config.Logger
	defaultTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l config.Logger) RunnerOption {
	return func(r *Runner) { r.logger = config.OrNop(l) }
}

// WithDefaultTimeout sets the timeout for specs that carry none.
func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.defaultTimeout = d }
}

// NewRunner returns a Runner whose sandboxed hooks act through host.
func NewRunner(host Host, opts ...RunnerOption) *Runner {
	r := &Runner{
		host:           host,
		logger:         config.NopLogger(),
		defaultTimeout: config.DefaultHookTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv synchronously within the hook's timeout. A nil spec is a
// no-op.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	res := &Result{}
	if inv.Spec == nil {
		return res, nil
	}

	timeout := inv.Spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch inv.Spec.Kind {
	case External:
		err = r.runExternal(ctx, inv, res)
	case Sandboxed:
		err = r.runSandboxed(ctx, inv, res)
	default:
		err = fmt.Errorf("unknown hook kind %v", inv.Spec.Kind)
	}
	res.Duration = time.Since(start)

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	}

	r.logger.Debug("hook finished",
		"point", string(inv.Point),
		"kind", inv.Spec.Kind.String(),
		"package", inv.Deploy.Package,
		"duration", res.Duration,
		"error", err)
	return res, err
}

// resolve joins a path relative to the deploy directory.
func resolve(deployPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(deployPath, p)
}
