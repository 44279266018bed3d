package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/fsutil"
	"github.com/adeploy/adeploy/internal/platform"
)

// Host is the complete set of host operations a sandboxed hook can reach.
type Host interface {
	// StopProcess kills every process with the given executable name. No
	// matching process is not an error.
	StopProcess(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) error
	StartService(ctx context.Context, name string) error
	// ReplaceBinary installs source at target, replacing any existing file.
	ReplaceBinary(ctx context.Context, source, target string) error
}

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Windows service control exit codes tolerated by sc.
const (
	scServiceNotActive      = 1062
	scServiceAlreadyRunning = 1056
)

// processExitWait bounds how long StopProcess waits for killed processes.
const processExitWait = 5 * time.Second

// SystemHost implements Host on the local machine.
type SystemHost struct {
	services platform.ServiceManager
	run      CommandRunner
	logger   config.Logger
}

// NewSystemHost returns a host that controls services through the given
// service manager. A nil runner executes commands directly.
func NewSystemHost(services platform.ServiceManager, run CommandRunner, logger config.Logger) *SystemHost {
	if run == nil {
		run = execRunner
	}
	return &SystemHost{services: services, run: run, logger: config.OrNop(logger)}
}

// StopProcess kills processes whose executable name matches name.
func (h *SystemHost) StopProcess(ctx context.Context, name string) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	var killed []*process.Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		pname, err := p.NameWithContext(ctx)
		if err != nil || !processNameMatches(pname, name) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			if exists, _ := process.PidExistsWithContext(ctx, p.Pid); !exists {
				continue
			}
			return fmt.Errorf("kill %s (pid %d): %w", name, p.Pid, err)
		}
		killed = append(killed, p)
	}

	if len(killed) == 0 {
		h.logger.Info("no process to stop", "name", name)
		return nil
	}

	deadline := time.Now().Add(processExitWait)
	for _, p := range killed {
		for time.Now().Before(deadline) {
			running, err := p.IsRunningWithContext(ctx)
			if err != nil || !running {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	h.logger.Info("stopped process", "name", name, "count", len(killed))
	return nil
}

func processNameMatches(actual, want string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(strings.TrimSuffix(strings.ToLower(actual), ".exe"),
			strings.TrimSuffix(strings.ToLower(want), ".exe"))
	}
	return actual == want
}

// StopService stops a service. A service that is not running is not an error.
func (h *SystemHost) StopService(ctx context.Context, name string) error {
	return h.service(ctx, "stop", name)
}

// StartService starts a service. A service that is already running is not
// an error on Windows; systemd and launchd treat it as success themselves.
func (h *SystemHost) StartService(ctx context.Context, name string) error {
	return h.service(ctx, "start", name)
}

func (h *SystemHost) service(ctx context.Context, action, name string) error {
	var prog string
	var args []string
	switch h.services {
	case platform.ServiceSystemd:
		prog, args = "systemctl", []string{action, name}
	case platform.ServiceLaunchd:
		prog, args = "launchctl", []string{action, name}
	case platform.ServiceSCM:
		prog, args = "sc", []string{action, name}
	default:
		return fmt.Errorf("no supported service manager on this host")
	}

	out, err := h.run(ctx, prog, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if h.services == platform.ServiceSCM && errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if (action == "stop" && code == scServiceNotActive) || (action == "start" && code == scServiceAlreadyRunning) {
				h.logger.Info("service already in requested state", "service", name, "action", action)
				return nil
			}
		}
		return fmt.Errorf("%s %s %s: %w: %s", prog, action, name, err, strings.TrimSpace(string(out)))
	}
	h.logger.Info("service "+action, "service", name, "manager", string(h.services))
	return nil
}

// ReplaceBinary copies source next to target and renames it over target.
// If the rename fails (Windows refuses to replace a running executable),
// the old binary is moved aside first and the rename retried.
func (h *SystemHost) ReplaceBinary(ctx context.Context, source, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat binary source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("binary source %s is not a regular file", source)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create binary directory: %w", err)
	}

	suffix := uuid.NewString()[:8]
	tmp := filepath.Join(dir, "."+filepath.Base(target)+".new-"+suffix)
	if err := fsutil.CopyFile(source, tmp, info.Mode().Perm()|0o111); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copy binary: %w", err)
	}

	if err := os.Rename(tmp, target); err == nil {
		h.logger.Info("binary replaced", "target", target)
		return nil
	}

	aside := filepath.Join(dir, "."+filepath.Base(target)+".old-"+suffix)
	if err := os.Rename(target, aside); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move old binary aside: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Rename(aside, target)
		os.Remove(tmp)
		return fmt.Errorf("install binary: %w", err)
	}
	// The old file may still be running; leave it if it cannot be removed.
	_ = os.Remove(aside)
	h.logger.Info("binary replaced", "target", target, "fallback", true)
	return nil
}
