package hook

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/adeploy/adeploy/internal/fsutil"
)

// stderrPrefix marks lines the hook wrote to stderr.
const stderrPrefix = "STDERR: "

// waitDelay bounds how long Wait blocks on pipes held open by grandchildren
// after the hook process itself was killed.
const waitDelay = 2 * time.Second

// passthroughEnv lists the variables inherited from the agent. Everything
// else is dropped so agent secrets never reach hook scripts.
var passthroughEnv = []string{
	"HOME", "PATH", "USER", "LANG", "TMPDIR",
	// Windows
	"SystemRoot", "ComSpec", "PATHEXT", "TEMP", "TMP", "USERPROFILE",
}

func (r *Runner) runExternal(ctx context.Context, inv Invocation, res *Result) error {
	command := strings.TrimSpace(inv.Spec.Command)
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrFailed)
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Env = hookEnv(inv)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	// Pre hooks may run before the first install, when there is no
	// deploy directory yet.
	if ok, _ := fsutil.Exists(inv.Deploy.DeployPath); ok {
		cmd.Dir = inv.Deploy.DeployPath
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res.Lines = append(res.Lines, splitLines(stdout.String(), "")...)
	res.Lines = append(res.Lines, splitLines(stderr.String(), stderrPrefix)...)

	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		// ErrWaitDelay: the hook exited 0 but a background child kept
		// its output pipes open.
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: process killed", ErrTimeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("hook cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: exit status %d", ErrFailed, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: start command: %v", ErrFailed, err)
}

func hookEnv(inv Invocation) []string {
	env := make([]string, 0, len(passthroughEnv)+10)
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	add := func(k, v string) {
		env = append(env, "ADEPLOY_"+k+"="+v)
	}
	add("HOOK", string(inv.Point))
	add("PACKAGE", inv.Deploy.Package)
	add("VERSION", inv.Deploy.Version)
	add("DEPLOY_ID", inv.Deploy.DeployID)
	add("DEPLOY_PATH", inv.Deploy.DeployPath)
	if inv.Spec.Service != "" {
		add("SERVICE", inv.Spec.Service)
	}
	if inv.Spec.Process != "" {
		add("PROCESS", inv.Spec.Process)
	}
	return env
}

func splitLines(s, prefix string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, prefix+line)
	}
	return lines
}
