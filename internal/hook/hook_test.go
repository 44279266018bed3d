package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/google/go-cmp/cmp"
)

// fakeHost records every call and fails the operations listed in failOn.
type fakeHost struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (f *fakeHost) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err, ok := f.failOn[call]; ok {
		return err
	}
	return nil
}

func (f *fakeHost) StopProcess(_ context.Context, name string) error {
	return f.record("stop_process:" + name)
}

func (f *fakeHost) StopService(_ context.Context, name string) error {
	return f.record("stop_service:" + name)
}

func (f *fakeHost) StartService(_ context.Context, name string) error {
	return f.record("start_service:" + name)
}

func (f *fakeHost) ReplaceBinary(_ context.Context, source, target string) error {
	return f.record("replace_binary:" + source + "->" + target)
}

func (f *fakeHost) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func sandboxInvocation(script string) Invocation {
	return Invocation{
		Point: PostDeploy,
		Spec: &Spec{
			Kind:         Sandboxed,
			Source:       script,
			Service:      "demo",
			Process:      "demo-worker",
			BinarySource: "bin/demo",
			BinaryTarget: "/usr/local/bin/demo",
			Timeout:      5 * time.Second,
		},
		Deploy: Context{
			Package:    "demo",
			Version:    "1.2.3",
			DeployID:   "0d9b4f9e-1111-2222-3333-444455556666",
			DeployPath: "/opt/demo",
		},
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.HookConfig
		wantKind Kind
		wantTO   time.Duration
		wantErr  bool
	}{
		{name: "nil", cfg: nil},
		{
			name:     "exec with default timeout",
			cfg:      &config.HookConfig{Type: config.HookExec, Command: "true"},
			wantKind: External,
			wantTO:   time.Minute,
		},
		{
			name:     "lua with own timeout",
			cfg:      &config.HookConfig{Type: config.HookLua, Script: "x = 1", Timeout: "30s"},
			wantKind: Sandboxed,
			wantTO:   30 * time.Second,
		},
		{
			name:    "bad timeout",
			cfg:     &config.HookConfig{Type: config.HookExec, Command: "true", Timeout: "soon"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     &config.HookConfig{Type: "python"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := FromConfig(tt.cfg, time.Minute)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FromConfig() error = %v", err)
			}
			if tt.cfg == nil {
				if spec != nil {
					t.Errorf("FromConfig(nil) = %+v, want nil", spec)
				}
				return
			}
			if spec.Kind != tt.wantKind || spec.Timeout != tt.wantTO {
				t.Errorf("FromConfig() kind=%v timeout=%v, want %v %v", spec.Kind, spec.Timeout, tt.wantKind, tt.wantTO)
			}
		})
	}
}

func TestRunner_NilSpecIsNoop(t *testing.T) {
	host := &fakeHost{}
	res, err := NewRunner(host).Run(context.Background(), Invocation{Point: PreDeploy})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Lines) != 0 || len(host.Calls()) != 0 {
		t.Error("nil spec should do nothing")
	}
}

func TestSandbox_HostVerbs(t *testing.T) {
	host := &fakeHost{}
	script := `
stop_service()
stop_process()
update_binary()
start_service("demo-api")
print("deployed", deploy.package, deploy.version)
`
	res, err := NewRunner(host).Run(context.Background(), sandboxInvocation(script))
	if err != nil {
		t.Fatalf("Run() error = %v (lines %v)", err, res.Lines)
	}

	wantCalls := []string{
		"stop_service:demo",
		"stop_process:demo-worker",
		"replace_binary:" + filepath.Join("/opt/demo", "bin/demo") + "->/usr/local/bin/demo",
		"start_service:demo-api",
	}
	if diff := cmp.Diff(wantCalls, host.Calls()); diff != "" {
		t.Errorf("host calls mismatch (-want +got):\n%s", diff)
	}

	last := res.Lines[len(res.Lines)-1]
	if last != "deployed\tdemo\t1.2.3" {
		t.Errorf("print output = %q", last)
	}
}

func TestSandbox_DeployTable(t *testing.T) {
	host := &fakeHost{}
	script := `
assert(deploy.package == "demo")
assert(deploy.deploy_id == "0d9b4f9e-1111-2222-3333-444455556666")
assert(deploy.deploy_path == "/opt/demo")
assert(deploy.hook == "post")
`
	if _, err := NewRunner(host).Run(context.Background(), sandboxInvocation(script)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSandbox_RejectsEverythingElse(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "os.execute", script: `os.execute("touch /tmp/pwned")`},
		{name: "io.open", script: `io.open("/etc/passwd")`},
		{name: "require", script: `require("os")`},
		{name: "dofile", script: `dofile("/etc/passwd")`},
		{name: "loadfile", script: `loadfile("/etc/passwd")`},
		{name: "loadstring", script: `loadstring("return 1")()`},
		{name: "load", script: `load(function() return nil end)`},
		{name: "debug", script: `debug.getinfo(1)`},
		{name: "package", script: `package.loadlib("x", "y")`},
		{name: "write deploy table", script: `deploy.package = "other"`},
		{name: "rawset deploy table", script: `rawset(deploy, "package", "other")`},
		{name: "setmetatable deploy table", script: `setmetatable(deploy, {})`},
		{name: "explicit error", script: `error("abort deploy")`},
		{name: "syntax error", script: `stop_service(`},
		{name: "update_binary with arguments", script: `update_binary("/bin/sh", "/usr/bin/evil")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{}
			_, err := NewRunner(host).Run(context.Background(), sandboxInvocation(tt.script))
			if !errors.Is(err, ErrFailed) {
				t.Fatalf("Run() error = %v, want ErrFailed", err)
			}
			if calls := host.Calls(); len(calls) != 0 {
				t.Errorf("host was reached: %v", calls)
			}
		})
	}
}

func TestSandbox_HostFailureFailsHook(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "uncaught", script: `stop_service()`},
		{name: "caught with pcall", script: `pcall(stop_service)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{failOn: map[string]error{"stop_service:demo": errors.New("unit not loaded")}}
			res, err := NewRunner(host).Run(context.Background(), sandboxInvocation(tt.script))
			if !errors.Is(err, ErrCapability) {
				t.Fatalf("Run() error = %v, want ErrCapability", err)
			}
			if !strings.Contains(err.Error(), "unit not loaded") {
				t.Errorf("error should carry host message: %v", err)
			}
			if len(res.Lines) == 0 || !strings.HasPrefix(res.Lines[len(res.Lines)-1], "error: ") {
				t.Errorf("expected an error line in output, got %v", res.Lines)
			}
		})
	}
}

func TestSandbox_MissingCapabilityConfig(t *testing.T) {
	tests := []struct {
		name   string
		script string
		mutate func(*Spec)
	}{
		{name: "no service", script: `stop_service()`, mutate: func(s *Spec) { s.Service = "" }},
		{name: "no process", script: `stop_process()`, mutate: func(s *Spec) { s.Process = "" }},
		{name: "no binary target", script: `update_binary()`, mutate: func(s *Spec) { s.BinaryTarget = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{}
			inv := sandboxInvocation(tt.script)
			tt.mutate(inv.Spec)
			_, err := NewRunner(host).Run(context.Background(), inv)
			if !errors.Is(err, ErrCapability) {
				t.Fatalf("Run() error = %v, want ErrCapability", err)
			}
			if len(host.Calls()) != 0 {
				t.Errorf("host should not be called: %v", host.Calls())
			}
		})
	}
}

func TestSandbox_Timeout(t *testing.T) {
	inv := sandboxInvocation(`while true do end`)
	inv.Spec.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := NewRunner(&fakeHost{}).Run(context.Background(), inv)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestSandbox_ScriptFileRelativeToDeployPath(t *testing.T) {
	deployPath := t.TempDir()
	if err := os.MkdirAll(filepath.Join(deployPath, "hooks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(deployPath, "hooks", "post.lua"), []byte(`start_service()`), 0o644); err != nil {
		t.Fatal(err)
	}

	host := &fakeHost{}
	inv := sandboxInvocation("")
	inv.Spec.ScriptFile = "hooks/post.lua"
	inv.Deploy.DeployPath = deployPath

	if _, err := NewRunner(host).Run(context.Background(), inv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"start_service:demo"}, host.Calls()); diff != "" {
		t.Errorf("host calls mismatch (-want +got):\n%s", diff)
	}

	inv.Spec.ScriptFile = "hooks/missing.lua"
	if _, err := NewRunner(host).Run(context.Background(), inv); !errors.Is(err, ErrFailed) {
		t.Errorf("missing script error = %v, want ErrFailed", err)
	}
}

func externalInvocation(t *testing.T, command string) Invocation {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("external hook tests use POSIX sh")
	}
	return Invocation{
		Point: PreDeploy,
		Spec:  &Spec{Kind: External, Command: command, Service: "demo", Timeout: 10 * time.Second},
		Deploy: Context{
			Package:    "demo",
			Version:    "2.0.0",
			DeployID:   "id-1",
			DeployPath: t.TempDir(),
		},
	}
}

func TestExternal_CapturesOutput(t *testing.T) {
	inv := externalInvocation(t, `echo "stopping $ADEPLOY_PACKAGE@$ADEPLOY_VERSION"; echo "warn: $ADEPLOY_HOOK" >&2; echo "svc=$ADEPLOY_SERVICE"`)

	res, err := NewRunner(nil).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"stopping demo@2.0.0", "svc=demo", "STDERR: warn: pre"}
	if diff := cmp.Diff(want, res.Lines); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestExternal_RunsInDeployDir(t *testing.T) {
	inv := externalInvocation(t, `pwd`)
	res, err := NewRunner(nil).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(inv.Deploy.DeployPath)
	got, _ := filepath.EvalSymlinks(strings.Join(res.Lines, ""))
	if got != want {
		t.Errorf("working directory = %q, want %q", got, want)
	}
}

func TestExternal_ScrubsEnvironment(t *testing.T) {
	t.Setenv("ADEPLOY_SECRET_TOKEN", "hunter2")
	inv := externalInvocation(t, `echo "token=${ADEPLOY_SECRET_TOKEN:-unset}"`)
	res, err := NewRunner(nil).Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"token=unset"}, res.Lines); diff != "" {
		t.Errorf("agent environment leaked into hook (-want +got):\n%s", diff)
	}
}

func TestExternal_Failures(t *testing.T) {
	tests := []struct {
		name    string
		command string
		timeout time.Duration
		wantErr error
	}{
		{name: "non-zero exit", command: "echo partial; exit 3", wantErr: ErrFailed},
		{name: "missing program", command: "adeploy-definitely-not-a-command", wantErr: ErrFailed},
		{name: "timeout", command: "sleep 30", timeout: 200 * time.Millisecond, wantErr: ErrTimeout},
		{name: "timeout kills children", command: "sleep 30 & wait", timeout: 200 * time.Millisecond, wantErr: ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := externalInvocation(t, tt.command)
			if tt.timeout > 0 {
				inv.Spec.Timeout = tt.timeout
			}
			start := time.Now()
			_, err := NewRunner(nil).Run(context.Background(), inv)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if elapsed := time.Since(start); elapsed > 10*time.Second {
				t.Errorf("hook took %v", elapsed)
			}
		})
	}
}

func TestExternal_ExitStatusInError(t *testing.T) {
	inv := externalInvocation(t, "exit 7")
	_, err := NewRunner(nil).Run(context.Background(), inv)
	if err == nil || !strings.Contains(err.Error(), fmt.Sprintf("exit status %d", 7)) {
		t.Errorf("error = %v, want exit status 7", err)
	}
}
