package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Base library functions removed from the sandbox. Loaders would let a
// script read files or compile new chunks; raw access would bypass the
// read-only deploy table.
var blockedBaseFuncs = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"rawset", "rawget", "rawequal", "getfenv", "setfenv",
	"collectgarbage", "newproxy", "_printregs",
}

// sandboxLibs are the only standard libraries opened.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// newSandboxedVM creates a Lua state with only base, table, string and math
// available and every loader removed.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   120,
		RegistrySize:    1024 * 20,
		RegistryMaxSize: 1024 * 80,
	})
	for _, lib := range sandboxLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range blockedBaseFuncs {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// session carries the state of one sandboxed run.
type session struct {
	ctx     context.Context
	host    Host
	inv     Invocation
	res     *Result
	hostErr error // first host failure, even if the script caught it
}

func (r *Runner) runSandboxed(ctx context.Context, inv Invocation, res *Result) error {
	source, name, err := loadSource(inv)
	if err != nil {
		return err
	}
	if r.host == nil {
		return fmt.Errorf("%w: no host configured", ErrCapability)
	}

	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	s := &session{ctx: ctx, host: r.host, inv: inv, res: res}
	s.install(L)

	fn, err := L.Load(strings.NewReader(source), name)
	if err != nil {
		return fmt.Errorf("%w: compile %s: %v", ErrFailed, name, err)
	}
	L.Push(fn)
	callErr := L.PCall(0, lua.MultRet, nil)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: script interrupted", ErrTimeout)
		}
		return fmt.Errorf("hook cancelled: %w", ctxErr)
	}
	if s.hostErr != nil {
		return s.hostErr
	}
	if callErr != nil {
		return fmt.Errorf("%w: %s", ErrFailed, luaErrorMessage(callErr))
	}
	return nil
}

func loadSource(inv Invocation) (source, name string, err error) {
	if inv.Spec.Source != "" {
		return inv.Spec.Source, string(inv.Point) + "_hook", nil
	}
	if inv.Spec.ScriptFile == "" {
		return "", "", fmt.Errorf("%w: no script", ErrFailed)
	}
	path := resolve(inv.Deploy.DeployPath, inv.Spec.ScriptFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: read script: %v", ErrFailed, err)
	}
	return string(data), path, nil
}

// install binds the host functions, print, and the deploy table.
func (s *session) install(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(s.print))
	L.SetGlobal("stop_process", L.NewFunction(s.stopProcess))
	L.SetGlobal("stop_service", L.NewFunction(s.stopService))
	L.SetGlobal("start_service", L.NewFunction(s.startService))
	L.SetGlobal("update_binary", L.NewFunction(s.updateBinary))

	deploy := L.NewTable()
	L.SetField(deploy, "package", lua.LString(s.inv.Deploy.Package))
	L.SetField(deploy, "version", lua.LString(s.inv.Deploy.Version))
	L.SetField(deploy, "deploy_id", lua.LString(s.inv.Deploy.DeployID))
	L.SetField(deploy, "deploy_path", lua.LString(s.inv.Deploy.DeployPath))
	L.SetField(deploy, "hook", lua.LString(string(s.inv.Point)))
	L.SetGlobal("deploy", makeReadOnly(L, deploy, "deploy"))
}

// print appends its arguments, tab-separated, to the hook output.
func (s *session) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.res.Lines = append(s.res.Lines, strings.Join(parts, "\t"))
	return 0
}

func (s *session) stopProcess(L *lua.LState) int {
	name := s.nameArg(L, "stop_process", s.inv.Spec.Process)
	return s.call(L, fmt.Sprintf("stop_process(%s)", name), func() error {
		return s.host.StopProcess(s.ctx, name)
	})
}

func (s *session) stopService(L *lua.LState) int {
	name := s.nameArg(L, "stop_service", s.inv.Spec.Service)
	return s.call(L, fmt.Sprintf("stop_service(%s)", name), func() error {
		return s.host.StopService(s.ctx, name)
	})
}

func (s *session) startService(L *lua.LState) int {
	name := s.nameArg(L, "start_service", s.inv.Spec.Service)
	return s.call(L, fmt.Sprintf("start_service(%s)", name), func() error {
		return s.host.StartService(s.ctx, name)
	})
}

func (s *session) updateBinary(L *lua.LState) int {
	if L.GetTop() > 0 {
		L.ArgError(1, "update_binary takes no arguments; configure binary_source and binary_target")
	}
	spec := s.inv.Spec
	if spec.BinarySource == "" || spec.BinaryTarget == "" {
		s.fail(L, fmt.Errorf("%w: update_binary: binary_source and binary_target are not configured", ErrCapability))
	}
	src := resolve(s.inv.Deploy.DeployPath, spec.BinarySource)
	return s.call(L, fmt.Sprintf("update_binary(%s -> %s)", spec.BinarySource, spec.BinaryTarget), func() error {
		return s.host.ReplaceBinary(s.ctx, src, spec.BinaryTarget)
	})
}

// nameArg returns the optional string argument, or fallback.
func (s *session) nameArg(L *lua.LState, fn, fallback string) string {
	name := strings.TrimSpace(L.OptString(1, fallback))
	if name == "" {
		s.fail(L, fmt.Errorf("%w: %s: no name given and none configured", ErrCapability, fn))
	}
	return name
}

func (s *session) call(L *lua.LState, label string, op func() error) int {
	if err := op(); err != nil {
		s.fail(L, fmt.Errorf("%w: %s: %v", ErrCapability, label, err))
	}
	s.res.Lines = append(s.res.Lines, label+": ok")
	return 0
}

// fail records a host failure and raises it in the script. RaiseError does
// not return.
func (s *session) fail(L *lua.LState, err error) {
	if s.hostErr == nil {
		s.hostErr = err
	}
	s.res.Lines = append(s.res.Lines, "error: "+err.Error())
	L.RaiseError("%s", err.Error())
}

// makeReadOnly makes a Lua table read-only by creating a proxy table with a metatable.
// The proxy redirects reads to the original table but prevents all writes.
func makeReadOnly(L *lua.LState, table *lua.LTable, name string) *lua.LTable {
	mt := L.NewTable()

	// Redirect reads to the original table
	L.SetField(mt, "__index", table)

	// Prevent all writes (both new and existing keys)
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s table is read-only", name)
		return 0
	}))

	// Prevent changing the metatable itself
	L.SetField(mt, "__metatable", lua.LString("protected"))

	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}

func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
