// Package config holds the in-memory configuration records consumed by the
// adeploy client and server, and loads them from TOML files.
//
// Configuration is parsed once at process start and passed by reference into
// constructors; nothing in the orchestration path looks configuration up
// through globals.
package config

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ClientConfig is the client-side configuration: what to package and where
// the remotes listen.
type ClientConfig struct {
	Packages map[string]ClientPackage `toml:"packages"`
	Remotes  map[string]RemoteConfig  `toml:"remotes"`
}

// ClientPackage lists the source paths packaged for one package name.
type ClientPackage struct {
	Sources []string `toml:"sources"`
}

// RemoteConfig holds connection parameters for a target host.
type RemoteConfig struct {
	Port int `toml:"port"`
	// Timeout in seconds for a whole deploy call.
	Timeout int `toml:"timeout"`
	// MaxFileSize is an optional client-side guard; zero disables it.
	MaxFileSize int64 `toml:"max_file_size,omitempty"`
}

// ServerConfig is the server-side configuration.
type ServerConfig struct {
	Server   ServerSettings           `toml:"server"`
	Packages map[string]PackageConfig `toml:"packages"`
}

// ServerSettings holds listen parameters and trust material.
type ServerSettings struct {
	Port        int      `toml:"port"`
	MaxFileSize int64    `toml:"max_file_size"`
	AllowedKeys []string `toml:"allowed_keys"`
	HookTimeout string   `toml:"hook_timeout,omitempty"`
	// MaxUnpackedSize caps the extracted size of one artifact. Zero means
	// DefaultUnpackRatio times MaxFileSize.
	MaxUnpackedSize int64 `toml:"max_unpacked_size,omitempty"`
	// AgentDir overrides the directory used to derive default backup and
	// spool locations. Empty means the executable's directory.
	AgentDir string `toml:"agent_dir,omitempty"`
}

// PackageConfig describes how a package is installed on the server.
type PackageConfig struct {
	DeployPath    string `toml:"deploy_path"`
	BackupEnabled bool   `toml:"backup_enabled"`
	BackupPath    string `toml:"backup_path,omitempty"`

	BeforeDeployScript string `toml:"before_deploy_script,omitempty"`
	AfterDeployScript  string `toml:"after_deploy_script,omitempty"`

	PreHook  *HookConfig `toml:"pre_hook,omitempty"`
	PostHook *HookConfig `toml:"post_hook,omitempty"`
}

// HookType selects how a hook is executed.
type HookType string

const (
	// HookExec runs an external command through the platform shell.
	HookExec HookType = "exec"
	// HookLua evaluates a script in the sandboxed Lua VM.
	HookLua HookType = "lua"
)

// HookConfig is the structured hook descriptor.
type HookConfig struct {
	Type HookType `toml:"type"`

	// Command is the external command line (exec hooks).
	Command string `toml:"command,omitempty"`

	// Script is inline Lua source; ScriptFile is a path to Lua source.
	Script     string `toml:"script,omitempty"`
	ScriptFile string `toml:"script_file,omitempty"`

	Service      string `toml:"service,omitempty"`
	Process      string `toml:"process,omitempty"`
	BinarySource string `toml:"binary_source,omitempty"`
	BinaryTarget string `toml:"binary_target,omitempty"`

	Timeout string `toml:"timeout,omitempty"`
}

// Hooks returns the effective pre and post hook descriptors. Structured
// pre_hook/post_hook tables win over the script shorthands.
func (p PackageConfig) Hooks() (pre, post *HookConfig) {
	pre = p.PreHook
	if pre == nil && p.BeforeDeployScript != "" {
		pre = hookFromScript(p.BeforeDeployScript)
	}
	post = p.PostHook
	if post == nil && p.AfterDeployScript != "" {
		post = hookFromScript(p.AfterDeployScript)
	}
	return pre, post
}

// hookFromScript maps a *_deploy_script value to a descriptor: Lua files run
// sandboxed, everything else goes through the shell.
func hookFromScript(script string) *HookConfig {
	if strings.EqualFold(filepath.Ext(strings.TrimSpace(script)), ".lua") {
		return &HookConfig{Type: HookLua, ScriptFile: strings.TrimSpace(script)}
	}
	return &HookConfig{Type: HookExec, Command: script}
}

// TimeoutOr parses the hook timeout, returning fallback when unset.
func (h *HookConfig) TimeoutOr(fallback time.Duration) (time.Duration, error) {
	if h == nil || h.Timeout == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse hook timeout %q: %w", h.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("hook timeout must be positive, got %s", h.Timeout)
	}
	return d, nil
}

// HookTimeoutOr parses the server-wide hook timeout, returning fallback when unset.
func (s ServerSettings) HookTimeoutOr(fallback time.Duration) (time.Duration, error) {
	if s.HookTimeout == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s.HookTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse hook_timeout %q: %w", s.HookTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("hook_timeout must be positive, got %s", s.HookTimeout)
	}
	return d, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	for _, name := range sortedKeys(c.Packages) {
		if err := validatePackageName(name); err != nil {
			return &ValidationError{Field: "packages." + name, Message: err.Error()}
		}
		pkg := c.Packages[name]
		if len(pkg.Sources) == 0 {
			return &ValidationError{Field: "packages." + name + ".sources", Message: "at least one source is required"}
		}
		for i, src := range pkg.Sources {
			if strings.TrimSpace(src) == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("packages.%s.sources[%d]", name, i),
					Message: "source path cannot be empty",
				}
			}
		}
	}

	for _, host := range sortedKeys(c.Remotes) {
		r := c.Remotes[host]
		if r.Port != 0 {
			if err := validatePort(r.Port); err != nil {
				return &ValidationError{Field: "remotes." + host + ".port", Message: err.Error()}
			}
		}
		if r.Timeout < 0 {
			return &ValidationError{Field: "remotes." + host + ".timeout", Message: "timeout cannot be negative"}
		}
		if r.MaxFileSize < 0 {
			return &ValidationError{Field: "remotes." + host + ".max_file_size", Message: "max_file_size cannot be negative"}
		}
	}

	return nil
}

// UnpackedLimit returns the extraction cap for one artifact.
func (s ServerSettings) UnpackedLimit() int64 {
	if s.MaxUnpackedSize > 0 {
		return s.MaxUnpackedSize
	}
	if s.MaxFileSize > math.MaxInt64/DefaultUnpackRatio {
		return math.MaxInt64
	}
	return s.MaxFileSize * DefaultUnpackRatio
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if err := validatePort(c.Server.Port); err != nil {
		return &ValidationError{Field: "server.port", Message: err.Error()}
	}
	if c.Server.MaxFileSize <= 0 {
		return &ValidationError{Field: "server.max_file_size", Message: "must be positive"}
	}
	if c.Server.MaxUnpackedSize < 0 {
		return &ValidationError{Field: "server.max_unpacked_size", Message: "must not be negative"}
	}
	if c.Server.MaxUnpackedSize > 0 && c.Server.MaxUnpackedSize < c.Server.MaxFileSize {
		return &ValidationError{Field: "server.max_unpacked_size", Message: "must be at least max_file_size"}
	}
	if len(c.Server.AllowedKeys) == 0 {
		return &ValidationError{Field: "server.allowed_keys", Message: "at least one trusted key is required"}
	}
	if _, err := c.Server.HookTimeoutOr(DefaultHookTimeout); err != nil {
		return &ValidationError{Field: "server.hook_timeout", Message: err.Error()}
	}

	for _, name := range sortedKeys(c.Packages) {
		field := "packages." + name
		if err := validatePackageName(name); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		pkg := c.Packages[name]
		if pkg.DeployPath == "" {
			return &ValidationError{Field: field + ".deploy_path", Message: "deploy_path is required"}
		}
		if !filepath.IsAbs(pkg.DeployPath) {
			return &ValidationError{Field: field + ".deploy_path", Message: "deploy_path must be absolute"}
		}
		if filepath.Clean(pkg.DeployPath) == filepath.Dir(filepath.Clean(pkg.DeployPath)) {
			return &ValidationError{Field: field + ".deploy_path", Message: "deploy_path cannot be a filesystem root"}
		}
		if pkg.BackupPath != "" && !filepath.IsAbs(pkg.BackupPath) {
			return &ValidationError{Field: field + ".backup_path", Message: "backup_path must be absolute"}
		}
		if pkg.BackupEnabled && pkg.BackupPath != "" && overlaps(pkg.DeployPath, pkg.BackupPath) {
			return &ValidationError{Field: field + ".backup_path", Message: fmt.Sprintf("backup_path %s overlaps deploy_path %s", pkg.BackupPath, pkg.DeployPath)}
		}

		pre, post := pkg.Hooks()
		if err := pre.validate(); err != nil {
			return &ValidationError{Field: field + ".pre_hook", Message: err.Error()}
		}
		if err := post.validate(); err != nil {
			return &ValidationError{Field: field + ".post_hook", Message: err.Error()}
		}
	}

	if filepath.IsAbs(c.Server.AgentDir) {
		return c.CheckAgentDir(c.Server.AgentDir)
	}
	return nil
}

// CheckAgentDir rejects layouts where installing a package would replace
// agentDir or a package's default backup root. Validate runs it when
// agent_dir is configured; the server runs it again once the directory is
// resolved.
func (c *ServerConfig) CheckAgentDir(agentDir string) error {
	for _, name := range sortedKeys(c.Packages) {
		pkg := c.Packages[name]
		if within(pkg.DeployPath, agentDir) {
			return &ValidationError{
				Field:   "server.agent_dir",
				Message: fmt.Sprintf("agent directory %s is inside deploy_path of package %s", agentDir, name),
			}
		}
		if !pkg.BackupEnabled || pkg.BackupPath != "" {
			continue
		}
		root := filepath.Join(agentDir, BackupDirName, name)
		if overlaps(pkg.DeployPath, root) {
			return &ValidationError{
				Field:   "packages." + name + ".deploy_path",
				Message: fmt.Sprintf("deploy_path %s overlaps the default backup root %s", pkg.DeployPath, root),
			}
		}
	}
	return nil
}

// within reports whether path is parent or lies beneath it.
func within(parent, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(path))
	return err == nil && filepath.IsLocal(rel)
}

func overlaps(a, b string) bool {
	return within(a, b) || within(b, a)
}

func (h *HookConfig) validate() error {
	if h == nil {
		return nil
	}
	switch h.Type {
	case HookExec:
		if strings.TrimSpace(h.Command) == "" {
			return fmt.Errorf("exec hook requires a command")
		}
	case HookLua:
		if h.Script == "" && h.ScriptFile == "" {
			return fmt.Errorf("lua hook requires script or script_file")
		}
		if h.Script != "" && h.ScriptFile != "" {
			return fmt.Errorf("lua hook takes either script or script_file, not both")
		}
		if (h.BinarySource == "") != (h.BinaryTarget == "") {
			return fmt.Errorf("binary_source and binary_target must be set together")
		}
		if h.BinarySource != "" && (filepath.IsAbs(h.BinarySource) || strings.HasPrefix(filepath.Clean(h.BinarySource), "..")) {
			return fmt.Errorf("binary_source must be relative to deploy_path: %s", h.BinarySource)
		}
		if h.BinaryTarget != "" && !filepath.IsAbs(h.BinaryTarget) {
			return fmt.Errorf("binary_target must be absolute: %s", h.BinaryTarget)
		}
	default:
		return fmt.Errorf("unknown hook type %q (want %q or %q)", h.Type, HookExec, HookLua)
	}
	if _, err := h.TimeoutOr(DefaultHookTimeout); err != nil {
		return err
	}
	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}

func validatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	if len(name) > MaxPackageNameLength {
		return fmt.Errorf("package name too long (%d chars, max %d)", len(name), MaxPackageNameLength)
	}
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("invalid package name %q", name)
	}
	return nil
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
