package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const serverTOML = `
[server]
port = 6060
max_file_size = 104857600
allowed_keys = ["AAAA", "ssh-ed25519 AAAAC3 ops@laptop"]
hook_timeout = "2m"
max_unpacked_size = 1073741824

[packages.demo]
deploy_path = "/opt/demo"
backup_enabled = true
backup_path = "/var/backups/demo"
before_deploy_script = "/opt/hooks/stop.sh"

[packages.demo.post_hook]
type = "lua"
script = 'stop_service(); update_binary(); start_service()'
service = "demo"
process = "demo"
binary_source = "bin/demo"
binary_target = "/usr/local/bin/demo"
timeout = "30s"
`

func TestParseServer(t *testing.T) {
	cfg, err := ParseServer([]byte(serverTOML))
	if err != nil {
		t.Fatalf("ParseServer() error = %v", err)
	}

	want := &ServerConfig{
		Server: ServerSettings{
			Port:            6060,
			MaxFileSize:     104857600,
			AllowedKeys:     []string{"AAAA", "ssh-ed25519 AAAAC3 ops@laptop"},
			HookTimeout:     "2m",
			MaxUnpackedSize: 1073741824,
		},
		Packages: map[string]PackageConfig{
			"demo": {
				DeployPath:         "/opt/demo",
				BackupEnabled:      true,
				BackupPath:         "/var/backups/demo",
				BeforeDeployScript: "/opt/hooks/stop.sh",
				PostHook: &HookConfig{
					Type:         HookLua,
					Script:       "stop_service(); update_binary(); start_service()",
					Service:      "demo",
					Process:      "demo",
					BinarySource: "bin/demo",
					BinaryTarget: "/usr/local/bin/demo",
					Timeout:      "30s",
				},
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ParseServer() mismatch (-want +got):\n%s", diff)
	}

	timeout, err := cfg.Server.HookTimeoutOr(DefaultHookTimeout)
	if err != nil || timeout != 2*time.Minute {
		t.Errorf("HookTimeoutOr() = %v, %v", timeout, err)
	}
}

func TestParseClient(t *testing.T) {
	cfg, err := ParseClient([]byte(`
[packages.demo]
sources = ["./dist/demo", "README.md"]

[remotes.default]
port = 6060
timeout = 30

[remotes."10.0.0.5"]
port = 7070
timeout = 60
max_file_size = 1024
`))
	if err != nil {
		t.Fatalf("ParseClient() error = %v", err)
	}
	want := &ClientConfig{
		Packages: map[string]ClientPackage{"demo": {Sources: []string{"./dist/demo", "README.md"}}},
		Remotes: map[string]RemoteConfig{
			"default":  {Port: 6060, Timeout: 30},
			"10.0.0.5": {Port: 7070, Timeout: 60, MaxFileSize: 1024},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ParseClient() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		parse   func([]byte) error
		input   string
		wantMsg string
	}{
		{
			name:    "unknown server key",
			parse:   func(b []byte) error { _, err := ParseServer(b); return err },
			input:   "[server]\nport = 6060\nmax_file_size = 1\nallowed_keys = [\"k\"]\nlisten = \"0.0.0.0\"\n",
			wantMsg: "unknown configuration keys",
		},
		{
			name:    "unknown client key",
			parse:   func(b []byte) error { _, err := ParseClient(b); return err },
			input:   "[packages.demo]\nsources = [\"a\"]\nexclude = [\"b\"]\n",
			wantMsg: "unknown configuration keys",
		},
		{
			name:    "syntax error",
			parse:   func(b []byte) error { _, err := ParseClient(b); return err },
			input:   "[packages.demo\nsources = [\"a\"]\n",
			wantMsg: "TOML syntax error",
		},
		{
			name:    "wrong type",
			parse:   func(b []byte) error { _, err := ParseServer(b); return err },
			input:   "[server]\nport = \"6060\"\n",
			wantMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.parse([]byte(tt.input))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ParseError", err)
			}
			if tt.wantMsg != "" && pe.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", pe.Message, tt.wantMsg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadServer(filepath.Join(dir, "missing.toml")); err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadServer(missing) error = %v, want ErrNotExist", err)
	}

	path := filepath.Join(dir, "server.toml")
	if err := os.WriteFile(path, []byte("[server]\nbogus = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadServer(path)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Path != path {
		t.Fatalf("LoadServer() error = %v, want ParseError with path", err)
	}
	if !strings.HasPrefix(err.Error(), path+": ") {
		t.Errorf("error %q does not start with the file path", err)
	}

	client := filepath.Join(dir, "client.toml")
	if err := os.WriteFile(client, []byte("[packages.\"bad name\"]\nsources = [\"a\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = LoadClient(client)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "packages.bad name" {
		t.Errorf("LoadClient() error = %v, want ValidationError for the package", err)
	}
}

func TestResolveRemote(t *testing.T) {
	cfg := &ClientConfig{Remotes: map[string]RemoteConfig{
		DefaultRemote: {Port: 6000, Timeout: 30},
		"10.0.0.5":    {Port: 7070, Timeout: 60, MaxFileSize: 1024},
		"bare":        {},
	}}

	tests := []struct {
		name     string
		cfg      *ClientConfig
		host     string
		override int
		want     Remote
		wantErr  bool
	}{
		{
			name: "host entry",
			cfg:  cfg, host: "10.0.0.5",
			want: Remote{Host: "10.0.0.5", Port: 7070, Timeout: time.Minute, MaxFileSize: 1024, Source: "10.0.0.5"},
		},
		{
			name: "default entry",
			cfg:  cfg, host: "web1",
			want: Remote{Host: "web1", Port: 6000, Timeout: 30 * time.Second, Source: DefaultRemote},
		},
		{
			name: "override beats host entry",
			cfg:  cfg, host: "10.0.0.5", override: 9000,
			want: Remote{Host: "10.0.0.5", Port: 9000, Timeout: time.Minute, MaxFileSize: 1024, Source: "10.0.0.5"},
		},
		{
			name: "empty entry takes defaults",
			cfg:  cfg, host: "bare",
			want: Remote{Host: "bare", Port: DefaultPort, Timeout: DefaultTimeout, Source: "bare"},
		},
		{
			name: "no remotes",
			cfg:  &ClientConfig{}, host: "web1",
			want: Remote{Host: "web1", Port: DefaultPort, Timeout: DefaultTimeout, Source: "builtin"},
		},
		{name: "empty host", cfg: cfg, host: "", wantErr: true},
		{name: "bad override", cfg: cfg, host: "web1", override: 70000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ResolveRemote(tt.host, tt.override)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveRemote() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ResolveRemote() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRemote_Address(t *testing.T) {
	tests := []struct {
		remote Remote
		want   string
	}{
		{Remote{Host: "web1", Port: 6060}, "web1:6060"},
		{Remote{Host: "::1", Port: 6060}, "[::1]:6060"},
		{Remote{Host: "[::1]", Port: 6060}, "[::1]:6060"},
	}
	for _, tt := range tests {
		if got := tt.remote.Address(); got != tt.want {
			t.Errorf("Address() = %q, want %q", got, tt.want)
		}
	}
}
