package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Path    string // File the config came from, if any
	Message string // User-friendly message
	Detail  string // Technical details (raw decoder error)
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// ParseClient decodes a client config from TOML and validates it.
func ParseClient(data []byte) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseServer decodes a server config from TOML and validates it.
func ParseServer(data []byte) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient reads and parses a client config file.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	cfg, err := ParseClient(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	return cfg, nil
}

// LoadServer reads and parses a server config file.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server config: %w", err)
	}
	cfg, err := ParseServer(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	return cfg, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return &ParseError{Message: "unknown configuration keys", Detail: strict.String()}
		}
		var decErr *toml.DecodeError
		if errors.As(err, &decErr) {
			row, col := decErr.Position()
			return &ParseError{
				Message: "TOML syntax error",
				Detail:  fmt.Sprintf("line %d, column %d: %s", row, col, decErr.Error()),
			}
		}
		return &ParseError{Message: "invalid TOML", Detail: err.Error()}
	}
	return nil
}

func withPath(err error, path string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Path = path
		return pe
	}
	return fmt.Errorf("%s: %w", path, err)
}

// DefaultConfigPath resolves a config file name next to the running
// executable, falling back to the bare name.
func DefaultConfigPath(name string) string {
	dir, err := ExecutableDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

// ExecutableDir returns the directory holding the running binary.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// Remote is a resolved connection target.
type Remote struct {
	Host        string
	Port        int
	Timeout     time.Duration
	MaxFileSize int64
	// Source records which entry supplied the settings: the host name,
	// DefaultRemote, or "builtin".
	Source string
}

// Address returns host:port.
func (r Remote) Address() string {
	host := r.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, r.Port)
}

// ResolveRemote picks connection parameters for host. Priority is an explicit
// port override (non-zero), then a host-specific entry, then the default
// entry. With no entry at all the built-in defaults apply.
func (c *ClientConfig) ResolveRemote(host string, portOverride int) (Remote, error) {
	if host == "" {
		return Remote{}, fmt.Errorf("host cannot be empty")
	}

	r := Remote{Host: host, Port: DefaultPort, Timeout: DefaultTimeout, Source: "builtin"}
	if entry, ok := c.Remotes[host]; ok {
		r = fromEntry(host, entry, host)
	} else if entry, ok := c.Remotes[DefaultRemote]; ok {
		r = fromEntry(host, entry, DefaultRemote)
	}

	if portOverride != 0 {
		if err := validatePort(portOverride); err != nil {
			return Remote{}, err
		}
		r.Port = portOverride
	}
	return r, nil
}

func fromEntry(host string, entry RemoteConfig, source string) Remote {
	r := Remote{
		Host:        host,
		Port:        entry.Port,
		Timeout:     time.Duration(entry.Timeout) * time.Second,
		MaxFileSize: entry.MaxFileSize,
		Source:      source,
	}
	if r.Port == 0 {
		r.Port = DefaultPort
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}
