package config

import (
	"regexp"
	"time"
)

const (
	// DefaultPort is the port a client uses when no remote entry overrides it.
	DefaultPort = 6060

	// DefaultRemote names the fallback entry in ClientConfig.Remotes.
	DefaultRemote = "default"

	// DefaultTimeout is the client deploy timeout when a remote sets none.
	DefaultTimeout = 30 * time.Second

	// DefaultHookTimeout bounds hooks that configure no timeout of their own.
	DefaultHookTimeout = 5 * time.Minute

	// DefaultClientConfigName and DefaultServerConfigName are looked up next
	// to the executable when no --config flag is given.
	DefaultClientConfigName = "adeploy-client.toml"
	DefaultServerConfigName = "adeploy-server.toml"

	// BackupDirName is the directory under the agent directory that holds
	// backups of packages without a backup_path.
	BackupDirName = "backups"

	// DefaultUnpackRatio bounds the extracted size of an artifact relative
	// to max_file_size when max_unpacked_size is unset.
	DefaultUnpackRatio = 20

	// MaxPackageNameLength caps package names, which end up in paths.
	MaxPackageNameLength = 128
)

// packageNamePattern keeps package names safe to use as a path component.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
