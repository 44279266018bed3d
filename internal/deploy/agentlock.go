package deploy

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	// AgentLockFile is created in the agent directory while a server runs.
	AgentLockFile = "adeploy-server.lock"

	// StaleLockThreshold is the age after which a lock whose owner cannot be
	// identified is considered abandoned.
	StaleLockThreshold = 10 * time.Minute
)

// ErrAgentLocked indicates another live agent owns the agent directory.
var ErrAgentLocked = errors.New("agent directory is locked by another process")

// AgentLock marks an agent directory as owned by one server process, so two
// agents never write the same backup roots.
type AgentLock struct {
	path string
	file *os.File
}

// pidAlive is replaced in tests.
var pidAlive = func(pid int32) bool {
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// AcquireAgentLock takes the lock in dir using O_CREATE|O_EXCL. A lock left
// by a process that no longer exists is removed and the acquire retried once.
func AcquireAgentLock(dir string) (*AgentLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create agent directory: %w", err)
	}
	path := filepath.Join(dir, AgentLockFile)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if !isLockStale(path) {
			return nil, fmt.Errorf("%w: %s", ErrAgentLocked, path)
		}
		os.Remove(path)
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAgentLocked, path)
		}
	}

	data := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock data: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &AgentLock{path: path, file: file}, nil
}

// Path returns the lock file location.
func (l *AgentLock) Path() string { return l.path }

// Release removes the lock file.
func (l *AgentLock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
		l.path = ""
	}
	return nil
}

// isLockStale reports whether the owner recorded in the lock is gone. A lock
// without a readable pid falls back to its age.
func isLockStale(path string) bool {
	pid, ok := readLockPID(path)
	if ok {
		return !pidAlive(pid)
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > StaleLockThreshold
}

func readLockPID(path string) (int32, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, found := strings.CutPrefix(sc.Text(), "pid=")
		if !found {
			continue
		}
		pid, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return int32(pid), true
	}
	return 0, false
}
