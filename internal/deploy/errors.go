package deploy

import (
	"errors"
	"fmt"
)

// Kind classifies a deploy failure.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindIntegrity
	KindAuthentication
	KindTransfer
	KindBackup
	KindHook
	KindInstall
)

// Sentinels matched with errors.Is against an *Error of the same kind.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrIntegrity      = errors.New("integrity error")
	ErrAuthentication = errors.New("authentication error")
	ErrTransfer       = errors.New("transfer error")
	ErrBackup         = errors.New("backup error")
	ErrHook           = errors.New("hook error")
	ErrInstall        = errors.New("install error")
)

var kindNames = map[Kind]string{
	KindConfiguration:  "ConfigurationError",
	KindIntegrity:      "IntegrityError",
	KindAuthentication: "AuthenticationError",
	KindTransfer:       "TransferError",
	KindBackup:         "BackupError",
	KindHook:           "HookError",
	KindInstall:        "InstallError",
}

var kindSentinels = map[Kind]error{
	KindConfiguration:  ErrConfiguration,
	KindIntegrity:      ErrIntegrity,
	KindAuthentication: ErrAuthentication,
	KindTransfer:       ErrTransfer,
	KindBackup:         ErrBackup,
	KindHook:           ErrHook,
	KindInstall:        ErrInstall,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a kind name back to its Kind. It returns 0 for unknown
// names.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return 0
}

// Error is a classified deploy failure.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newError(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of err, or 0 if err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
