package deploy

import "fmt"

// Stage names a step of the deploy pipeline in logs and errors.
type Stage string

const (
	StageReceive  Stage = "receive"
	StageVerify   Stage = "verify"
	StageBackup   Stage = "backup"
	StagePreHook  Stage = "pre_hook"
	StageInstall  Stage = "install"
	StageRestore  Stage = "restore"
	StagePostHook Stage = "post_hook"
	StageComplete Stage = "complete"
)

// State is the position of a deploy in its lifecycle.
//
//	Received -> Authenticated -> BackedUp -> PreHookRun -> Installed -> PostHookRun -> Succeeded
//
// Any non-terminal state may move to Failed.
type State int

const (
	StateReceived State = iota
	StateAuthenticated
	StateBackedUp
	StatePreHookRun
	StateInstalled
	StatePostHookRun
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "Received"
	case StateAuthenticated:
		return "Authenticated"
	case StateBackedUp:
		return "BackedUp"
	case StatePreHookRun:
		return "PreHookRun"
	case StateInstalled:
		return "Installed"
	case StatePostHookRun:
		return "PostHookRun"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// next returns the successor of s on the success path.
func (s State) next() State {
	if s.Terminal() {
		return s
	}
	return s + 1
}
