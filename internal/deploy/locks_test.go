package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyedLocks(t *testing.T) {
	k := newKeyedLocks()

	unlock, err := k.Lock(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}

	// A different key is independent.
	other, err := k.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("Lock(other) blocked by demo: %v", err)
	}
	other()

	// The same key blocks until released or cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "demo"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock(demo) while held = %v, want DeadlineExceeded", err)
	}

	acquired := make(chan func())
	go func() {
		u, err := k.Lock(context.Background(), "demo")
		if err != nil {
			close(acquired)
			return
		}
		acquired <- u
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock succeeded while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	unlock() // idempotent

	select {
	case u, ok := <-acquired:
		if !ok {
			t.Fatal("second Lock failed")
		}
		u()
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired")
	}

	if got := k.held(); got != 0 {
		t.Errorf("held() = %d after release, want 0", got)
	}
}

func TestAgentLock(t *testing.T) {
	dir := t.TempDir()

	l, err := AcquireAgentLock(dir)
	if err != nil {
		t.Fatalf("AcquireAgentLock() error = %v", err)
	}
	if _, err := AcquireAgentLock(dir); !errors.Is(err, ErrAgentLocked) {
		t.Errorf("second AcquireAgentLock() error = %v, want ErrAgentLocked", err)
	}

	pid, ok := readLockPID(l.Path())
	if !ok || int(pid) != os.Getpid() {
		t.Errorf("lock pid = %d (%v), want %d", pid, ok, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, AgentLockFile)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestAgentLock_Stale(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		age       time.Duration
		alive     bool
		wantTaken bool
	}{
		{name: "owner alive", content: "pid=4242\n", alive: true, wantTaken: false},
		{name: "owner gone", content: "pid=4242\n", alive: false, wantTaken: true},
		{name: "unreadable pid, recent", content: "garbage", age: time.Minute, wantTaken: false},
		{name: "unreadable pid, old", content: "garbage", age: StaleLockThreshold + time.Minute, wantTaken: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := pidAlive
			pidAlive = func(pid int32) bool { return tt.alive }
			t.Cleanup(func() { pidAlive = orig })

			dir := t.TempDir()
			path := filepath.Join(dir, AgentLockFile)
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			mtime := time.Now().Add(-tt.age)
			if err := os.Chtimes(path, mtime, mtime); err != nil {
				t.Fatal(err)
			}

			l, err := AcquireAgentLock(dir)
			if tt.wantTaken {
				if err != nil {
					t.Fatalf("AcquireAgentLock() error = %v, want stale lock replaced", err)
				}
				l.Release()
				return
			}
			if !errors.Is(err, ErrAgentLocked) {
				t.Errorf("AcquireAgentLock() error = %v, want ErrAgentLocked", err)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	for kind, sentinel := range kindSentinels {
		t.Run(kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newError(kind, StageVerify, errors.New("cause")))
			if !errors.Is(err, sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", err)
			}
			if KindOf(err) != kind {
				t.Errorf("KindOf() = %v, want %v", KindOf(err), kind)
			}
			if ParseKind(kind.String()) != kind {
				t.Errorf("ParseKind(%q) = %v", kind.String(), ParseKind(kind.String()))
			}
			for other, s := range kindSentinels {
				if other != kind && errors.Is(err, s) {
					t.Errorf("%v also matches %v", kind, other)
				}
			}
		})
	}

	if KindOf(errors.New("plain")) != 0 {
		t.Error("plain error should carry no kind")
	}
}

func TestStateTransitions(t *testing.T) {
	path := []State{
		StateReceived, StateAuthenticated, StateBackedUp, StatePreHookRun,
		StateInstalled, StatePostHookRun, StateSucceeded,
	}
	for i := 0; i < len(path)-1; i++ {
		if got := path[i].next(); got != path[i+1] {
			t.Errorf("%v.next() = %v, want %v", path[i], got, path[i+1])
		}
	}
	for _, s := range []State{StateSucceeded, StateFailed} {
		if !s.Terminal() || s.next() != s {
			t.Errorf("%v should be terminal", s)
		}
	}
}
