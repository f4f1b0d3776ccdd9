package lock

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid=") {
		t.Errorf("lock file content %q missing pid", string(data))
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}
}

func TestDoubleRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v, want nil", err)
	}
}

func TestNilRelease(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestLockHeldErrorType(t *testing.T) {
	err := &LockHeldError{PID: 42, Path: "/tmp/LOCK"}
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Error("errors.As should match LockHeldError")
	}
	if !strings.Contains(err.Error(), "42") {
		t.Errorf("error text %q missing PID", err.Error())
	}
}
