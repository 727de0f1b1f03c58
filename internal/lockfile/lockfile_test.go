package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, WhatsAppSessionLock)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if want := "pid=" + strconv.Itoa(os.Getpid()); !strings.Contains(string(content), want) {
		t.Errorf("lock file content %q does not contain %q", content, want)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, WhatsAppSessionLock)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := Acquire(dir, WhatsAppSessionLock)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again.Release()
}

func TestAcquireWhileHeld(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "a.lock")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	// flock is per open file description, so a second open in this process conflicts.
	_, err = Acquire(dir, "a.lock")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if !strings.Contains(held.Holder, strconv.Itoa(os.Getpid())) || !strings.Contains(held.Holder, "running") {
		t.Errorf("holder = %q, want our running pid", held.Holder)
	}
	if !strings.Contains(held.Error(), held.Path) {
		t.Errorf("error %q should name the lock path", held.Error())
	}

	other, err := Acquire(dir, "b.lock")
	if err != nil {
		t.Fatalf("different names do not conflict: %v", err)
	}
	other.Release()
}

func TestAcquireForDSN(t *testing.T) {
	for _, dsn := range []string{"", "postgres://u@h/db", "host=h dbname=db", "file::memory:?cache=shared"} {
		lock, err := AcquireForDSN(dsn, WhatsAppSessionLock)
		if err != nil || lock != nil {
			t.Errorf("AcquireForDSN(%q) = %v, %v; want nil, nil", dsn, lock, err)
		}
	}

	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireForDSN("file:"+filepath.Join(dir, "whatsmeow.db")+"?_foreign_keys=on", WhatsAppSessionLock)
	if err != nil {
		t.Fatalf("AcquireForDSN: %v", err)
	}
	defer lock.Release()
	if lock.Path() != filepath.Join(dir, WhatsAppSessionLock) {
		t.Errorf("lock path = %q", lock.Path())
	}

	var nilLock *Lock
	if nilLock.Path() != "" || nilLock.Release() != nil {
		t.Error("nil Lock should be inert")
	}
}

func TestParsePID(t *testing.T) {
	tests := map[string]int{
		"pid=123\n":        123,
		"host=x\npid=42\n": 42,
		"pid=abc":          0,
		"":                 0,
	}
	for in, want := range tests {
		if got := parsePID(in); got != want {
			t.Errorf("parsePID(%q) = %d, want %d", in, got, want)
		}
	}
}
