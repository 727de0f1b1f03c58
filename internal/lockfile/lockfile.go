// Package lockfile guards resources that only one NudgePipe process may own, such as
// a WhatsApp device session. Locks use flock, so the kernel releases them when the
// process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WhatsAppSessionLock is the lock guarding the whatsmeow device store.
const WhatsAppSessionLock = "whatsapp-session.lock"

// Lock is a held exclusive lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock name inside dir without blocking.
func Acquire(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)

	// Opened without O_TRUNC so a failed attempt keeps the holder's pid readable.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Warn("lockfile.Acquire: lock held by another process", "path", path, "holder", holder)
		return nil, &HeldError{Path: path, Holder: holder, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
		if err != nil {
			slog.Warn("lockfile.Acquire: failed to record pid", "path", path, "error", err)
		}
	}
	slog.Debug("lockfile.Acquire: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// AcquireForDSN locks the directory of a file-based DSN. Postgres DSNs and in-memory
// databases need no lock and return a nil Lock.
func AcquireForDSN(dsn, name string) (*Lock, error) {
	d := strings.TrimSpace(dsn)
	if d == "" || strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") || strings.Contains(d, ":memory:") {
		return nil, nil
	}
	path := strings.TrimPrefix(d, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return Acquire(filepath.Dir(path), name)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock and removes the file. It is safe on a nil or released Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new holder never has its file deleted.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// HeldError reports a lock owned by another process.
type HeldError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("lock %s is held by another NudgePipe process", e.Path)
	if e.Holder != "" {
		msg += " (" + e.Holder + ")"
	}
	return msg
}

func (e *HeldError) Unwrap() error {
	return e.Cause
}

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d, running", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
