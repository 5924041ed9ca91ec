// pkg/process/lock.go - the session file lock. One agent mutates the
// cache, plan, report, and self-serve manifest at a time.

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/macadmins/cortado/pkg/logging"
)

// ErrLocked means another session holds the lock.
var ErrLocked = fmt.Errorf("another managedsoftwareupdate session is running")

// Lock is a held session lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive session lock without blocking.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	f.Truncate(0)
	f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	logging.Debug("Acquired session lock", "path", path)
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(l.path)
	logging.Debug("Released session lock", "path", l.path)
}
