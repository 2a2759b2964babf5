// Package pidfile enforces single instance operation through a locked
// PID file, following the semantics of the system's pidfile facility:
// the file is held under an exclusive flock for the daemon's lifetime
// and reports the owning process on conflict.
package pidfile

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ConflictError reports that another instance holds the PID file.
type ConflictError struct {
	// PID of the owning process, 0 if it could not be read.
	PID int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pidfile held by process %d", e.PID)
}

// File is an acquired PID file. Close releases the lock and removes
// the file; it must run on every exit path.
type File struct {
	path string
	file *os.File
}

// Open creates the PID file with mode 0600 and takes the exclusive
// lock. If the lock is already held the owner's PID is read back and
// returned inside a ConflictError.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner := readOwner(f)
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, &ConflictError{PID: owner}
		}
		return nil, err
	}
	return &File{path: path, file: f}, nil
}

// Write records this process's PID. Called once the daemon is
// committed to running, after detaching.
func (p *File) Write() error {
	if err := p.file.Truncate(0); err != nil {
		return err
	}
	if _, err := p.file.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(p.file, "%d\n", os.Getpid()); err != nil {
		return err
	}
	return p.file.Sync()
}

// Close removes the PID file and releases the lock.
func (p *File) Close() error {
	err := os.Remove(p.path)
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// readOwner extracts the PID recorded in the file, 0 on any failure.
func readOwner(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
