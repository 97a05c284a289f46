//go:build linux

// Package lock implements the advisory lock taken on a runtime's ".ref" file.
//
// The lock is a whole-file fcntl record lock. Open file description (OFD)
// locks are preferred because they survive fork: the sandbox executor forks
// before it execs the user's program, and a classic process-associated lock
// taken beforehand would be dropped silently at that point. Readers share the
// lock; a writer excludes readers and other writers. The fcntl command values
// and the struct flock layout are the kernel's, so other tools that lock the
// same file with F_OFD_SETLK or F_SETLK interoperate.
//
// There is no unlock call. Closing the descriptor is the only release.
package lock

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when a non-blocking acquisition finds the file locked by
// someone else. It is the only retryable failure of [Acquire].
var ErrBusy = errors.New("lock: busy")

// ErrOFDUnsupported is returned when [RequireOFD] was given and the kernel does
// not implement open file description locks.
var ErrOFDUnsupported = errors.New("lock: open file description locks not supported")

// Flags select how [Acquire] opens and locks a path.
type Flags uint

const (
	// Create creates the lock file (mode 0644) if it does not exist.
	Create Flags = 1 << iota

	// Wait blocks until the lock can be taken. Without it, contention fails
	// fast with [ErrBusy].
	Wait

	// Write takes an exclusive lock. The default is a shared read lock.
	Write

	// RequireOFD fails with [ErrOFDUnsupported] instead of falling back to a
	// process-associated lock.
	RequireOFD

	// ProcessOnly skips the OFD attempt and takes a process-associated lock.
	ProcessOnly
)

func (f Flags) String() string {
	names := []struct {
		flag Flags
		name string
	}{
		{Create, "create"},
		{Wait, "wait"},
		{Write, "write"},
		{RequireOFD, "require-ofd"},
		{ProcessOnly, "process-only"},
	}

	out := ""

	for _, n := range names {
		if f&n.flag == 0 {
			continue
		}

		if out != "" {
			out += "|"
		}

		out += n.name
	}

	if out == "" {
		return "read"
	}

	return out
}

// Lock owns one open descriptor carrying an fcntl lock.
//
// A Lock is safe for concurrent use; its zero value is not usable.
type Lock struct {
	mu    sync.Mutex
	fd    int
	ofd   bool
	path  string
	write bool
}

var _ io.Closer = (*Lock)(nil)

// Acquire opens path and locks the whole file according to flags.
//
// The OFD attempt is a capability probe: when the kernel rejects the OFD
// command as unknown, Acquire retries with F_SETLK/F_SETLKW unless
// [RequireOFD] was given. Contention on a non-blocking attempt is reported as
// [ErrBusy] and can be tested with errors.Is.
func Acquire(path string, flags Flags) (*Lock, error) {
	if flags&RequireOFD != 0 && flags&ProcessOnly != 0 {
		return nil, fmt.Errorf("lock %q: RequireOFD and ProcessOnly are mutually exclusive", path)
	}

	openFlags := unix.O_CLOEXEC | unix.O_NOCTTY
	if flags&Write != 0 {
		openFlags |= unix.O_RDWR
	} else {
		openFlags |= unix.O_RDONLY
	}

	if flags&Create != 0 {
		openFlags |= unix.O_CREAT
	}

	fd, err := openRetry(path, openFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}

	lockType := int16(unix.F_RDLCK)
	if flags&Write != 0 {
		lockType = unix.F_WRLCK
	}

	wait := flags&Wait != 0

	ofd := false

	if flags&ProcessOnly == 0 {
		err = setLock(fd, lockType, ofdCommand(wait))

		switch {
		case err == nil:
			ofd = true
		case isUnsupported(err):
			if flags&RequireOFD != 0 {
				_ = unix.Close(fd)

				return nil, fmt.Errorf("lock %q: %w", path, ErrOFDUnsupported)
			}

			err = setLock(fd, lockType, processCommand(wait))
		}
	} else {
		err = setLock(fd, lockType, processCommand(wait))
	}

	if err != nil {
		_ = unix.Close(fd)

		if isContended(err) {
			return nil, fmt.Errorf("lock %q: %w", path, ErrBusy)
		}

		return nil, fmt.Errorf("lock %q: %w", path, err)
	}

	return &Lock{fd: fd, ofd: ofd, path: path, write: flags&Write != 0}, nil
}

// FD returns the owned descriptor, or -1 after [Lock.Release] or
// [Lock.StealFD].
func (l *Lock) FD() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fd
}

// IsOFD reports whether the lock is an open file description lock.
func (l *Lock) IsOFD() bool {
	return l.ofd
}

// IsWrite reports whether the lock is exclusive.
func (l *Lock) IsWrite() bool {
	return l.write
}

// Path returns the path the lock was acquired on.
func (l *Lock) Path() string {
	return l.path
}

// StealFD transfers ownership of the descriptor to the caller, who becomes
// responsible for closing it. Release becomes a no-op. Returns -1 if the lock
// was already released or stolen.
func (l *Lock) StealFD() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := l.fd
	l.fd = -1

	return fd
}

// Release closes the descriptor, dropping the lock. Calling it more than once,
// or after [Lock.StealFD], does nothing.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd < 0 {
		return nil
	}

	fd := l.fd
	l.fd = -1

	err := unix.Close(fd)
	if err != nil {
		return fmt.Errorf("close lock file %q: %w", l.path, err)
	}

	return nil
}

// Close is [Lock.Release].
func (l *Lock) Close() error {
	return l.Release()
}

func ofdCommand(wait bool) int {
	if wait {
		return unix.F_OFD_SETLKW
	}

	return unix.F_OFD_SETLK
}

func processCommand(wait bool) int {
	if wait {
		return unix.F_SETLKW
	}

	return unix.F_SETLK
}

func setLock(fd int, lockType int16, cmd int) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}

	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, &lk)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func openRetry(path string, flags int, mode uint32) (int, error) {
	for {
		fd, err := unix.Open(path, flags, mode)
		if !errors.Is(err, unix.EINTR) {
			return fd, err
		}
	}
}

// isUnsupported reports whether err means the kernel does not know the OFD
// commands. Kernels before 3.15 answer unknown fcntl commands with EINVAL.
func isUnsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP)
}

func isContended(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}
