//go:build linux

package vessel

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/calvinalkan/vessel/lock"
	"github.com/calvinalkan/vessel/sandbox"
	"github.com/calvinalkan/vessel/treecopy"
)

// copyPrefix names mutable copies below the variable directory:
// <variable>/tmp-<uuid>/files.
const copyPrefix = "tmp-"

// makeMutableCopy copies source into a new directory below variableDir and
// read-locks the copy. The variable directory's own lock is held for writing
// throughout, so garbage collection never sees a copy before it is locked.
func makeMutableCopy(source tree, variableDir string, gc bool, logger *slog.Logger) (string, *lock.Lock, error) {
	err := os.MkdirAll(variableDir, 0o755)
	if err != nil {
		return "", nil, fmt.Errorf("create variable directory: %w", err)
	}

	varLock, err := lock.Acquire(filepath.Join(variableDir, lockFileName), lock.Create|lock.Write|lock.Wait)
	if err != nil {
		return "", nil, fmt.Errorf("lock variable directory: %w", err)
	}

	defer func() { _ = varLock.Release() }()

	if gc {
		err = collect(variableDir, logger)
		if err != nil {
			logger.Warn("garbage collection incomplete", "dir", variableDir, "error", err)
		}
	}

	dir := filepath.Join(variableDir, copyPrefix+uuid.NewString())
	files := filepath.Join(dir, "files")

	err = copyRuntime(source, files, logger)
	if err != nil {
		_ = removeTree(dir)

		return "", nil, fmt.Errorf("copy runtime %q: %w", source.current, err)
	}

	copyLock, err := lock.Acquire(filepath.Join(files, lockFileName), lock.Create)
	if err != nil {
		_ = removeTree(dir)

		return "", nil, fmt.Errorf("lock mutable copy: %w", err)
	}

	return files, copyLock, nil
}

// copyRuntime materializes source as a usr-merged sysroot at files. Lock
// files are not carried over: a hard-linked .ref would share its lock with the
// source.
func copyRuntime(source tree, files string, logger *slog.Logger) error {
	if source.merged {
		usr := filepath.Join(files, "usr")

		err := os.MkdirAll(files, 0o755)
		if err != nil {
			return err
		}

		err = treecopy.Copy(source.current, usr, treecopy.ExpectHardLinks, logger)
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(usr)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if name == lockFileName || !sandbox.IsUsrMember(name) {
				continue
			}

			err = os.Symlink("usr/"+name, filepath.Join(files, name))
			if err != nil {
				return err
			}
		}
	} else {
		err := os.MkdirAll(filepath.Dir(files), 0o755)
		if err != nil {
			return err
		}

		err = treecopy.Copy(source.current, files, treecopy.UsrMerge|treecopy.ExpectHardLinks, logger)
		if err != nil {
			return err
		}
	}

	for _, stale := range []string{lockFileName, filepath.Join("usr", lockFileName)} {
		err := os.Remove(filepath.Join(files, stale))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	return nil
}

// GarbageCollect deletes every mutable copy below variableDir that nobody
// holds a lock on. Copies in use are skipped. It waits for other processes
// creating or collecting copies in the same directory.
func GarbageCollect(variableDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	varLock, err := lock.Acquire(filepath.Join(variableDir, lockFileName), lock.Create|lock.Write|lock.Wait)
	if err != nil {
		return fmt.Errorf("lock variable directory: %w", err)
	}

	defer func() { _ = varLock.Release() }()

	return collect(variableDir, logger)
}

// collect does the work of [GarbageCollect]; the caller holds the variable
// directory's write lock.
func collect(variableDir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(variableDir)
	if err != nil {
		return fmt.Errorf("list %q: %w", variableDir, err)
	}

	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), copyPrefix) {
			continue
		}

		dir := filepath.Join(variableDir, entry.Name())

		copyLock, err := lock.Acquire(filepath.Join(dir, "files", lockFileName), lock.Write)

		switch {
		case errors.Is(err, lock.ErrBusy):
			logger.Debug("mutable copy in use", "dir", dir)

			continue
		case errors.Is(err, fs.ErrNotExist):
			// Left behind by an interrupted copy.
		case err != nil:
			errs = append(errs, err)

			continue
		}

		err = removeTree(dir)
		if copyLock != nil {
			_ = copyLock.Release()
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("delete %q: %w", dir, err))

			continue
		}

		logger.Info("deleted unused runtime copy", "dir", dir)
	}

	return errors.Join(errs...)
}

// ProbeInUse reports whether anyone holds a lock on the runtime at root. A
// runtime without a lock file is not in use.
func ProbeInUse(root string) (bool, error) {
	t, err := newTree(root, root)
	if err != nil {
		return false, err
	}

	l, err := lock.Acquire(filepath.Join(t.current, lockFileName), lock.Write)

	switch {
	case errors.Is(err, lock.ErrBusy):
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}

	return false, l.Release()
}

// removeTree deletes dir, first making directories writable so that copies
// of read-only trees can be removed. Files are left alone: they may be hard
// links shared with the source.
func removeTree(dir string) error {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.IsDir() {
			_ = os.Chmod(path, 0o700)
		}

		return nil
	})

	return os.RemoveAll(dir)
}
