//go:build linux

// Package vessel assembles the sandbox for one launch of an application
// against a packaged runtime.
//
// A [Runtime] owns the runtime's lock and a scratch directory for the
// lifetime of one invocation. [Runtime.Assemble] binds the runtime as the
// container's /usr, captures the provider's graphics stack for every
// architecture the runtime supports, and returns a [sandbox.Plan] ready to be
// handed to the sandbox executor.
package vessel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/lock"
	"github.com/calvinalkan/vessel/sandbox"
)

// OverridesInContainer is where captured drivers and rewritten manifests
// appear in the container.
const OverridesInContainer = "/overrides"

// lockFileName is the runtime lock, at the root of a sysroot or merged /usr.
const lockFileName = ".ref"

// Runtime is one locked runtime prepared for assembly.
type Runtime struct {
	opts     Options
	logger   *slog.Logger
	root     tree
	provider tree
	lock     *lock.Lock

	scratch   string
	overrides string

	mu        sync.Mutex
	assembled bool
	syncFile  *os.File

	anyHostLibc bool
	allHostLibc bool

	scratchOnce sync.Once
	scratchErr  error
	cleanupOnce sync.Once
	cleanupErr  error
}

// Result is an assembled container.
type Result struct {
	// Plan is ready for [sandbox.Plan.Command].
	Plan *sandbox.Plan

	// Arches are the architectures whose capture succeeded.
	Arches []*graphics.Arch

	// AnyHostLibc is set when at least one architecture uses the host's libc.
	AnyHostLibc bool

	// AllHostLibc is set when every captured architecture does.
	AllHostLibc bool

	Manifests *graphics.ManifestSet
}

// New locks the runtime for reading, making a private mutable copy first if
// requested, and creates a fresh scratch directory.
//
// Lock contention is reported as lock.ErrBusy unless opts.LockWait is set.
// The caller must call [Runtime.Cleanup].
func New(ctx context.Context, opts Options) (*Runtime, error) {
	opts = opts.withDefaults()

	err := opts.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	source, err := filepath.Abs(opts.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("runtime %q: %w", opts.SourceRoot, err)
	}

	root, err := newTree(source, source)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	provider, err := newTree(opts.ProviderCurrentPath, opts.ProviderHostPath)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	r := &Runtime{
		opts:     opts,
		logger:   opts.Logger.With("instance", uuid.NewString()),
		root:     root,
		provider: provider,
	}

	r.lock, err = lockRuntime(root.current, opts.LockWait)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("runtime locked", "path", r.lock.Path(), "ofd", r.lock.IsOFD(), "merged", root.merged)

	if opts.CopyRuntime {
		err = ctx.Err()
		if err == nil {
			err = r.switchToCopy()
		}

		if err != nil {
			_ = r.lock.Release()

			return nil, err
		}
	}

	r.scratch, err = os.MkdirTemp(opts.TmpRoot, "vessel-*")
	if err != nil {
		_ = r.lock.Release()

		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	r.overrides = filepath.Join(r.scratch, "overrides")

	err = os.Mkdir(r.overrides, 0o755)
	if err != nil {
		_ = r.lock.Release()
		_ = os.RemoveAll(r.scratch)

		return nil, fmt.Errorf("create overrides directory: %w", err)
	}

	return r, nil
}

// switchToCopy replaces the locked source runtime by a locked private copy.
func (r *Runtime) switchToCopy() error {
	files, copyLock, err := makeMutableCopy(r.root, r.opts.VariableDir, r.opts.GC, r.logger)
	if err != nil {
		return err
	}

	root, err := newTree(files, files)
	if err != nil {
		_ = copyLock.Release()

		return fmt.Errorf("mutable copy: %w", err)
	}

	_ = r.lock.Release()

	r.root = root
	r.lock = copyLock

	r.logger.Info("running against mutable copy", "path", files)

	return nil
}

// lockRuntime read-locks root/.ref, creating it only when missing so that a
// read-only runtime with an existing lock file works.
func lockRuntime(root string, wait bool) (*lock.Lock, error) {
	path := filepath.Join(root, lockFileName)

	flags := lock.Flags(0)
	if wait {
		flags |= lock.Wait
	}

	l, err := lock.Acquire(path, flags)
	if errors.Is(err, fs.ErrNotExist) {
		l, err = lock.Acquire(path, flags|lock.Create)
	}

	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, fmt.Errorf("runtime %q is being modified: %w", root, err)
		}

		return nil, fmt.Errorf("lock runtime: %w", err)
	}

	return l, nil
}

// Root returns the runtime actually used, which is the mutable copy when one
// was made.
func (r *Runtime) Root() string {
	return r.root.current
}

// ScratchDir returns the per-invocation scratch directory.
func (r *Runtime) ScratchDir() string {
	return r.scratch
}

// RemoveScratch deletes the scratch directory. The assembled plan does not
// refer to it, so it can be removed before the executor starts. Safe to call
// more than once.
func (r *Runtime) RemoveScratch() error {
	r.scratchOnce.Do(func() {
		if r.scratch == "" {
			return
		}

		err := removeTree(r.scratch)
		if err != nil {
			r.scratchErr = fmt.Errorf("remove scratch directory: %w", err)
		}
	})

	return r.scratchErr
}

// Cleanup removes the scratch directory and drops this process's hold on the
// runtime lock. Call it after the executor has started: a lock handed off
// through the plan stays held by the executor. Safe to call more than once.
func (r *Runtime) Cleanup() error {
	r.cleanupOnce.Do(func() {
		var errs []error

		errs = append(errs, r.RemoveScratch())

		r.mu.Lock()
		syncFile := r.syncFile
		r.syncFile = nil
		r.mu.Unlock()

		if syncFile != nil {
			errs = append(errs, syncFile.Close())
		}

		errs = append(errs, r.lock.Release())

		r.cleanupErr = errors.Join(errs...)
	})

	return r.cleanupErr
}
