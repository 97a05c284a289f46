//go:build linux

// Package treecopy materializes a directory tree as a new tree that shares
// file data with the original where the filesystem allows it.
//
// Regular files are hard-linked; when that fails they are reflinked with
// FICLONE, and copied byte by byte when cloning is not supported either.
// Symlinks are recreated verbatim and never followed.
//
// With [UsrMerge], top-level bin, sbin and lib* directories of the source are
// moved under usr/ in the copy and replaced by symlinks, so the result has the
// merged-/usr layout whatever layout the source used.
package treecopy

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrCopyInProgress is returned when Copy is called while another Copy is
	// still walking.
	ErrCopyInProgress = errors.New("treecopy: another copy is in progress")

	// ErrUnsupportedFileType is returned for entries that are neither
	// directories, symlinks nor regular files.
	ErrUnsupportedFileType = errors.New("treecopy: unsupported file type")
)

// Flags modify [Copy].
type Flags uint

const (
	// UsrMerge moves top-level bin, sbin and lib* (not libexec) directories to
	// usr/ and leaves symlinks in their place.
	UsrMerge Flags = 1 << iota

	// ExpectHardLinks logs a warning, once per copy, when a file has to be
	// copied because it could not be hard-linked.
	ExpectHardLinks
)

// walking guards the single walk context. The walk callback has no way to
// carry per-call state other than the closure, and the closure belongs to one
// copier, so overlapping copies are refused instead of interleaved.
var walking sync.Mutex

// copier is the state of one Copy call.
type copier struct {
	src    string
	dst    string
	flags  Flags
	logger *slog.Logger

	warnedCopy bool
	linked     int
	cloned     int
	copied     int
}

// Copy recreates the tree rooted at src as dst.
//
// dst may exist as an empty directory. Two source entries that map to the same
// destination regular file are a fatal collision. A nil logger discards
// warnings.
func Copy(src, dst string, flags Flags, logger *slog.Logger) error {
	if !walking.TryLock() {
		return ErrCopyInProgress
	}
	defer walking.Unlock()

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &copier{
		src:    filepath.Clean(src),
		dst:    filepath.Clean(dst),
		flags:  flags,
		logger: logger,
	}

	info, err := os.Lstat(c.src)
	if err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("copy %q: not a directory", src)
	}

	err = filepath.WalkDir(c.src, c.visit)
	if err != nil {
		return err
	}

	logger.Debug("tree copied",
		"src", c.src,
		"dst", c.dst,
		"usr_merge", flags&UsrMerge != 0,
		"linked", c.linked,
		"cloned", c.cloned,
		"copied", c.copied,
	)

	return nil
}

func (c *copier) visit(srcPath string, entry fs.DirEntry, walkErr error) error {
	if walkErr != nil {
		return fmt.Errorf("walk %q: %w", srcPath, walkErr)
	}

	rel, err := filepath.Rel(c.src, srcPath)
	if err != nil {
		return fmt.Errorf("relative path of %q: %w", srcPath, err)
	}

	rel = filepath.ToSlash(rel)

	info, err := entry.Info()
	if err != nil {
		return fmt.Errorf("stat %q: %w", srcPath, err)
	}

	switch mode := info.Mode(); {
	case mode.IsDir():
		return c.copyDir(rel, info)
	case mode&fs.ModeSymlink != 0:
		return c.copySymlink(srcPath, rel)
	case mode.IsRegular():
		return c.copyFile(srcPath, rel, info)
	default:
		return fmt.Errorf("%w: %q (%s)", ErrUnsupportedFileType, srcPath, mode.Type())
	}
}

func (c *copier) usrMerge() bool {
	return c.flags&UsrMerge != 0
}

// destRel maps a source-relative path to its destination-relative path.
// Entries below a merged top-level directory move under usr/; the top-level
// entry itself stays where it is.
func (c *copier) destRel(rel string) string {
	if c.usrMerge() && strings.Contains(rel, "/") && IsMergedDir(topComponent(rel)) {
		return "usr/" + rel
	}

	return rel
}

func (c *copier) destPath(rel string) string {
	if rel == "." {
		return c.dst
	}

	return filepath.Join(c.dst, filepath.FromSlash(c.destRel(rel)))
}

func (c *copier) copyDir(rel string, info fs.FileInfo) error {
	perm := info.Mode().Perm()

	if rel != "." && c.usrMerge() && !strings.Contains(rel, "/") && IsMergedDir(rel) {
		err := mkdirPerm(filepath.Join(c.dst, "usr"), 0o755)
		if err != nil {
			return err
		}

		err = symlinkOnce("usr/"+rel, filepath.Join(c.dst, rel))
		if err != nil {
			return err
		}

		return mkdirPerm(filepath.Join(c.dst, "usr", rel), perm)
	}

	return mkdirPerm(c.destPath(rel), perm)
}

func (c *copier) copySymlink(srcPath, rel string) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return fmt.Errorf("read symlink %q: %w", srcPath, err)
	}

	dstPath := c.destPath(rel)

	if c.usrMerge() {
		if isCompatSymlink(rel, target) {
			c.logger.Debug("skipping usr-merge compatibility symlink", "path", rel, "target", target)

			return nil
		}

		// A top-level symlink such as lib -> usr/lib in an already merged
		// source must not replace a directory the merge created.
		if !strings.Contains(rel, "/") {
			_, statErr := os.Lstat(dstPath)
			if statErr == nil {
				return nil
			}
		}
	}

	return symlinkOnce(target, dstPath)
}

func (c *copier) copyFile(srcPath, rel string, info fs.FileInfo) error {
	dstPath := c.destPath(rel)

	linkErr := os.Link(srcPath, dstPath)
	if linkErr == nil {
		c.linked++

		return nil
	}

	if errors.Is(linkErr, fs.ErrExist) {
		return fmt.Errorf("copy %q: destination %q already exists", srcPath, dstPath)
	}

	if c.flags&ExpectHardLinks != 0 && !c.warnedCopy {
		c.warnedCopy = true
		c.logger.Warn("unable to hard-link files, copying instead; this will be slower and use more disk space",
			"src", srcPath,
			"dst", dstPath,
			"error", linkErr,
		)
	}

	cloned, err := cloneOrCopy(srcPath, dstPath, info.Mode().Perm())
	if err != nil {
		return err
	}

	if cloned {
		c.cloned++
	} else {
		c.copied++
	}

	return nil
}

// cloneOrCopy creates dstPath with the content of srcPath, sharing extents
// with FICLONE when the filesystem supports it.
func cloneOrCopy(srcPath, dstPath string, perm fs.FileMode) (bool, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return false, fmt.Errorf("open %q: %w", srcPath, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return false, fmt.Errorf("create %q: %w", dstPath, err)
	}

	cloneErr := unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
	if cloneErr == nil {
		return true, closeChmod(out, dstPath, perm)
	}

	_, err = io.Copy(out, in)
	if err != nil {
		_ = out.Close()

		return false, fmt.Errorf("copy %q to %q: %w", srcPath, dstPath, err)
	}

	return false, closeChmod(out, dstPath, perm)
}

// closeChmod closes f and applies perm, which the umask may have narrowed at
// creation.
func closeChmod(f *os.File, path string, perm fs.FileMode) error {
	err := f.Close()
	if err != nil {
		return fmt.Errorf("close %q: %w", path, err)
	}

	err = os.Chmod(path, perm)
	if err != nil {
		return fmt.Errorf("chmod %q: %w", path, err)
	}

	return nil
}

func mkdirPerm(dir string, perm fs.FileMode) error {
	err := os.Mkdir(dir, perm)
	if err != nil {
		info, statErr := os.Lstat(dir)
		if !errors.Is(err, fs.ErrExist) || statErr != nil || !info.IsDir() {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	err = os.Chmod(dir, perm)
	if err != nil {
		return fmt.Errorf("chmod %q: %w", dir, err)
	}

	return nil
}

// symlinkOnce creates a symlink, tolerating an identical one already there.
func symlinkOnce(target, linkPath string) error {
	err := os.Symlink(target, linkPath)
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrExist) {
		existing, readErr := os.Readlink(linkPath)
		if readErr == nil && existing == target {
			return nil
		}
	}

	return fmt.Errorf("create symlink %q -> %q: %w", linkPath, target, err)
}

// IsMergedDir reports whether a top-level directory name is one that
// usr-merge moves below /usr: bin, sbin and lib*, except libexec.
func IsMergedDir(name string) bool {
	switch {
	case name == "bin", name == "sbin":
		return true
	case name == "libexec":
		return false
	default:
		return strings.HasPrefix(name, "lib")
	}
}

func topComponent(rel string) string {
	top, _, _ := strings.Cut(rel, "/")

	return top
}

// isCompatSymlink reports whether the symlink at rel only points from a merged
// location to its unmerged twin or the reverse. Recreating it during a merge
// would collide with the real entry that lands at the same destination.
func isCompatSymlink(rel, target string) bool {
	var twin string

	switch {
	case strings.HasPrefix(rel, "usr/") && IsMergedDir(topComponent(strings.TrimPrefix(rel, "usr/"))):
		twin = strings.TrimPrefix(rel, "usr/")
	case strings.Contains(rel, "/") && IsMergedDir(topComponent(rel)):
		twin = "usr/" + rel
	default:
		return false
	}

	unmerged := strings.TrimPrefix(twin, "usr/")

	switch target {
	case "usr/" + unmerged, "/usr/" + unmerged, "../../" + unmerged, "/" + unmerged:
		return true
	}

	var resolved string
	if path.IsAbs(target) {
		resolved = strings.TrimPrefix(path.Clean(target), "/")
	} else {
		resolved = path.Join(path.Dir(rel), target)
	}

	return resolved == twin
}
