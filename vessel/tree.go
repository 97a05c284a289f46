//go:build linux

package vessel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// tree is a root filesystem reachable from this process and from the sandbox
// executor, possibly under different paths.
type tree struct {
	// current is the root as seen by this process.
	current string

	// host is the root as seen by the executor.
	host string

	// merged is set when the root is the contents of a merged /usr rather
	// than a sysroot.
	merged bool
}

func newTree(current, host string) (tree, error) {
	t := tree{current: filepath.Clean(current), host: filepath.Clean(host)}

	info, err := os.Stat(t.current)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return tree{}, fmt.Errorf("%q: %w", t.current, ErrNotFound)
	case err != nil:
		return tree{}, err
	case !info.IsDir():
		return tree{}, fmt.Errorf("%q: %w", t.current, ErrNotADirectory)
	}

	usr := filepath.Join(t.current, "usr")

	info, err = os.Stat(usr)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.merged = true
	case err != nil:
		return tree{}, err
	case !info.IsDir():
		return tree{}, fmt.Errorf("%q: %w", usr, ErrNotADirectory)
	}

	return t, nil
}

// rel maps an absolute path in a standard sysroot layout to a path relative
// to the tree, without resolving anything.
func (t tree) rel(p string) string {
	rel := strings.TrimPrefix(filepath.Clean("/"+p), "/")

	if t.merged {
		switch {
		case rel == "usr":
			rel = "."
		case strings.HasPrefix(rel, "usr/"):
			rel = strings.TrimPrefix(rel, "usr/")
		}
	}

	if rel == "" {
		rel = "."
	}

	return rel
}

// resolve follows symlinks in the sysroot path p without leaving the tree
// and returns the result relative to the tree.
func (t tree) resolve(p string) (string, error) {
	resolved, err := securejoin.SecureJoin(t.current, t.rel(p))
	if err != nil {
		return "", fmt.Errorf("resolve %q in %q: %w", p, t.current, err)
	}

	rel, err := filepath.Rel(t.current, resolved)
	if err != nil {
		return "", fmt.Errorf("resolve %q in %q: %w", p, t.current, err)
	}

	return rel, nil
}

// find resolves p and reports whether it exists as a directory (dir) or a
// regular file (!dir).
func (t tree) find(p string, dir bool) (string, bool) {
	rel, err := t.resolve(p)
	if err != nil {
		return "", false
	}

	info, err := os.Stat(filepath.Join(t.current, rel))
	if err != nil {
		return "", false
	}

	if dir {
		return rel, info.IsDir()
	}

	return rel, info.Mode().IsRegular()
}

// currentPath returns rel as seen by this process.
func (t tree) currentPath(rel string) string {
	return filepath.Join(t.current, rel)
}

// hostPath returns rel as seen by the executor.
func (t tree) hostPath(rel string) string {
	return filepath.Join(t.host, rel)
}

// inContainer returns where rel appears when the tree is mounted as the
// container's root (or /usr, for a merged tree).
func (t tree) inContainer(rel string) string {
	if t.merged {
		return filepath.Join("/usr", rel)
	}

	return filepath.Join("/", rel)
}
