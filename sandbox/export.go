//go:build linux

package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ExportTree adds mounts that recreate the tree at hostDir below containerDir
// without referring to hostDir afterwards: directories become --dir, symlinks
// become --symlink and regular files become --ro-bind-data. hostDir can be
// deleted as soon as ExportTree returns.
//
// Entries are added parent first, in lexical order. Each regular file costs
// one descriptor when the plan becomes a command, so callers keep exported
// trees small.
func ExportTree(plan *Plan, hostDir, containerDir string) error {
	return filepath.WalkDir(hostDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("export %q: %w", path, err)
		}

		rel, err := filepath.Rel(hostDir, path)
		if err != nil {
			return fmt.Errorf("export %q: %w", path, err)
		}

		dst := filepath.Join(containerDir, rel)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("export %q: %w", path, err)
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			plan.Add(Dir(dst, mode.Perm()))
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("export %q: %w", path, err)
			}

			plan.Add(Symlink(target, dst))
		case mode.IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("export %q: %w", path, err)
			}

			plan.Add(RoBindData(dst, data, mode.Perm()))
		default:
			return fmt.Errorf("export %q: unsupported file type %s", path, mode.Type())
		}

		return nil
	})
}
