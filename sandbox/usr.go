//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BindUsr adds the mounts that present a runtime or host tree as a standard
// /usr, /bin, /lib* layout below containerPath.
//
// hostNSPath is the tree as seen by the executor and currentNSPath the same
// tree as seen by this process; they differ when assembling from inside
// another sandbox. The tree is either a full sysroot with a usr/ directory, or
// the contents of a merged /usr. Both produce the same view:
//
//   - sysroot: usr/ is bound read-only, then each top-level bin, sbin, lib*
//     (not libexec) and .ref entry is recreated. Symlinks keep their target,
//     anything else is bound read-only.
//   - merged /usr: the tree is bound at usr/, and bin, sbin, lib* and .ref are
//     synthesized as symlinks into usr/.
func BindUsr(plan *Plan, hostNSPath, currentNSPath, containerPath string) error {
	usrInfo, err := os.Stat(filepath.Join(currentNSPath, "usr"))

	var hasUsr bool

	switch {
	case err == nil && usrInfo.IsDir():
		hasUsr = true
	case err == nil:
		return fmt.Errorf("bind usr: %q is not a directory", filepath.Join(currentNSPath, "usr"))
	case errors.Is(err, fs.ErrNotExist):
		hasUsr = false
	default:
		return fmt.Errorf("bind usr: %w", err)
	}

	if hasUsr {
		plan.Add(RoBind(filepath.Join(hostNSPath, "usr"), filepath.Join(containerPath, "usr")))
	} else {
		plan.Add(RoBind(hostNSPath, filepath.Join(containerPath, "usr")))
	}

	entries, err := os.ReadDir(currentNSPath)
	if err != nil {
		return fmt.Errorf("bind usr: list %q: %w", currentNSPath, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !IsUsrMember(name) {
			continue
		}

		dst := filepath.Join(containerPath, name)

		if !hasUsr {
			plan.Add(Symlink("usr/"+name, dst))

			continue
		}

		src := filepath.Join(currentNSPath, name)

		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("bind usr: %w", err)
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("bind usr: %w", err)
			}

			plan.Add(Symlink(target, dst))

			continue
		}

		plan.Add(RoBind(filepath.Join(hostNSPath, name), dst))
	}

	return nil
}

// IsUsrMember reports whether a top-level entry belongs next to /usr in a
// merged layout: bin, sbin, lib* except libexec, and the .ref lock file.
func IsUsrMember(name string) bool {
	switch {
	case name == "bin", name == "sbin", name == ".ref":
		return true
	case name == "libexec":
		return false
	default:
		return strings.HasPrefix(name, "lib")
	}
}
