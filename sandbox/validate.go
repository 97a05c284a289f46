//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// maxMountDepth bounds destination nesting; deeper paths are rejected before
// serialization.
const maxMountDepth = 32767

// validateMounts checks every mount's fields against its kind.
//
// All problems are reported together. Builders in this module always produce
// valid mounts, so an error here means a caller handed in a hand-built Mount
// with the wrong fields set.
func validateMounts(mounts []Mount) error {
	var errs []error

	for i, mount := range mounts {
		errs = append(errs, validateMount(i, mount)...)
	}

	return errors.Join(errs...)
}

func validateMount(i int, mount Mount) []error {
	var errs []error

	name := mountKindName(mount.Kind)

	switch {
	case strings.TrimSpace(mount.Dst) == "":
		errs = append(errs, fmt.Errorf("mount %d (%s) has empty destination", i, name))
	case !filepath.IsAbs(mount.Dst):
		errs = append(errs, fmt.Errorf("mount %d (%s) destination %q is not absolute", i, name, mount.Dst))
	case pathDepth(mount.Dst) > maxMountDepth:
		errs = append(errs, fmt.Errorf("mount %d destination %q is too deeply nested (%d)", i, mount.Dst, pathDepth(mount.Dst)))
	}

	switch mount.Kind {
	case MountRoBind, MountBind:
		if strings.TrimSpace(mount.Src) == "" {
			errs = append(errs, fmt.Errorf("mount %d (%s) has empty source", i, name))
		} else if !filepath.IsAbs(mount.Src) {
			errs = append(errs, fmt.Errorf("mount %d (%s) source %q is not absolute", i, name, mount.Src))
		}

		if len(mount.Data) > 0 {
			errs = append(errs, fmt.Errorf("mount %d (%s) does not accept data", i, name))
		}

	case MountSymlink:
		if mount.Src == "" {
			errs = append(errs, fmt.Errorf("mount %d (%s) has empty link target", i, name))
		}

	case MountDir, MountTmpfs, MountDev, MountProc:
		if mount.Src != "" {
			errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, name))
		}

		if len(mount.Data) > 0 {
			errs = append(errs, fmt.Errorf("mount %d (%s) does not accept data", i, name))
		}

	case MountRoBindData:
		if mount.Src != "" {
			errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, name))
		}

	default:
		errs = append(errs, fmt.Errorf("mount %d has unknown kind %d", i, mount.Kind))
	}

	return errs
}
