//go:build linux

package sandbox

import (
	"os"
	"slices"
)

// Mount describes one filesystem operation performed by the sandbox executor
// while it builds the container's root.
//
// Dst is always an absolute path inside the container. Src is a path in the
// namespace the executor runs in (bind mounts) or the link target (symlinks).
type Mount struct {
	// Kind selects the operation.
	Kind MountKind

	// Src is the host source path for bind mounts, and the link target for
	// MountSymlink. It is empty for every other kind.
	Src string

	// Dst is the destination path inside the container.
	Dst string

	// Perms sets the mode of the entry created by MountRoBindData, and of the
	// directory created by MountDir when non-zero. Other kinds ignore it.
	Perms os.FileMode

	// Data is the content of a MountRoBindData file. It is written into an
	// anonymous memory file when the plan is turned into a command.
	Data []byte
}

// MountKind identifies the operation a [Mount] performs.
type MountKind int

const (
	// MountRoBind bind-mounts Src read-only at Dst.
	MountRoBind MountKind = iota + 1

	// MountBind bind-mounts Src read-write at Dst.
	MountBind

	// MountSymlink creates a symlink at Dst pointing to Src.
	MountSymlink

	// MountDir creates a directory at Dst.
	MountDir

	// MountTmpfs mounts a fresh tmpfs at Dst.
	MountTmpfs

	// MountRoBindData creates a read-only file at Dst holding Data.
	MountRoBindData

	// MountDev mounts a minimal /dev at Dst.
	MountDev

	// MountProc mounts procfs at Dst.
	MountProc
)

// RoBind returns a read-only bind mount of src at dst.
func RoBind(src, dst string) Mount {
	return Mount{Kind: MountRoBind, Src: src, Dst: dst}
}

// Bind returns a read-write bind mount of src at dst.
func Bind(src, dst string) Mount {
	return Mount{Kind: MountBind, Src: src, Dst: dst}
}

// Symlink returns a symlink at dst pointing to target.
func Symlink(target, dst string) Mount {
	return Mount{Kind: MountSymlink, Src: target, Dst: dst}
}

// Dir returns a directory creation at dst. An optional mode is applied to the
// directory.
func Dir(dst string, perms ...os.FileMode) Mount {
	m := Mount{Kind: MountDir, Dst: dst}
	if len(perms) > 0 {
		m.Perms = perms[0]
	}

	return m
}

// Tmpfs returns a tmpfs mount at dst.
func Tmpfs(dst string) Mount {
	return Mount{Kind: MountTmpfs, Dst: dst}
}

// RoBindData returns a read-only file at dst with the given content and mode.
func RoBindData(dst string, data []byte, perms os.FileMode) Mount {
	return Mount{Kind: MountRoBindData, Dst: dst, Data: slices.Clone(data), Perms: perms}
}

// Dev returns a devtmpfs-style /dev mount at dst.
func Dev(dst string) Mount {
	return Mount{Kind: MountDev, Dst: dst}
}

// Proc returns a procfs mount at dst.
func Proc(dst string) Mount {
	return Mount{Kind: MountProc, Dst: dst}
}

func mountKindName(kind MountKind) string {
	switch kind {
	case MountRoBind:
		return "ro-bind"
	case MountBind:
		return "bind"
	case MountSymlink:
		return "symlink"
	case MountDir:
		return "dir"
	case MountTmpfs:
		return "tmpfs"
	case MountRoBindData:
		return "ro-bind-data"
	case MountDev:
		return "dev"
	case MountProc:
		return "proc"
	default:
		return "unknown"
	}
}

func (k MountKind) String() string {
	return mountKindName(k)
}
