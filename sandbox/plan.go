//go:build linux

package sandbox

// This file contains the mount plan: the ordered list of operations that the
// sandbox executor performs, plus the environment it sets for the child.
//
// A plan is append-only while it is being built and is consumed exactly once
// by Command. Serialization order is fixed:
//   - raw executor options
//   - mounts, in insertion order
//   - lock-file requests
//   - environment changes, in insertion order
//   - the sync fd
//
// Environment values may refer to paths created by mounts, so they always come
// after every mount.
import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// EnvVar is one environment change recorded in a [Plan].
type EnvVar struct {
	Name  string
	Value string

	// Unset removes Name from the child's environment. Value is ignored.
	Unset bool
}

// Plan is an ordered, append-only sequence of sandbox executor operations.
//
// The zero value is not usable; create one with [NewPlan].
type Plan struct {
	mu sync.Mutex

	options   []string
	mounts    []Mount
	lockFiles []string
	env       []EnvVar
	syncFile  *os.File
	consumed  bool
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{}
}

// Options appends raw executor options that are emitted before any mount
// (for example "--die-with-parent").
func (p *Plan) Options(args ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.options = append(p.options, args...)
}

// Add appends mounts in order.
func (p *Plan) Add(mounts ...Mount) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range mounts {
		m.Dst = cleanContainerPath(m.Dst)
		m.Data = slices.Clone(m.Data)
		p.mounts = append(p.mounts, m)
	}
}

// Setenv sets name to value inside the container.
func (p *Plan) Setenv(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.env = append(p.env, EnvVar{Name: name, Value: value})
}

// Unsetenv removes name from the container's environment.
func (p *Plan) Unsetenv(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.env = append(p.env, EnvVar{Name: name, Unset: true})
}

// SetenvPath sets name to the colon-joined list, or unsets it when the list is
// empty so that no stale inherited value survives.
func (p *Plan) SetenvPath(name string, list []string) {
	if len(list) == 0 {
		p.Unsetenv(name)

		return
	}

	p.Setenv(name, strings.Join(list, ":"))
}

// LockFile asks the executor to take its own lock on dst, a path inside the
// container, and hold it for the lifetime of the sandbox.
func (p *Plan) LockFile(dst string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lockFiles = append(p.lockFiles, cleanContainerPath(dst))
}

// SyncFile passes f to the executor, which keeps it open until the sandbox
// exits. The plan does not take ownership of f.
func (p *Plan) SyncFile(f *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.syncFile = f
}

// Mounts returns a copy of the mounts added so far.
func (p *Plan) Mounts() []Mount {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.mounts)
}

// Env returns a copy of the environment changes added so far.
func (p *Plan) Env() []EnvVar {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.env)
}

// Lookup returns the last value recorded for name. ok is false when name was
// never set, or was unset last.
func (p *Plan) Lookup(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.env) - 1; i >= 0; i-- {
		if p.env[i].Name != name {
			continue
		}

		if p.env[i].Unset {
			return "", false
		}

		return p.env[i].Value, true
	}

	return "", false
}

// CheckOrder verifies that every mount whose destination is a strict parent of
// another mount's destination comes first.
func (p *Plan) CheckOrder() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return checkMountOrder(p.mounts)
}

func checkMountOrder(mounts []Mount) error {
	var errs []error

	for i, later := range mounts {
		for j := i + 1; j < len(mounts); j++ {
			if isStrictParent(mounts[j].Dst, later.Dst) {
				errs = append(errs, fmt.Errorf(
					"mount %d (%s %q) is nested below mount %d (%s %q) which comes after it",
					i, mountKindName(later.Kind), later.Dst, j, mountKindName(mounts[j].Kind), mounts[j].Dst,
				))
			}
		}
	}

	if len(errs) > 0 {
		return internalErrorf("CheckOrder", "%w", errors.Join(errs...))
	}

	return nil
}

// isStrictParent reports whether parent is a proper path-component prefix of
// child. "/usr" is a parent of "/usr/lib" but not of "/usrlocal".
func isStrictParent(parent, child string) bool {
	if parent == child {
		return false
	}

	if parent == "/" {
		return true
	}

	return strings.HasPrefix(child, parent+"/")
}

// Args serializes the plan without consuming it. ro-bind-data mounts and the
// sync fd are numbered as [Plan.Command] would number them.
func (p *Plan) Args() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	args, _, err := p.render()

	return args, err
}

// render produces the executor arguments and the ro-bind-data mounts in the
// order their descriptors are allocated, starting at firstExtraFD.
func (p *Plan) render() ([]string, []Mount, error) {
	err := validateMounts(p.mounts)
	if err != nil {
		return nil, nil, err
	}

	err = checkMountOrder(p.mounts)
	if err != nil {
		return nil, nil, err
	}

	args := make([]string, 0, len(p.options)+len(p.mounts)*3+len(p.env)*3+4)
	args = append(args, p.options...)

	var dataMounts []Mount

	for _, m := range p.mounts {
		fd := 0
		if m.Kind == MountRoBindData {
			fd = firstExtraFD + len(dataMounts)
			dataMounts = append(dataMounts, m)
		}

		mountArgs, err := mountToArgs(m, fd)
		if err != nil {
			return nil, nil, err
		}

		args = append(args, mountArgs...)
	}

	for _, dst := range p.lockFiles {
		args = append(args, "--lock-file", dst)
	}

	for _, v := range p.env {
		if v.Unset {
			args = append(args, "--unsetenv", v.Name)
		} else {
			args = append(args, "--setenv", v.Name, v.Value)
		}
	}

	if p.syncFile != nil {
		args = append(args, "--sync-fd", strconv.Itoa(firstExtraFD+len(dataMounts)))
	}

	return args, dataMounts, nil
}

func mountToArgs(mnt Mount, fd int) ([]string, error) {
	switch mnt.Kind {
	case MountRoBind:
		return []string{"--ro-bind", mnt.Src, mnt.Dst}, nil
	case MountBind:
		return []string{"--bind", mnt.Src, mnt.Dst}, nil
	case MountSymlink:
		return []string{"--symlink", mnt.Src, mnt.Dst}, nil
	case MountDir:
		if mnt.Perms != 0 {
			return []string{"--perms", permString(mnt.Perms), "--dir", mnt.Dst}, nil
		}

		return []string{"--dir", mnt.Dst}, nil
	case MountTmpfs:
		return []string{"--tmpfs", mnt.Dst}, nil
	case MountDev:
		return []string{"--dev", mnt.Dst}, nil
	case MountProc:
		return []string{"--proc", mnt.Dst}, nil
	case MountRoBindData:
		if fd < firstExtraFD {
			return nil, internalErrorf("mountToArgs", "ro-bind-data mount has invalid FD %d (dst=%q)", fd, mnt.Dst)
		}

		return []string{"--perms", permString(mnt.Perms), "--ro-bind-data", strconv.Itoa(fd), mnt.Dst}, nil
	default:
		return nil, internalErrorf("mountToArgs", "unknown mount kind %d (src=%q dst=%q perms=%#o)", mnt.Kind, mnt.Src, mnt.Dst, uint32(mnt.Perms.Perm()))
	}
}

// permString formats a mode the way the executor expects it for --perms.
func permString(mode os.FileMode) string {
	return fmt.Sprintf("%04o", mode.Perm())
}

func cleanContainerPath(p string) string {
	if p == "" {
		return ""
	}

	return filepath.Clean(p)
}

// pathDepth counts path components; "/" has depth 0.
func pathDepth(path string) int {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return 0
	}

	return strings.Count(cleaned, "/")
}
