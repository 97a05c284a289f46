//go:build linux

package vessel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/sandbox"
)

// Assemble builds the container: the runtime as /usr, the provider below
// ProviderInContainer, the captured graphics stack and rewritten manifests
// below /overrides, host integration files and sockets, and the container
// environment. It can be called once.
//
// When no target's dynamic linker exists in the runtime, Assemble fails with
// an [UnsupportedArchitectureError] before building anything.
func (r *Runtime) Assemble(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.assembled {
		return nil, errors.New("runtime already assembled")
	}

	r.assembled = true

	arches, err := r.resolveArches()
	if err != nil {
		return nil, err
	}

	plan := sandbox.NewPlan()
	plan.Options("--die-with-parent")
	plan.Add(
		sandbox.Dev("/dev"),
		sandbox.Proc("/proc"),
		sandbox.Tmpfs("/tmp"),
		sandbox.Tmpfs("/run"),
	)

	err = sandbox.BindUsr(plan, r.root.host, r.root.current, "/")
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	r.bindEtc(plan)

	err = sandbox.BindUsr(plan, r.provider.host, r.provider.current, r.opts.ProviderInContainer)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	containerRoot, err := r.captureRoot()
	if err != nil {
		return nil, err
	}

	inv, err := graphics.Discover(graphics.DiscoverOptions{
		ProviderCurrent: r.provider.current,
		ProviderHost:    r.provider.host,
		Arches:          arches,
		HostEnv:         r.opts.HostEnv,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, err
	}

	capturer := &graphics.Capturer{
		ToolsDir:            r.opts.ToolsDir,
		RuntimeRoot:         containerRoot,
		ProviderCurrent:     r.provider.current,
		ProviderInContainer: r.opts.ProviderInContainer,
		Logger:              r.logger,
	}

	results, err := capturer.CaptureAll(ctx, arches, inv, r.opts.SingleThread)
	if err != nil {
		return nil, err
	}

	captured := make([]*graphics.Arch, 0, len(results))
	for _, res := range results {
		captured = append(captured, res.Arch)
	}

	r.decideLibc(results)

	err = r.bindHostLibc(plan, results)
	if err != nil {
		return nil, err
	}

	r.bindLocales(plan)

	locpath := r.generateLocales(ctx)

	r.bindDriverDirs(plan, inv, captured)

	hostEnv := sandbox.Environment{Root: r.opts.HostRoot, HostEnv: r.opts.HostEnv}
	sandbox.BindSockets(plan, hostEnv, r.logger)

	r.bindSharedPaths(plan)

	manifests, err := graphics.RewriteManifests(inv, graphics.RewriteOptions{
		OverridesHost:      r.overrides,
		OverridesContainer: OverridesInContainer,
		Arches:             captured,
		Logger:             r.logger,
	})
	if err != nil {
		return nil, err
	}

	err = linkPlatforms(r.overrides, captured)
	if err != nil {
		return nil, err
	}

	err = sandbox.ExportTree(plan, r.overrides, OverridesInContainer)
	if err != nil {
		return nil, err
	}

	plan.Add(manifests.Binds...)

	setEnvironment(plan, results, manifests, locpath)

	r.handOffLock(plan)

	err = plan.CheckOrder()
	if err != nil {
		return nil, err
	}

	return &Result{
		Plan:        plan,
		Arches:      captured,
		AnyHostLibc: r.anyHostLibc,
		AllHostLibc: r.allHostLibc,
		Manifests:   manifests,
	}, nil
}

// resolveArches keeps the targets whose dynamic linker exists in the
// runtime, recording where it really lives.
func (r *Runtime) resolveArches() ([]*graphics.Arch, error) {
	var (
		arches []*graphics.Arch
		tried  []string
	)

	for _, target := range r.opts.Targets {
		tried = append(tried, target.Tuple)

		rel, ok := r.root.find(target.LDSO, false)
		if !ok {
			r.logger.Debug("runtime does not support architecture", "tuple", target.Tuple, "ld_so", target.LDSO)

			continue
		}

		arch := graphics.NewArch(len(arches), target, r.root.inContainer(rel), r.overrides, OverridesInContainer)
		arches = append(arches, arch)

		r.logger.Debug("architecture supported", "tuple", target.Tuple, "ld_so", arch.LDSOInContainer)
	}

	if len(arches) == 0 {
		return nil, &UnsupportedArchitectureError{Runtime: r.root.current, Tried: tried}
	}

	return arches, nil
}

// bindEtc mounts the runtime's etc at /etc, then host integration files over
// it.
func (r *Runtime) bindEtc(plan *sandbox.Plan) {
	hostEnv := sandbox.Environment{Root: r.opts.HostRoot, HostEnv: r.opts.HostEnv}

	etc := r.root.currentPath("etc")

	info, err := os.Stat(etc)
	if err != nil || !info.IsDir() {
		plan.Add(sandbox.Dir("/etc", 0o755))
		sandbox.BindHostEtc(plan, hostEnv, "", r.logger)

		return
	}

	plan.Add(sandbox.RoBind(r.root.hostPath("etc"), "/etc"))
	sandbox.BindHostEtc(plan, hostEnv, etc, r.logger)
}

// captureRoot returns the directory the capture helper compares library
// versions against. A merged runtime gets a stand-in sysroot in the scratch
// directory.
func (r *Runtime) captureRoot() (string, error) {
	if !r.root.merged {
		return r.root.current, nil
	}

	sysroot := filepath.Join(r.scratch, "sysroot")

	err := os.Mkdir(sysroot, 0o755)
	if err != nil {
		return "", fmt.Errorf("create capture sysroot: %w", err)
	}

	err = os.Symlink(r.root.current, filepath.Join(sysroot, "usr"))
	if err != nil {
		return "", fmt.Errorf("create capture sysroot: %w", err)
	}

	entries, err := os.ReadDir(r.root.current)
	if err != nil {
		return "", fmt.Errorf("create capture sysroot: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name != "etc" && (!sandbox.IsUsrMember(name) || name == lockFileName) {
			continue
		}

		err = os.Symlink("usr/"+name, filepath.Join(sysroot, name))
		if err != nil {
			return "", fmt.Errorf("create capture sysroot: %w", err)
		}
	}

	return sysroot, nil
}

// bindDriverDirs exposes provider directories outside /usr that hold
// drivers named by absolute path, so the captured symlinks resolve.
func (r *Runtime) bindDriverDirs(plan *sandbox.Plan, inv *graphics.Inventory, arches []*graphics.Arch) {
	var dirs []string

	for _, driver := range inv.All() {
		if !driver.IsAbsolute() || !capturedAnywhere(driver, arches) {
			continue
		}

		top := strings.SplitN(strings.TrimPrefix(driver.LibraryPath, "/"), "/", 2)[0]
		if top == "usr" || sandbox.IsUsrMember(top) {
			continue
		}

		dirs = append(dirs, filepath.Dir(driver.LibraryPath))
	}

	slices.Sort(dirs)
	dirs = slices.Compact(dirs)

	var bound []string

	for _, dir := range dirs {
		covered := slices.ContainsFunc(bound, func(parent string) bool {
			return strings.HasPrefix(dir, parent+"/")
		})
		if covered {
			continue
		}

		rel, ok := r.provider.find(dir, true)
		if !ok {
			continue
		}

		bound = append(bound, dir)
		plan.Add(sandbox.RoBind(r.provider.hostPath(rel), filepath.Join(r.opts.ProviderInContainer, dir)))
	}
}

func capturedAnywhere(driver *graphics.Driver, arches []*graphics.Arch) bool {
	for _, arch := range arches {
		if driver.Classification(arch.Index) == graphics.Absolute {
			return true
		}
	}

	return false
}

func (r *Runtime) bindSharedPaths(plan *sandbox.Plan) {
	for _, p := range r.opts.SharedPaths {
		p = filepath.Clean(p)

		_, err := os.Stat(filepath.Join(r.opts.HostRoot, p))
		if err != nil {
			r.logger.Warn("not sharing path", "path", p, "error", err)

			continue
		}

		plan.Add(sandbox.Bind(p, p))
	}
}

// linkPlatforms creates lib/<platform> -> <tuple> for every ld.so
// ${PLATFORM} value of each architecture.
func linkPlatforms(overrides string, arches []*graphics.Arch) error {
	for _, arch := range arches {
		for _, platform := range arch.Target.Platforms {
			link := filepath.Join(overrides, "lib", platform)

			err := os.Symlink(arch.Target.Tuple, link)
			if err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("link platform %s: %w", platform, err)
			}
		}
	}

	return nil
}

// handOffLock arranges for the executor to keep the runtime locked. An OFD
// lock survives the executor's fork, so its descriptor is passed along; a
// process lock would not, so the executor locks the in-container path itself.
func (r *Runtime) handOffLock(plan *sandbox.Plan) {
	if !r.lock.IsOFD() {
		plan.LockFile("/" + lockFileName)
		r.logger.Debug("executor will take its own lock", "path", "/"+lockFileName)

		return
	}

	fd := r.lock.StealFD()
	if fd < 0 {
		plan.LockFile("/" + lockFileName)

		return
	}

	r.syncFile = os.NewFile(uintptr(fd), r.lock.Path())
	plan.SyncFile(r.syncFile)
}
