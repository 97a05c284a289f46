//go:build linux

package vessel

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/sandbox"
)

// Options configures a [Runtime]. [New] copies it; later changes by the
// caller have no effect.
type Options struct {
	// SourceRoot is the packaged runtime: either a sysroot with a usr/
	// directory or the contents of a merged /usr. Required.
	SourceRoot string

	// ProviderHostPath is the root graphics drivers are taken from, as seen by
	// the sandbox executor. Default "/".
	ProviderHostPath string

	// ProviderCurrentPath is the same root as seen by this process. Default
	// "/". It differs from ProviderHostPath only when running nested inside
	// another container.
	ProviderCurrentPath string

	// ProviderInContainer is where the provider is mounted in the container.
	// Default "/run/host".
	ProviderInContainer string

	// HostRoot is the root used to look up host integration files and
	// sockets. Default "/".
	HostRoot string

	// ToolsDir holds the <tuple>-capsule-capture-libs helpers. Empty means
	// PATH.
	ToolsDir string

	// TmpRoot is where the scratch directory is created. Default
	// os.TempDir().
	TmpRoot string

	// VariableDir holds mutable runtime copies. Required with CopyRuntime or
	// GC.
	VariableDir string

	// CopyRuntime runs against a private mutable copy of SourceRoot below
	// VariableDir instead of SourceRoot itself.
	CopyRuntime bool

	// GC deletes unused copies below VariableDir before making a new one.
	GC bool

	// LockWait blocks until the runtime lock is available instead of failing
	// with lock.ErrBusy.
	LockWait bool

	// SingleThread captures architectures one after another.
	SingleThread bool

	// LocaleGenTool is run with --output-dir DIR to generate locales missing
	// from the runtime. Optional.
	LocaleGenTool string

	// SharedPaths are bound read-write at the same path in the container.
	SharedPaths []string

	// HostEnv is a snapshot of the host environment.
	HostEnv map[string]string

	// Targets restricts the architectures tried, primary first. Default
	// graphics.Targets().
	Targets []graphics.Target

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	out.SharedPaths = slices.Clone(o.SharedPaths)
	out.HostEnv = maps.Clone(o.HostEnv)
	out.Targets = slices.Clone(o.Targets)

	if out.ProviderHostPath == "" {
		out.ProviderHostPath = "/"
	}

	if out.ProviderCurrentPath == "" {
		out.ProviderCurrentPath = "/"
	}

	if out.ProviderInContainer == "" {
		out.ProviderInContainer = "/run/host"
	}

	if out.HostRoot == "" {
		out.HostRoot = "/"
	}

	if out.TmpRoot == "" {
		out.TmpRoot = os.TempDir()
	}

	if out.Targets == nil {
		out.Targets = graphics.Targets()
	}

	if out.HostEnv == nil {
		out.HostEnv = map[string]string{}
	}

	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}

	return out
}

// reservedPaths are container paths owned by the assembled layout. Shared
// paths may not replace them or live below them.
var reservedPaths = []string{"/bin", "/dev", "/etc", "/overrides", "/proc", "/sbin", "/usr"}

func (o Options) validate() error {
	var errs []error

	if o.SourceRoot == "" {
		errs = append(errs, errors.New("runtime path is required"))
	}

	if (o.CopyRuntime || o.GC) && o.VariableDir == "" {
		errs = append(errs, errors.New("a variable directory is required to copy or garbage-collect runtimes"))
	}

	for name, p := range map[string]string{
		"provider host path":         o.ProviderHostPath,
		"provider current path":      o.ProviderCurrentPath,
		"provider path in container": o.ProviderInContainer,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s %q is not absolute", name, p))
		}
	}

	if filepath.Clean(o.ProviderInContainer) == "/" || isReserved(o.ProviderInContainer) {
		errs = append(errs, fmt.Errorf("provider cannot be mounted at %q", o.ProviderInContainer))
	}

	if len(o.Targets) == 0 {
		errs = append(errs, fmt.Errorf("%w: no targets for this build", ErrUnsupportedArchitecture))
	}

	for _, p := range o.SharedPaths {
		switch clean := filepath.Clean(p); {
		case !filepath.IsAbs(p):
			errs = append(errs, fmt.Errorf("shared path %q is not absolute", p))
		case clean == "/", clean == "/run", clean == "/tmp", isReserved(clean):
			errs = append(errs, fmt.Errorf("shared path %q would replace part of the container layout", p))
		case overlaps(clean, o.ProviderInContainer):
			errs = append(errs, fmt.Errorf("shared path %q overlaps the provider at %q", p, o.ProviderInContainer))
		}
	}

	return errors.Join(errs...)
}

// overlaps reports whether a and b are the same path or one contains the
// other.
func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)

	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func isReserved(p string) bool {
	p = filepath.Clean(p)

	top := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)[0]
	if sandbox.IsUsrMember(top) && top != ".ref" {
		return true
	}

	for _, reserved := range reservedPaths {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return true
		}
	}

	return false
}
