//go:build linux

package graphics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ErrCaptureHelperFailed is wrapped by every [CaptureError].
var ErrCaptureHelperFailed = errors.New("capture helper failed")

// CaptureError reports a capture-helper invocation that did not exit 0.
type CaptureError struct {
	Tuple    string
	Tool     string
	Dest     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CaptureError) Error() string {
	msg := fmt.Sprintf("capture libraries for %s into %q: %s", e.Tuple, e.Dest, e.Tool)

	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	} else {
		msg += fmt.Sprintf(": %v", e.Err)
	}

	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}

	return msg
}

func (e *CaptureError) Unwrap() []error {
	return []error{ErrCaptureHelperFailed, e.Err}
}

// basePatterns capture the loader libraries of every graphics and video API,
// plus libc when the host's copy is newer than the runtime's.
var basePatterns = []string{
	"if-exists:if-same-abi:gl:",
	"if-exists:if-same-abi:soname:libEGL.so.1",
	"if-exists:if-same-abi:soname:libGL.so.1",
	"if-exists:if-same-abi:soname:libGLESv2.so.2",
	"if-exists:if-same-abi:soname:libGLX.so.0",
	"if-exists:if-same-abi:soname:libOpenGL.so.0",
	"if-exists:if-same-abi:soname:libvulkan.so.1",
	"if-exists:if-same-abi:soname:libvdpau.so.1",
	"if-exists:if-same-abi:soname:libva.so.2",
	"if-exists:if-same-abi:soname:libva-drm.so.2",
	"if-exists:if-same-abi:soname:libva-x11.so.2",
	"if-exists:if-same-abi:soname:libdrm.so.2",
	"if-exists:if-same-abi:soname:libc.so.6",
}

// Capturer runs the library-capture helper.
type Capturer struct {
	// ToolsDir holds the per-architecture capture helpers. Empty means PATH.
	ToolsDir string

	// RuntimeRoot is the container's root filesystem as seen by this process.
	// Libraries there that are at least as new as the provider's are not
	// captured.
	RuntimeRoot string

	// ProviderCurrent is the provider root as seen by this process.
	ProviderCurrent string

	// ProviderInContainer is where the provider root is mounted in the
	// container; captured symlinks point below it.
	ProviderInContainer string

	Logger *slog.Logger
}

// CaptureResult is the outcome of capturing one architecture.
type CaptureResult struct {
	Arch *Arch

	// HostLibc is true when libc.so.6 was captured from the provider.
	HostLibc bool

	// HasDRI is true when DRI or VA-API drivers were captured.
	HasDRI bool

	// HasVDPAU is true when VDPAU drivers were captured.
	HasVDPAU bool
}

// CaptureAll captures every architecture and returns the results of those
// that succeeded, in input order. Architectures are captured concurrently
// unless sequential is set. A failing architecture is logged and dropped; the
// error is returned only when every architecture failed.
func (c *Capturer) CaptureAll(ctx context.Context, arches []*Arch, inv *Inventory, sequential bool) ([]*CaptureResult, error) {
	results := make([]*CaptureResult, len(arches))
	errs := make([]error, len(arches))

	if sequential {
		for i, arch := range arches {
			results[i], errs[i] = c.CaptureArchitecture(ctx, arch, inv)
		}
	} else {
		var wg sync.WaitGroup

		for i, arch := range arches {
			wg.Go(func() {
				results[i], errs[i] = c.CaptureArchitecture(ctx, arch, inv)
			})
		}

		wg.Wait()
	}

	var ok []*CaptureResult

	for i, arch := range arches {
		if errs[i] != nil {
			c.logger().Warn("dropping architecture after capture failure", "tuple", arch.Target.Tuple, "error", errs[i])

			continue
		}

		ok = append(ok, results[i])
	}

	if len(ok) == 0 && len(arches) > 0 {
		return nil, errors.Join(errs...)
	}

	return ok, nil
}

// CaptureArchitecture captures the graphics stack for one architecture into
// arch.OverridesHost and classifies every applicable driver in inv.
//
// The order is fixed: loader libraries, EGL ICDs, Vulkan ICDs, VDPAU drivers,
// then VA-API and DRI drivers. Drivers named by absolute path are captured
// without dependencies into their own directory first; the dependency
// closures and soname drivers are captured together into the shared overrides
// directory at the end.
func (c *Capturer) CaptureArchitecture(ctx context.Context, arch *Arch, inv *Inventory) (*CaptureResult, error) {
	logger := c.logger().With("tuple", arch.Target.Tuple)

	err := os.MkdirAll(arch.OverridesHost, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create overrides for %s: %w", arch.Target.Tuple, err)
	}

	err = c.run(ctx, arch, arch.OverridesHost, basePatterns...)
	if err != nil {
		return nil, err
	}

	var queue []string

	enqueue := func(pattern string) {
		if pattern != "" && !slices.Contains(queue, pattern) {
			queue = append(queue, pattern)
		}
	}

	for _, icd := range []struct {
		kind   Kind
		subdir string
	}{
		{KindEGL, "glvnd"},
		{KindVulkan, "vulkan"},
	} {
		for seq, driver := range inv.Drivers(icd.kind) {
			if !driver.AppliesTo(arch.Index) {
				continue
			}

			if !driver.IsAbsolute() {
				err = driver.setSoname(arch.Index)
				if err != nil {
					return nil, err
				}

				enqueue("if-exists:even-if-older:if-same-abi:soname:" + driver.LibraryPath)

				continue
			}

			pattern, err := c.captureIsolated(ctx, arch, driver, filepath.Join(icd.subdir, strconv.Itoa(seq)))
			if err != nil {
				return nil, err
			}

			enqueue(pattern)
		}
	}

	result := &CaptureResult{Arch: arch}

	patterns, captured, err := c.captureDirectory(ctx, arch, "vdpau", inv.VDPAU)
	if err != nil {
		return nil, err
	}

	result.HasVDPAU = captured

	for _, p := range patterns {
		enqueue(p)
	}

	patterns, captured, err = c.captureDirectory(ctx, arch, "dri", slices.Concat(inv.VAAPI, inv.DRI))
	if err != nil {
		return nil, err
	}

	result.HasDRI = captured

	for _, p := range patterns {
		enqueue(p)
	}

	if len(queue) > 0 {
		err = c.run(ctx, arch, arch.OverridesHost, queue...)
		if err != nil {
			return nil, err
		}
	}

	libc, err := os.Lstat(filepath.Join(arch.OverridesHost, "libc.so.6"))
	result.HostLibc = err == nil && libc.Mode()&fs.ModeSymlink != 0

	logger.Debug("architecture captured",
		"host_libc", result.HostLibc,
		"dri", result.HasDRI,
		"vdpau", result.HasVDPAU,
		"dependency_patterns", len(queue),
	)

	return result, nil
}

// captureIsolated captures one absolute-path driver, without dependencies,
// into its own numbered directory so that drivers sharing a basename cannot
// collide. It returns the pattern that captures the driver's dependencies, or
// "" when nothing was captured.
func (c *Capturer) captureIsolated(ctx context.Context, arch *Arch, driver *Driver, rel string) (string, error) {
	dir := filepath.Join(arch.OverridesHost, rel)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("create driver directory: %w", err)
	}

	err = c.run(ctx, arch, dir, "no-dependencies:if-exists:even-if-older:if-same-abi:path:"+driver.LibraryPath)
	if err != nil {
		return "", err
	}

	// rmdir only succeeds on an empty directory, which means the driver is not
	// usable for this architecture. Any failure counts as "captured".
	if os.Remove(dir) == nil {
		c.logger().Debug("driver not captured", "tuple", arch.Target.Tuple, "driver", driver.String())

		return "", nil
	}

	name := landedName(dir, driver.LibraryPath)

	err = driver.setAbsolute(arch.Index, filepath.Join(arch.OverridesContainer, rel, name))
	if err != nil {
		return "", err
	}

	return "only-dependencies:if-same-abi:path:" + driver.LibraryPath, nil
}

// captureDirectory captures directory-style drivers for arch into one shared
// subdirectory, where the loaders look them up by basename.
func (c *Capturer) captureDirectory(ctx context.Context, arch *Arch, subdir string, drivers []*Driver) ([]string, bool, error) {
	var (
		applicable []*Driver
		patterns   []string
	)

	for _, driver := range drivers {
		if driver.AppliesTo(arch.Index) {
			applicable = append(applicable, driver)
			patterns = append(patterns, "no-dependencies:if-exists:even-if-older:if-same-abi:path:"+driver.LibraryPath)
		}
	}

	if len(applicable) == 0 {
		return nil, false, nil
	}

	dir := filepath.Join(arch.OverridesHost, subdir)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, false, fmt.Errorf("create %s directory: %w", subdir, err)
	}

	err = c.run(ctx, arch, dir, patterns...)
	if err != nil {
		return nil, false, err
	}

	var (
		dependencies []string
		captured     bool
	)

	for _, driver := range applicable {
		base := filepath.Base(driver.LibraryPath)

		_, err := os.Lstat(filepath.Join(dir, base))
		if err != nil {
			continue
		}

		err = driver.setAbsolute(arch.Index, filepath.Join(arch.OverridesContainer, subdir, base))
		if err != nil {
			return nil, false, err
		}

		captured = true

		dependencies = append(dependencies, "only-dependencies:if-same-abi:path:"+driver.LibraryPath)
	}

	if !captured {
		_ = os.Remove(dir)
	}

	return dependencies, captured, nil
}

// landedName returns the name the helper gave the captured library in dir:
// the library's basename when present, else the first entry.
func landedName(dir, library string) string {
	base := filepath.Base(library)

	_, err := os.Lstat(filepath.Join(dir, base))
	if err == nil {
		return base
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return base
	}

	return entries[0].Name()
}

func (c *Capturer) tool(arch *Arch) string {
	name := arch.Target.CaptureTool()
	if c.ToolsDir != "" {
		return filepath.Join(c.ToolsDir, name)
	}

	return name
}

// run invokes the helper once with the given patterns, capturing into dest.
func (c *Capturer) run(ctx context.Context, arch *Arch, dest string, patterns ...string) error {
	tool := c.tool(arch)

	args := []string{
		"--container", c.RuntimeRoot,
		"--link-target", c.ProviderInContainer,
		"--dest", dest,
		"--provider", c.ProviderCurrent,
	}
	args = append(args, patterns...)

	c.logger().Debug("running capture helper", "tool", tool, "dest", dest, "patterns", patterns)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	captureErr := &CaptureError{
		Tuple:    arch.Target.Tuple,
		Tool:     tool,
		Dest:     dest,
		ExitCode: -1,
		Stderr:   stderr.String(),
		Err:      err,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		captureErr.ExitCode = exitErr.ExitCode()
	}

	return captureErr
}

func (c *Capturer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return c.Logger
}
