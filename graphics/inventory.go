//go:build linux

package graphics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Default manifest directories, in the provider's namespace, highest priority
// first.
var (
	defaultEGLDirs    = []string{"/etc/glvnd/egl_vendor.d", "/usr/share/glvnd/egl_vendor.d"}
	defaultVulkanDirs = []string{"/etc/vulkan/icd.d", "/usr/share/vulkan/icd.d"}
)

// Inventory lists the drivers found on the provider, per kind, in capture
// order. A driver's position in its list is its sequence number.
type Inventory struct {
	EGL    []*Driver
	Vulkan []*Driver
	VDPAU  []*Driver
	VAAPI  []*Driver
	DRI    []*Driver
}

// Drivers returns the list for kind.
func (inv *Inventory) Drivers(kind Kind) []*Driver {
	switch kind {
	case KindEGL:
		return inv.EGL
	case KindVulkan:
		return inv.Vulkan
	case KindVDPAU:
		return inv.VDPAU
	case KindVAAPI:
		return inv.VAAPI
	case KindDRI:
		return inv.DRI
	default:
		return nil
	}
}

// All returns every driver of every kind.
func (inv *Inventory) All() []*Driver {
	out := make([]*Driver, 0, len(inv.EGL)+len(inv.Vulkan)+len(inv.VDPAU)+len(inv.VAAPI)+len(inv.DRI))
	out = append(out, inv.EGL...)
	out = append(out, inv.Vulkan...)
	out = append(out, inv.VDPAU...)
	out = append(out, inv.VAAPI...)
	out = append(out, inv.DRI...)

	return out
}

// DiscoverOptions configures [Discover].
type DiscoverOptions struct {
	// ProviderCurrent is the provider root as seen by this process.
	ProviderCurrent string

	// ProviderHost is the provider root as seen by the sandbox executor.
	ProviderHost string

	// Arches are the architectures being assembled. Directory-based drivers
	// are enumerated per architecture.
	Arches []*Arch

	// HostEnv may override manifest locations with
	// __EGL_VENDOR_LIBRARY_FILENAMES, __EGL_VENDOR_LIBRARY_DIRS,
	// VK_DRIVER_FILES and VK_ICD_FILENAMES.
	HostEnv map[string]string

	Logger *slog.Logger
}

// manifestFile is the subset of the EGL and Vulkan ICD manifest format that
// matters here.
type manifestFile struct {
	FileFormatVersion string `json:"file_format_version"`
	ICD               struct {
		LibraryPath string `json:"library_path"`
	} `json:"ICD"`
}

// Discover enumerates the provider's drivers. Unreadable or malformed
// manifests are logged and skipped.
func Discover(opts DiscoverOptions) (*Inventory, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := discoverer{opts: opts, logger: logger}

	inv := &Inventory{}

	var err error

	inv.EGL, err = d.manifests(KindEGL,
		d.envList("__EGL_VENDOR_LIBRARY_FILENAMES"),
		d.envListOr("__EGL_VENDOR_LIBRARY_DIRS", defaultEGLDirs),
	)
	if err != nil {
		return nil, err
	}

	vulkanFiles := d.envList("VK_DRIVER_FILES")
	if len(vulkanFiles) == 0 {
		vulkanFiles = d.envList("VK_ICD_FILENAMES")
	}

	inv.Vulkan, err = d.manifests(KindVulkan, vulkanFiles, defaultVulkanDirs)
	if err != nil {
		return nil, err
	}

	for _, arch := range opts.Arches {
		vdpau, err := d.libraries(KindVDPAU, arch, "vdpau", "libvdpau_*.so*")
		if err != nil {
			return nil, err
		}

		vaapi, err := d.libraries(KindVAAPI, arch, "dri", "*_drv_video.so")
		if err != nil {
			return nil, err
		}

		dri, err := d.libraries(KindDRI, arch, "dri", "*_dri.so")
		if err != nil {
			return nil, err
		}

		inv.VDPAU = append(inv.VDPAU, vdpau...)
		inv.VAAPI = append(inv.VAAPI, vaapi...)
		inv.DRI = append(inv.DRI, dri...)
	}

	logger.Debug("driver inventory",
		"egl", len(inv.EGL),
		"vulkan", len(inv.Vulkan),
		"vdpau", len(inv.VDPAU),
		"va_api", len(inv.VAAPI),
		"dri", len(inv.DRI),
	)

	return inv, nil
}

type discoverer struct {
	opts   DiscoverOptions
	logger *slog.Logger
}

func (d discoverer) envList(name string) []string {
	value := d.opts.HostEnv[name]
	if value == "" {
		return nil
	}

	var out []string

	for _, item := range strings.Split(value, ":") {
		if item != "" {
			out = append(out, item)
		}
	}

	return out
}

func (d discoverer) envListOr(name string, fallback []string) []string {
	if list := d.envList(name); len(list) > 0 {
		return list
	}

	return fallback
}

func (d discoverer) current(p string) string {
	return filepath.Join(d.opts.ProviderCurrent, p)
}

func (d discoverer) host(p string) string {
	root := d.opts.ProviderHost
	if root == "" {
		root = "/"
	}

	return filepath.Join(root, p)
}

// manifests loads ICD manifests from explicit files when given, otherwise
// from dirs. Within the directories a basename seen earlier shadows later
// ones.
func (d discoverer) manifests(kind Kind, files, dirs []string) ([]*Driver, error) {
	var paths []string

	if len(files) > 0 {
		paths = files
	} else {
		seen := map[string]bool{}

		for _, dir := range dirs {
			entries, err := os.ReadDir(d.current(dir))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			if err != nil {
				return nil, fmt.Errorf("list %s manifests in %q: %w", kind, d.current(dir), err)
			}

			for _, entry := range entries {
				name := entry.Name()
				if !strings.HasSuffix(name, ".json") || seen[name] {
					continue
				}

				seen[name] = true

				paths = append(paths, filepath.Join(dir, name))
			}
		}
	}

	var drivers []*Driver

	for _, p := range paths {
		driver, err := d.loadManifest(kind, p)
		if err != nil {
			d.logger.Warn("ignoring driver manifest", "kind", kind.String(), "path", d.current(p), "error", err)

			continue
		}

		drivers = append(drivers, driver)
	}

	return drivers, nil
}

func (d discoverer) loadManifest(kind Kind, p string) (*Driver, error) {
	data, err := os.ReadFile(d.current(p))
	if err != nil {
		return nil, err
	}

	library, err := manifestLibraryPath(data)
	if err != nil {
		return nil, err
	}

	if strings.Contains(library, "/") && !filepath.IsAbs(library) {
		library = filepath.Join(filepath.Dir(p), library)
	}

	driver := newDriver(kind, AllArchitectures, len(d.opts.Arches))
	driver.ManifestPath = d.current(p)
	driver.ManifestHostPath = d.host(p)
	driver.Manifest = data
	driver.LibraryPath = library

	return driver, nil
}

// manifestLibraryPath extracts ICD.library_path from a manifest, accepting
// comments and trailing commas. data is not modified.
func manifestLibraryPath(data []byte) (string, error) {
	standardized, err := hujson.Standardize(bytes.Clone(data))
	if err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}

	var manifest manifestFile

	err = json.Unmarshal(standardized, &manifest)
	if err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}

	if manifest.ICD.LibraryPath == "" {
		return "", errors.New("manifest has no ICD.library_path")
	}

	return manifest.ICD.LibraryPath, nil
}

// libraries enumerates driver libraries matching pattern in subdir of each of
// arch's library directories. The first directory providing a basename wins.
func (d discoverer) libraries(kind Kind, arch *Arch, subdir, pattern string) ([]*Driver, error) {
	seen := map[string]bool{}

	var drivers []*Driver

	for _, libdir := range arch.Target.LibDirs {
		rel := filepath.Join("/", libdir, subdir)

		matches, err := filepath.Glob(filepath.Join(d.current(rel), pattern))
		if err != nil {
			return nil, fmt.Errorf("enumerate %s drivers: %w", kind, err)
		}

		for _, match := range matches {
			base := filepath.Base(match)
			if seen[base] {
				continue
			}

			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			seen[base] = true

			driver := newDriver(kind, arch.Index, len(d.opts.Arches))
			driver.LibraryPath = filepath.Join(rel, base)
			drivers = append(drivers, driver)
		}
	}

	return drivers, nil
}
