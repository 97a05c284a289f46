//go:build linux

package graphics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/vessel/sandbox"
)

// Manifest directories below the overrides root.
const (
	EGLManifestDir    = "share/glvnd/egl_vendor.d"
	VulkanManifestDir = "share/vulkan/icd.d"
)

// ManifestSet is the result of [RewriteManifests].
type ManifestSet struct {
	// EGL lists in-container manifest paths for __EGL_VENDOR_LIBRARY_FILENAMES.
	EGL []string

	// Vulkan lists in-container manifest paths for VK_ICD_FILENAMES.
	Vulkan []string

	// Binds mount the unmodified manifests of soname drivers. They refer to
	// files below the overrides directory and must be added to the plan after
	// it.
	Binds []sandbox.Mount
}

// RewriteOptions configures [RewriteManifests].
type RewriteOptions struct {
	// OverridesHost is the overrides root as seen by this process.
	OverridesHost string

	// OverridesContainer is the overrides root inside the container.
	OverridesContainer string

	// Arches are the architectures whose capture succeeded.
	Arches []*Arch

	Logger *slog.Logger
}

// RewriteManifests publishes the EGL and Vulkan manifests of captured
// drivers.
//
// For each architecture where a driver is Absolute, a copy of its manifest
// with only ICD.library_path replaced is written as
// <seq>-<tuple>.json. When any architecture resolved the driver by soname,
// the original manifest is bound unchanged as <seq>.json, since the soname is
// valid for the default library search on every architecture.
func RewriteManifests(inv *Inventory, opts RewriteOptions) (*ManifestSet, error) {
	set := &ManifestSet{}

	var err error

	set.EGL, err = rewriteKind(inv.EGL, EGLManifestDir, opts, set)
	if err != nil {
		return nil, err
	}

	set.Vulkan, err = rewriteKind(inv.Vulkan, VulkanManifestDir, opts, set)
	if err != nil {
		return nil, err
	}

	return set, nil
}

func rewriteKind(drivers []*Driver, dirRel string, opts RewriteOptions, set *ManifestSet) ([]string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	hostDir := filepath.Join(opts.OverridesHost, dirRel)
	containerDir := filepath.Join(opts.OverridesContainer, dirRel)

	var paths []string

	for seq, driver := range drivers {
		if !driver.Kind.HasManifest() || driver.Manifest == nil {
			logger.Debug("driver has no manifest to rewrite", "kind", driver.Kind.String(), "library", driver.LibraryPath)

			continue
		}

		soname := false

		for _, arch := range opts.Arches {
			switch driver.Classification(arch.Index) {
			case Soname:
				soname = true
			case Absolute:
				libraryPath, _ := driver.PathInContainer(arch.Index)

				data, err := rewriteLibraryPath(driver.Manifest, libraryPath)
				if err != nil {
					return nil, fmt.Errorf("rewrite %s manifest %q: %w", driver.Kind, driver.ManifestPath, err)
				}

				name := fmt.Sprintf("%d-%s.json", seq, arch.Target.Tuple)

				err = writeManifest(hostDir, name, data)
				if err != nil {
					return nil, err
				}

				logger.Debug("rewrote manifest", "kind", driver.Kind.String(), "manifest", driver.ManifestPath, "library_path", libraryPath, "tuple", arch.Target.Tuple)

				paths = append(paths, filepath.Join(containerDir, name))
			case Nonexistent:
			}
		}

		if soname {
			err := os.MkdirAll(hostDir, 0o755)
			if err != nil {
				return nil, fmt.Errorf("create manifest directory: %w", err)
			}

			dst := filepath.Join(containerDir, fmt.Sprintf("%d.json", seq))
			set.Binds = append(set.Binds, sandbox.RoBind(driver.ManifestHostPath, dst))
			paths = append(paths, dst)
		}
	}

	return paths, nil
}

func writeManifest(dir, name string, data []byte) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	path := filepath.Join(dir, name)

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("write manifest %q: %w", path, err)
	}

	return nil
}

// rewriteLibraryPath replaces ICD.library_path in a manifest, leaving every
// other member, comment and the formatting as they were.
func rewriteLibraryPath(manifest []byte, libraryPath string) ([]byte, error) {
	value, err := hujson.Parse(manifest)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(libraryPath)
	if err != nil {
		return nil, err
	}

	patch := fmt.Sprintf(`[{"op":"replace","path":"/ICD/library_path","value":%s}]`, encoded)

	err = value.Patch([]byte(patch))
	if err != nil {
		return nil, err
	}

	return value.Pack(), nil
}
