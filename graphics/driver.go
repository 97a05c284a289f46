//go:build linux

package graphics

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind identifies a family of dynamically loaded drivers.
type Kind int

const (
	// KindEGL is an EGL vendor library described by a glvnd JSON manifest.
	KindEGL Kind = iota + 1

	// KindVulkan is a Vulkan ICD described by a JSON manifest.
	KindVulkan

	// KindVDPAU is a libvdpau backend (libvdpau_*.so).
	KindVDPAU

	// KindVAAPI is a VA-API backend (*_drv_video.so).
	KindVAAPI

	// KindDRI is a Mesa DRI driver (*_dri.so).
	KindDRI
)

func (k Kind) String() string {
	switch k {
	case KindEGL:
		return "egl"
	case KindVulkan:
		return "vulkan"
	case KindVDPAU:
		return "vdpau"
	case KindVAAPI:
		return "va-api"
	case KindDRI:
		return "dri"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HasManifest reports whether drivers of kind k are found through a JSON
// manifest rather than by directory.
func (k Kind) HasManifest() bool {
	return k == KindEGL || k == KindVulkan
}

// AllArchitectures marks a driver whose manifest does not say which
// architecture it is for; the capture helper decides per architecture.
const AllArchitectures = -1

// Classification is the outcome of capturing one driver for one
// architecture.
type Classification int

const (
	// Nonexistent means nothing usable was captured.
	Nonexistent Classification = iota

	// Absolute means the host's library was captured into a private
	// directory and is loaded by absolute path.
	Absolute

	// Soname means the library is found by soname through the default search
	// path.
	Soname
)

func (c Classification) String() string {
	switch c {
	case Nonexistent:
		return "nonexistent"
	case Absolute:
		return "absolute"
	case Soname:
		return "soname"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Driver is one loadable driver found on the provider.
//
// ICD kinds carry the manifest they came from; directory kinds carry only the
// library. Classification is tracked per architecture and moves from
// Nonexistent to Absolute or Soname at most once. A path in the container is
// recorded exactly when the classification is Absolute.
type Driver struct {
	Kind Kind

	// Arch is the architecture index the driver belongs to, or
	// AllArchitectures.
	Arch int

	// ManifestPath is the manifest's path as seen by this process. Empty for
	// directory kinds.
	ManifestPath string

	// ManifestHostPath is the same manifest as seen by the sandbox executor.
	ManifestHostPath string

	// Manifest is the manifest's original content.
	Manifest []byte

	// LibraryPath is the library as named by the manifest, resolved to an
	// absolute path in the provider's namespace when it contained a slash; a
	// bare soname otherwise. For directory kinds it is always absolute.
	LibraryPath string

	classes []Classification
	paths   []string
}

func newDriver(kind Kind, arch, numArches int) *Driver {
	return &Driver{
		Kind:    kind,
		Arch:    arch,
		classes: make([]Classification, numArches),
		paths:   make([]string, numArches),
	}
}

// IsAbsolute reports whether the library is named by absolute path.
func (d *Driver) IsAbsolute() bool {
	return filepath.IsAbs(d.LibraryPath)
}

// AppliesTo reports whether the driver is captured for architecture arch.
func (d *Driver) AppliesTo(arch int) bool {
	return d.Arch == AllArchitectures || d.Arch == arch
}

// Classification returns the driver's classification for arch.
func (d *Driver) Classification(arch int) Classification {
	if arch < 0 || arch >= len(d.classes) {
		return Nonexistent
	}

	return d.classes[arch]
}

// PathInContainer returns where the captured library lives inside the
// container for arch. ok is false unless the classification is Absolute.
func (d *Driver) PathInContainer(arch int) (string, bool) {
	if d.Classification(arch) != Absolute {
		return "", false
	}

	return d.paths[arch], true
}

func (d *Driver) setAbsolute(arch int, path string) error {
	err := d.checkTransition(arch)
	if err != nil {
		return err
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s driver %q: path in container %q is not absolute", d.Kind, d.LibraryPath, path)
	}

	d.classes[arch] = Absolute
	d.paths[arch] = path

	return nil
}

func (d *Driver) setSoname(arch int) error {
	err := d.checkTransition(arch)
	if err != nil {
		return err
	}

	d.classes[arch] = Soname

	return nil
}

func (d *Driver) checkTransition(arch int) error {
	if arch < 0 || arch >= len(d.classes) {
		return fmt.Errorf("%s driver %q: architecture %d out of range", d.Kind, d.LibraryPath, arch)
	}

	if d.classes[arch] != Nonexistent {
		return fmt.Errorf("%s driver %q: already classified %s for architecture %d", d.Kind, d.LibraryPath, d.classes[arch], arch)
	}

	return nil
}

// String describes the driver for log messages.
func (d *Driver) String() string {
	var b strings.Builder

	b.WriteString(d.Kind.String())
	b.WriteString(":")
	b.WriteString(d.LibraryPath)

	if d.ManifestPath != "" {
		b.WriteString(" (")
		b.WriteString(d.ManifestPath)
		b.WriteString(")")
	}

	return b.String()
}
