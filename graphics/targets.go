//go:build linux

// Package graphics captures the host's graphics driver stack into a
// container's overrides tree.
//
// For every supported architecture it runs the library-capture helper against
// the provider root (usually the host), decides per driver whether the
// container will load the host's copy by absolute path or find one by soname,
// and rewrites the EGL and Vulkan ICD manifests to match.
package graphics

import (
	"path/filepath"
	"runtime"
	"slices"
)

// Target is one supported CPU/ABI combination.
type Target struct {
	// Tuple is the Debian multiarch tuple, e.g. "x86_64-linux-gnu".
	Tuple string

	// LDSO is the absolute path of the dynamic linker in a standard layout.
	LDSO string

	// Platforms are the values ld.so substitutes for ${PLATFORM}.
	Platforms []string

	// LibDirs are library directories, relative to a root, searched when
	// enumerating drivers, in priority order.
	LibDirs []string
}

// CaptureTool returns the executable name of the library-capture helper for
// t.
func (t Target) CaptureTool() string {
	return t.Tuple + "-capsule-capture-libs"
}

var (
	targetX86_64 = Target{
		Tuple:     "x86_64-linux-gnu",
		LDSO:      "/lib64/ld-linux-x86-64.so.2",
		Platforms: []string{"x86_64", "haswell", "xeon_phi"},
		LibDirs: []string{
			"lib/x86_64-linux-gnu",
			"usr/lib/x86_64-linux-gnu",
			"lib64",
			"usr/lib64",
			"usr/lib",
		},
	}

	targetI386 = Target{
		Tuple:     "i386-linux-gnu",
		LDSO:      "/lib/ld-linux.so.2",
		Platforms: []string{"i386", "i486", "i586", "i686"},
		LibDirs: []string{
			"lib/i386-linux-gnu",
			"usr/lib/i386-linux-gnu",
			"lib32",
			"usr/lib32",
		},
	}

	targetAarch64 = Target{
		Tuple:     "aarch64-linux-gnu",
		LDSO:      "/lib/ld-linux-aarch64.so.1",
		Platforms: []string{"aarch64"},
		LibDirs: []string{
			"lib/aarch64-linux-gnu",
			"usr/lib/aarch64-linux-gnu",
			"lib64",
			"usr/lib64",
			"usr/lib",
		},
	}
)

// Targets returns the architectures this build can assemble containers for,
// primary architecture first.
func Targets() []Target {
	var out []Target

	switch runtime.GOARCH {
	case "amd64":
		out = []Target{targetX86_64, targetI386}
	case "arm64":
		out = []Target{targetAarch64}
	}

	for i := range out {
		out[i].Platforms = slices.Clone(out[i].Platforms)
		out[i].LibDirs = slices.Clone(out[i].LibDirs)
	}

	return out
}

// TargetByTuple returns the known target with the given tuple.
func TargetByTuple(tuple string) (Target, bool) {
	for _, t := range []Target{targetX86_64, targetI386, targetAarch64} {
		if t.Tuple == tuple {
			return t, true
		}
	}

	return Target{}, false
}

// Arch is a target that is usable for one assembly: its dynamic linker was
// found in the runtime, and it has its own overrides directory.
type Arch struct {
	// Index is the position of the architecture in the assembly's list; it is
	// the index used for per-architecture driver classification.
	Index int

	Target Target

	// LDSOInContainer is where the runtime's dynamic linker for this target
	// really lives inside the container, with symlinks resolved.
	LDSOInContainer string

	// OverridesHost is the architecture's overrides library directory as seen
	// by this process.
	OverridesHost string

	// OverridesContainer is the same directory inside the container.
	OverridesContainer string
}

// NewArch returns the Arch for target, with overrides directories below
// lib/<tuple> of the given overrides roots.
func NewArch(index int, target Target, ldsoInContainer, overridesHost, overridesContainer string) *Arch {
	return &Arch{
		Index:              index,
		Target:             target,
		LDSOInContainer:    ldsoInContainer,
		OverridesHost:      filepath.Join(overridesHost, "lib", target.Tuple),
		OverridesContainer: filepath.Join(overridesContainer, "lib", target.Tuple),
	}
}
