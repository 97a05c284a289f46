//go:build linux

package vessel

import (
	"path/filepath"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/sandbox"
)

// vdpauDriverPath relies on the lib/<platform> symlinks so one value serves
// every architecture.
var vdpauDriverPath = filepath.Join(OverridesInContainer, "lib", "${PLATFORM}", "vdpau")

// setEnvironment sets every search path the container's loaders use. Empty
// lists are unset rather than inherited.
func setEnvironment(plan *sandbox.Plan, results []*graphics.CaptureResult, manifests *graphics.ManifestSet, locpath string) {
	var (
		libraryPath []string
		driPath     []string
		vdpau       bool
	)

	for _, res := range results {
		libraryPath = append(libraryPath, res.Arch.OverridesContainer)

		if res.HasDRI {
			driPath = append(driPath, filepath.Join(res.Arch.OverridesContainer, "dri"))
		}

		vdpau = vdpau || res.HasVDPAU
	}

	plan.SetenvPath("LD_LIBRARY_PATH", libraryPath)
	plan.Setenv("PATH", "/usr/bin:/bin")
	plan.SetenvPath("LIBGL_DRIVERS_PATH", driPath)
	plan.SetenvPath("LIBVA_DRIVERS_PATH", driPath)

	plan.SetenvPath("__EGL_VENDOR_LIBRARY_FILENAMES", manifests.EGL)
	plan.Unsetenv("__EGL_VENDOR_LIBRARY_DIRS")
	plan.SetenvPath("VK_ICD_FILENAMES", manifests.Vulkan)
	plan.SetenvPath("VK_DRIVER_FILES", manifests.Vulkan)

	if vdpau {
		plan.Setenv("VDPAU_DRIVER_PATH", vdpauDriverPath)
	} else {
		plan.Unsetenv("VDPAU_DRIVER_PATH")
	}

	if locpath != "" {
		plan.Setenv("LOCPATH", locpath)
	} else {
		plan.Unsetenv("LOCPATH")
	}
}
