//go:build linux

package vessel

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/sandbox"
)

// localeDirs hold locale data that must match the libc in use.
var localeDirs = []string{"/usr/lib/locale", "/usr/share/i18n"}

// generatedLocales is the overrides subdirectory filled by the locale
// generator.
const generatedLocales = "locales"

// maxGeneratedLocaleFiles bounds the generator's output. Every file becomes
// an anonymous file descriptor passed to the executor.
const maxGeneratedLocaleFiles = 256

// decideLibc derives the libc flags from the capture results. anyHostLibc
// only ever becomes true.
func (r *Runtime) decideLibc(results []*graphics.CaptureResult) {
	hostCount := 0

	for _, res := range results {
		if res.HostLibc {
			hostCount++
			r.anyHostLibc = true
		}

		source := "runtime"
		if res.HostLibc {
			source = "host"
		}

		r.logger.Info("libc source", "tuple", res.Arch.Target.Tuple, "source", source)
	}

	r.allHostLibc = len(results) > 0 && hostCount == len(results)

	if r.anyHostLibc && !r.allHostLibc {
		r.logger.Warn("using host locale data for every architecture", "error", ErrInconsistentLibc)
	}
}

// bindHostLibc mounts the provider's dynamic linker where the runtime's
// binaries expect theirs, and the provider's gconv modules over the
// runtime's, for every architecture that took libc from the provider.
func (r *Runtime) bindHostLibc(plan *sandbox.Plan, results []*graphics.CaptureResult) error {
	for _, res := range results {
		if !res.HostLibc {
			continue
		}

		target := res.Arch.Target

		rel, ok := r.provider.find(target.LDSO, false)
		if !ok {
			return fmt.Errorf("libc for %s captured from provider, but provider has no %s: %w",
				target.Tuple, target.LDSO, ErrNotFound)
		}

		plan.Add(sandbox.RoBind(r.provider.hostPath(rel), res.Arch.LDSOInContainer))

		for _, libdir := range target.LibDirs {
			gconv := filepath.Join("/", libdir, "gconv")

			providerRel, ok := r.provider.find(gconv, true)
			if !ok {
				continue
			}

			runtimeRel, ok := r.root.find(gconv, true)
			if !ok {
				continue
			}

			plan.Add(sandbox.RoBind(r.provider.hostPath(providerRel), r.root.inContainer(runtimeRel)))

			break
		}
	}

	return nil
}

// bindLocales uses the provider's locale data when any architecture runs the
// provider's libc. The runtime's own data stays otherwise.
func (r *Runtime) bindLocales(plan *sandbox.Plan) {
	if !r.anyHostLibc {
		r.logger.Info("locale source", "source", "runtime")

		return
	}

	r.logger.Info("locale source", "source", "host")

	for _, dir := range localeDirs {
		providerRel, ok := r.provider.find(dir, true)
		if !ok {
			continue
		}

		runtimeRel, ok := r.root.find(dir, true)
		if !ok {
			r.logger.Debug("runtime has no mount point for locale data", "dir", dir)

			continue
		}

		plan.Add(sandbox.RoBind(r.provider.hostPath(providerRel), r.root.inContainer(runtimeRel)))
	}
}

// generateLocales runs the optional locale generator into the overrides
// tree. It returns the in-container LOCPATH, or "" when nothing was
// generated. Failure is logged and otherwise ignored.
func (r *Runtime) generateLocales(ctx context.Context) string {
	if r.opts.LocaleGenTool == "" {
		return ""
	}

	dir := filepath.Join(r.overrides, generatedLocales)

	err := os.Mkdir(dir, 0o755)
	if err != nil {
		r.logger.Warn("locale generation skipped", "error", err)

		return ""
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.opts.LocaleGenTool, "--output-dir", dir)
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		r.logger.Warn("locale generation failed",
			"tool", r.opts.LocaleGenTool,
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()),
		)

		_ = os.RemoveAll(dir)

		return ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		_ = os.RemoveAll(dir)

		return ""
	}

	files, err := countRegularFiles(dir)
	if err != nil || files > maxGeneratedLocaleFiles {
		r.logger.Warn("discarding generated locales",
			"tool", r.opts.LocaleGenTool,
			"files", files,
			"limit", maxGeneratedLocaleFiles,
			"error", err,
		)

		_ = os.RemoveAll(dir)

		return ""
	}

	r.logger.Debug("generated locales", "count", len(entries))

	return filepath.Join(OverridesInContainer, generatedLocales)
}

func countRegularFiles(dir string) (int, error) {
	count := 0

	err := filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.Type().IsRegular() {
			count++
		}

		return nil
	})

	return count, err
}
