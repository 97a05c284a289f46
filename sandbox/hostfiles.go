//go:build linux

package sandbox

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// hostEtcFiles are bound over the runtime's /etc so that users, name
// resolution and the clock match the host.
var hostEtcFiles = []string{
	"group",
	"host.conf",
	"hosts",
	"localtime",
	"machine-id",
	"passwd",
	"resolv.conf",
}

// BindHostEtc binds the host's identity and name-resolution files over the
// container's /etc. A file is bound only when it exists on the host and, if
// runtimeEtc is set, in runtimeEtc too: the container's /etc is read-only, so
// the executor cannot create missing mount points there.
//
// When /etc/resolv.conf is a symlink into /run (systemd-resolved), the
// container's fresh /run would break it, so the link target's directory is
// bound as well.
func BindHostEtc(plan *Plan, env Environment, runtimeEtc string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for _, name := range hostEtcFiles {
		hostFile := filepath.Join("/etc", name)

		_, err := os.Stat(env.hostPath(hostFile))
		if err != nil {
			continue
		}

		if runtimeEtc != "" {
			_, err = os.Lstat(filepath.Join(runtimeEtc, name))
			if err != nil {
				logger.Debug("runtime has no mount point for host file", "file", hostFile)

				continue
			}
		}

		plan.Add(RoBind(hostFile, hostFile))
	}

	if dir := resolverRunDir(env); dir != "" {
		logger.Debug("binding resolver directory for resolv.conf symlink", "dir", dir)
		plan.Add(Dir(dir), RoBind(dir, dir))
	}
}

// resolverRunDir returns the host directory below /run that /etc/resolv.conf
// points into, or "" when there is none worth binding.
func resolverRunDir(env Environment) string {
	const resolvConf = "/etc/resolv.conf"

	linkTarget, err := os.Readlink(env.hostPath(resolvConf))
	if err != nil {
		return ""
	}

	resolvedPath := linkTarget
	if !filepath.IsAbs(resolvedPath) {
		resolvedPath = filepath.Join(filepath.Dir(resolvConf), resolvedPath)
	}

	resolvedPath = filepath.Clean(resolvedPath)
	if resolvedPath == "/run" || !strings.HasPrefix(resolvedPath, "/run/") {
		return ""
	}

	parentDir := filepath.Dir(resolvedPath)

	// Never expose all of the host's /run.
	if parentDir == "/run" {
		return ""
	}

	info, err := os.Stat(env.hostPath(parentDir))
	if err != nil || !info.IsDir() {
		return ""
	}

	return parentDir
}
