//go:build linux

package sandbox

import (
	"path/filepath"
	"sort"
)

// Environment describes the host the container is assembled on.
type Environment struct {
	// Root is the host filesystem root as seen by this process. It is "/" in
	// production; tests point it at a fake tree. Paths handed to the executor
	// are always host paths, so Root only affects lookups.
	Root string

	// HostEnv is a snapshot of the host's environment variables (DISPLAY,
	// XDG_RUNTIME_DIR, ...). A nil map behaves as an empty environment.
	HostEnv map[string]string
}

// lookup returns the host environment variable name.
func (e Environment) lookup(name string) string {
	if e.HostEnv == nil {
		return ""
	}

	return e.HostEnv[name]
}

// hostPath returns where the host path p can be inspected from this process.
func (e Environment) hostPath(p string) string {
	if e.Root == "" || e.Root == "/" {
		return filepath.Clean(p)
	}

	return filepath.Join(e.Root, p)
}

// EnvSlice converts a map environment to a sorted KEY=VALUE slice.
func EnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}
