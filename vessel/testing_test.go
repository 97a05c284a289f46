//go:build linux

package vessel_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/vessel/graphics"
	"github.com/calvinalkan/vessel/sandbox"
	"github.com/calvinalkan/vessel/vessel"
)

// fakeCaptureHelper imitates capsule-capture-libs: it logs its arguments and
// symlinks libraries that exist below --provider into --dest. Only the
// x86_64 layout is known to it.
const fakeCaptureHelper = `#!/bin/sh
set -eu
printf '%s\n' "$*" >> "$(dirname "$0")/calls.log"
dest= provider= link=
while [ $# -gt 0 ]; do
	case "$1" in
		--container) shift 2 ;;
		--link-target) link=$2; shift 2 ;;
		--dest) dest=$2; shift 2 ;;
		--provider) provider=$2; shift 2 ;;
		*) break ;;
	esac
done
for pattern in "$@"; do
	case "$pattern" in
		only-dependencies:*) ;;
		*path:*)
			lib=${pattern##*path:}
			if [ -e "$provider$lib" ]; then ln -sf "$link$lib" "$dest/$(basename "$lib")"; fi ;;
		*soname:*)
			name=${pattern##*soname:}
			if [ -e "$provider/usr/lib/x86_64-linux-gnu/$name" ]; then ln -sf "$link/usr/lib/x86_64-linux-gnu/$name" "$dest/$name"; fi ;;
	esac
done
`

// fixture is a runtime, a provider standing in for the host and a tools
// directory with fake capture helpers.
type fixture struct {
	runtime  string
	provider string
	hostRoot string
	tools    string
	tmp      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		runtime:  t.TempDir(),
		provider: t.TempDir(),
		hostRoot: t.TempDir(),
		tools:    t.TempDir(),
		tmp:      t.TempDir(),
	}

	mustMkdirAll(t, filepath.Join(f.provider, "usr"))
	mustWriteExecutable(t, filepath.Join(f.tools, "x86_64-linux-gnu-capsule-capture-libs"), fakeCaptureHelper)
	mustWriteExecutable(t, filepath.Join(f.tools, "i386-linux-gnu-capsule-capture-libs"), "#!/bin/sh\nexit 0\n")

	return f
}

// sysrootRuntime lays out a usr-merged x86_64 sysroot with its own libc.
func (f *fixture) sysrootRuntime(t *testing.T) {
	t.Helper()

	mustWriteFile(t, filepath.Join(f.runtime, "usr/lib/x86_64-linux-gnu/libc.so.6"), "runtime libc")
	mustWriteFile(t, filepath.Join(f.runtime, "usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2"), "runtime ld.so")
	mustMkdirAll(t, filepath.Join(f.runtime, "usr/lib64"))
	mustSymlink(t, "../lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", filepath.Join(f.runtime, "usr/lib64/ld-linux-x86-64.so.2"))
	mustMkdirAll(t, filepath.Join(f.runtime, "usr/bin"))
	mustMkdirAll(t, filepath.Join(f.runtime, "usr/lib/locale"))
	mustSymlink(t, "usr/lib", filepath.Join(f.runtime, "lib"))
	mustSymlink(t, "usr/lib64", filepath.Join(f.runtime, "lib64"))
	mustSymlink(t, "usr/bin", filepath.Join(f.runtime, "bin"))
}

// hostLibc gives the provider a newer libc, its dynamic linker and locale
// data.
func (f *fixture) hostLibc(t *testing.T) {
	t.Helper()

	mustWriteFile(t, filepath.Join(f.provider, "usr/lib/x86_64-linux-gnu/libc.so.6"), "host libc")
	mustWriteFile(t, filepath.Join(f.provider, "lib64/ld-linux-x86-64.so.2"), "host ld.so")
	mustMkdirAll(t, filepath.Join(f.provider, "usr/lib/locale"))
	mustMkdirAll(t, filepath.Join(f.provider, "usr/lib/x86_64-linux-gnu/gconv"))
	mustMkdirAll(t, filepath.Join(f.runtime, "usr/lib/x86_64-linux-gnu/gconv"))
}

func (f *fixture) options() vessel.Options {
	x86, _ := graphics.TargetByTuple("x86_64-linux-gnu")
	i386, _ := graphics.TargetByTuple("i386-linux-gnu")

	return vessel.Options{
		SourceRoot:          f.runtime,
		ProviderHostPath:    f.provider,
		ProviderCurrentPath: f.provider,
		HostRoot:            f.hostRoot,
		ToolsDir:            f.tools,
		TmpRoot:             f.tmp,
		HostEnv:             map[string]string{},
		Targets:             []graphics.Target{x86, i386},
	}
}

func (f *fixture) calls(t *testing.T) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.tools, "calls.log"))
	require.NoError(t, err)

	return string(data)
}

func findMount(mounts []sandbox.Mount, dst string) (sandbox.Mount, bool) {
	for _, m := range mounts {
		if m.Dst == dst {
			return m, true
		}
	}

	return sandbox.Mount{}, false
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(path, 0o755))
}

func mustWriteFile(t *testing.T, path, data string) {
	t.Helper()

	mustMkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func mustSymlink(t *testing.T, target, path string) {
	t.Helper()

	mustMkdirAll(t, filepath.Dir(path))
	require.NoError(t, os.Symlink(target, path))
}

// mustWriteExecutable syncs and closes the script before anything can
// execute it.
func mustWriteExecutable(t *testing.T, path, content string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	require.NoError(t, err)

	_, err = f.WriteString(content)
	if err != nil {
		_ = f.Close()
	}

	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	time.Sleep(10 * time.Millisecond)
}

func mustContainArg(t *testing.T, args []string, want ...string) {
	t.Helper()

	joined := "\x00" + strings.Join(args, "\x00") + "\x00"
	require.Contains(t, joined, "\x00"+strings.Join(want, "\x00")+"\x00", "args: %q", args)
}
