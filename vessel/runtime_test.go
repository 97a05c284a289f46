//go:build linux

package vessel_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/vessel/lock"
	"github.com/calvinalkan/vessel/sandbox"
	"github.com/calvinalkan/vessel/vessel"
)

// Tests here execute helper scripts written moments earlier and do not run
// in parallel.

func Test_Assemble_Uses_Runtime_Libc_When_Provider_Has_None(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	require.Len(t, result.Arches, 1)
	assert.Equal(t, "x86_64-linux-gnu", result.Arches[0].Target.Tuple)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", result.Arches[0].LDSOInContainer)
	assert.False(t, result.AnyHostLibc)
	assert.False(t, result.AllHostLibc)

	mounts := result.Plan.Mounts()

	usr, ok := findMount(mounts, "/usr")
	require.True(t, ok)
	assert.Equal(t, sandbox.RoBind(filepath.Join(f.runtime, "usr"), "/usr"), usr)

	lib, ok := findMount(mounts, "/lib")
	require.True(t, ok)
	assert.Equal(t, sandbox.Symlink("usr/lib", "/lib"), lib)

	_, ok = findMount(mounts, "/usr/lib/locale")
	assert.False(t, ok, "locale data must come from the runtime")

	_, ok = findMount(mounts, "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2")
	assert.False(t, ok, "runtime keeps its own dynamic linker")

	libraryPath, ok := result.Plan.Lookup("LD_LIBRARY_PATH")
	require.True(t, ok)
	assert.Equal(t, "/overrides/lib/x86_64-linux-gnu", libraryPath)

	path, _ := result.Plan.Lookup("PATH")
	assert.Equal(t, "/usr/bin:/bin", path)

	for _, unset := range []string{"LOCPATH", "VDPAU_DRIVER_PATH", "LIBGL_DRIVERS_PATH", "__EGL_VENDOR_LIBRARY_FILENAMES", "VK_ICD_FILENAMES"} {
		_, ok := result.Plan.Lookup(unset)
		assert.False(t, ok, unset)
	}

	platform, ok := findMount(mounts, "/overrides/lib/x86_64")
	require.True(t, ok)
	assert.Equal(t, sandbox.Symlink("x86_64-linux-gnu", "/overrides/lib/x86_64"), platform)

	require.NoError(t, result.Plan.CheckOrder())

	args, err := result.Plan.Args()
	require.NoError(t, err)
	mustContainArg(t, args, "--ro-bind", filepath.Join(f.runtime, "usr"), "/usr")
	mustContainArg(t, args, "--symlink", "usr/lib", "/lib")

	assert.Contains(t, f.calls(t), "--container "+f.runtime+" ")
}

func Test_Assemble_Binds_Host_Dynamic_Linker_And_Locales_When_Libc_Comes_From_Host(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)
	f.hostLibc(t)

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	assert.True(t, result.AnyHostLibc)
	assert.True(t, result.AllHostLibc)

	mounts := result.Plan.Mounts()

	ldso, ok := findMount(mounts, "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2")
	require.True(t, ok)
	assert.Equal(t, sandbox.RoBind(filepath.Join(f.provider, "lib64/ld-linux-x86-64.so.2"), "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2"), ldso)

	locale, ok := findMount(mounts, "/usr/lib/locale")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.provider, "usr/lib/locale"), locale.Src)

	gconv, ok := findMount(mounts, "/usr/lib/x86_64-linux-gnu/gconv")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.provider, "usr/lib/x86_64-linux-gnu/gconv"), gconv.Src)

	libc, ok := findMount(mounts, "/overrides/lib/x86_64-linux-gnu/libc.so.6")
	require.True(t, ok)
	assert.Equal(t, sandbox.Symlink("/run/host/usr/lib/x86_64-linux-gnu/libc.so.6", "/overrides/lib/x86_64-linux-gnu/libc.so.6"), libc)

	require.NoError(t, result.Plan.CheckOrder())
}

func Test_Assemble_Uses_Host_Locales_When_Only_Some_Architectures_Take_Host_Libc(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)
	f.hostLibc(t)
	mustWriteFile(t, filepath.Join(f.runtime, "usr/lib/ld-linux.so.2"), "runtime i386 ld.so")

	var logs bytes.Buffer

	opts := f.options()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rt, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	require.Len(t, result.Arches, 2)
	assert.True(t, result.AnyHostLibc)
	assert.False(t, result.AllHostLibc)
	assert.Contains(t, logs.String(), vessel.ErrInconsistentLibc.Error())

	mounts := result.Plan.Mounts()

	locale, ok := findMount(mounts, "/usr/lib/locale")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.provider, "usr/lib/locale"), locale.Src)

	_, ok = findMount(mounts, "/usr/lib/ld-linux.so.2")
	assert.False(t, ok, "i386 keeps the runtime's dynamic linker")

	require.NoError(t, result.Plan.CheckOrder())
}

func Test_Assemble_Fails_With_UnsupportedArchitecture_When_Runtime_Has_No_Dynamic_Linker(t *testing.T) {
	f := newFixture(t)
	mustMkdirAll(t, filepath.Join(f.runtime, "usr/lib"))

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.ErrorIs(t, err, vessel.ErrUnsupportedArchitecture)
	assert.Nil(t, result)

	var archErr *vessel.UnsupportedArchitectureError
	require.ErrorAs(t, err, &archErr)
	assert.Equal(t, []string{"x86_64-linux-gnu", "i386-linux-gnu"}, archErr.Tried)
	assert.Contains(t, err.Error(), "x86_64-linux-gnu, i386-linux-gnu")

	_, err = os.Stat(filepath.Join(f.tools, "calls.log"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "no capture may run")
}

func Test_Assemble_Can_Only_Run_Once(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	_, err = rt.Assemble(t.Context())
	require.NoError(t, err)

	_, err = rt.Assemble(t.Context())
	require.Error(t, err)
}

func Test_Assemble_Handles_Merged_Usr_Runtime(t *testing.T) {
	f := newFixture(t)

	mustWriteFile(t, filepath.Join(f.runtime, "lib/x86_64-linux-gnu/ld-linux-x86-64.so.2"), "ld.so")
	mustSymlink(t, "../lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", filepath.Join(f.runtime, "lib64/ld-linux-x86-64.so.2"))
	mustMkdirAll(t, filepath.Join(f.runtime, "bin"))
	mustMkdirAll(t, filepath.Join(f.runtime, "share"))

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	sysroot := filepath.Join(rt.ScratchDir(), "sysroot")

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	require.Len(t, result.Arches, 1)
	assert.Equal(t, "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", result.Arches[0].LDSOInContainer)

	mounts := result.Plan.Mounts()

	var layout []sandbox.Mount

	for _, dst := range []string{"/usr", "/.ref", "/bin", "/lib", "/lib64"} {
		m, ok := findMount(mounts, dst)
		require.True(t, ok, dst)

		layout = append(layout, m)
	}

	want := []sandbox.Mount{
		sandbox.RoBind(f.runtime, "/usr"),
		sandbox.Symlink("usr/.ref", "/.ref"),
		sandbox.Symlink("usr/bin", "/bin"),
		sandbox.Symlink("usr/lib", "/lib"),
		sandbox.Symlink("usr/lib64", "/lib64"),
	}
	if diff := cmp.Diff(want, layout); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}

	_, ok := findMount(mounts, "/share")
	assert.False(t, ok)

	assert.Contains(t, f.calls(t), "--container "+sysroot+" ")
}

func Test_Assemble_Rewrites_EGL_Manifest_For_Absolute_Host_Driver(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	mustWriteFile(t, filepath.Join(f.provider, "opt/vendor/libEGL_x.so"), "elf")
	mustWriteFile(t, filepath.Join(f.provider, "etc/glvnd/egl_vendor.d/50_vendor.json"),
		`{"file_format_version": "1.0.0", "ICD": {"library_path": "/opt/vendor/libEGL_x.so"}}`)

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	const manifest = "/overrides/share/glvnd/egl_vendor.d/0-x86_64-linux-gnu.json"

	filenames, ok := result.Plan.Lookup("__EGL_VENDOR_LIBRARY_FILENAMES")
	require.True(t, ok)
	assert.Equal(t, manifest, filenames)

	mounts := result.Plan.Mounts()

	data, ok := findMount(mounts, manifest)
	require.True(t, ok)
	assert.Equal(t, sandbox.MountRoBindData, data.Kind)
	assert.Contains(t, string(data.Data), `"/overrides/lib/x86_64-linux-gnu/glvnd/0/libEGL_x.so"`)

	driver, ok := findMount(mounts, "/overrides/lib/x86_64-linux-gnu/glvnd/0/libEGL_x.so")
	require.True(t, ok)
	assert.Equal(t, sandbox.Symlink("/run/host/opt/vendor/libEGL_x.so", "/overrides/lib/x86_64-linux-gnu/glvnd/0/libEGL_x.so"), driver)

	vendorDir, ok := findMount(mounts, "/run/host/opt/vendor")
	require.True(t, ok)
	assert.Equal(t, sandbox.RoBind(filepath.Join(f.provider, "opt/vendor"), "/run/host/opt/vendor"), vendorDir)

	require.NoError(t, result.Plan.CheckOrder())
}

func Test_Assemble_Sets_LOCPATH_Only_When_Locale_Generation_Succeeds(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		f.sysrootRuntime(t)

		tool := filepath.Join(f.tools, "locale-gen")
		mustWriteExecutable(t, tool, "#!/bin/sh\nmkdir -p \"$2/en_US.UTF-8\"\n")

		opts := f.options()
		opts.LocaleGenTool = tool

		rt, err := vessel.New(t.Context(), opts)
		require.NoError(t, err)

		t.Cleanup(func() { _ = rt.Cleanup() })

		result, err := rt.Assemble(t.Context())
		require.NoError(t, err)

		locpath, ok := result.Plan.Lookup("LOCPATH")
		require.True(t, ok)
		assert.Equal(t, "/overrides/locales", locpath)

		_, ok = findMount(result.Plan.Mounts(), "/overrides/locales/en_US.UTF-8")
		assert.True(t, ok)
	})

	t.Run("Failure", func(t *testing.T) {
		f := newFixture(t)
		f.sysrootRuntime(t)

		tool := filepath.Join(f.tools, "locale-gen")
		mustWriteExecutable(t, tool, "#!/bin/sh\necho broken >&2\nexit 1\n")

		opts := f.options()
		opts.LocaleGenTool = tool

		rt, err := vessel.New(t.Context(), opts)
		require.NoError(t, err)

		t.Cleanup(func() { _ = rt.Cleanup() })

		result, err := rt.Assemble(t.Context())
		require.NoError(t, err)

		_, ok := result.Plan.Lookup("LOCPATH")
		assert.False(t, ok)

		_, ok = findMount(result.Plan.Mounts(), "/overrides/locales")
		assert.False(t, ok)
	})

	t.Run("TooManyFiles", func(t *testing.T) {
		f := newFixture(t)
		f.sysrootRuntime(t)

		tool := filepath.Join(f.tools, "locale-gen")
		mustWriteExecutable(t, tool, `#!/bin/sh
i=0
while [ $i -le 256 ]; do
	mkdir -p "$2/l$i"
	: > "$2/l$i/LC_CTYPE"
	i=$((i+1))
done
`)

		opts := f.options()
		opts.LocaleGenTool = tool

		rt, err := vessel.New(t.Context(), opts)
		require.NoError(t, err)

		t.Cleanup(func() { _ = rt.Cleanup() })

		result, err := rt.Assemble(t.Context())
		require.NoError(t, err)

		_, ok := result.Plan.Lookup("LOCPATH")
		assert.False(t, ok)

		for _, m := range result.Plan.Mounts() {
			assert.NotContains(t, m.Dst, "/overrides/locales")
		}
	})
}

func Test_Assemble_Binds_Shared_Paths_That_Exist(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)
	mustMkdirAll(t, filepath.Join(f.hostRoot, "srv/games"))

	opts := f.options()
	opts.SharedPaths = []string{"/srv/games", "/srv/missing"}

	rt, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	mounts := result.Plan.Mounts()

	shared, ok := findMount(mounts, "/srv/games")
	require.True(t, ok)
	assert.Equal(t, sandbox.Bind("/srv/games", "/srv/games"), shared)

	_, ok = findMount(mounts, "/srv/missing")
	assert.False(t, ok)
}

func Test_Runtime_Holds_Lock_Until_Cleanup(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	rt, err := vessel.New(t.Context(), f.options())
	require.NoError(t, err)

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	args, err := result.Plan.Args()
	require.NoError(t, err)
	assert.True(t, containsAny(args, "--sync-fd", "--lock-file"), "lock must be handed to the executor: %q", args)

	inUse, err := vessel.ProbeInUse(f.runtime)
	require.NoError(t, err)
	assert.True(t, inUse)

	require.NoError(t, rt.RemoveScratch())
	assert.NoDirExists(t, rt.ScratchDir())

	require.NoError(t, rt.Cleanup())
	require.NoError(t, rt.Cleanup())

	inUse, err = vessel.ProbeInUse(f.runtime)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func Test_New_Fails_With_Busy_When_Runtime_Is_Write_Locked(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	writer, err := lock.Acquire(filepath.Join(f.runtime, ".ref"), lock.Create|lock.Write)
	require.NoError(t, err)

	t.Cleanup(func() { _ = writer.Release() })

	_, err = vessel.New(t.Context(), f.options())
	require.ErrorIs(t, err, lock.ErrBusy)

	entries, err := os.ReadDir(f.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "no scratch directory without the lock")
}

func Test_New_Reports_Missing_Or_Malformed_Runtime(t *testing.T) {
	f := newFixture(t)

	opts := f.options()
	opts.SourceRoot = filepath.Join(f.runtime, "missing")

	_, err := vessel.New(t.Context(), opts)
	require.ErrorIs(t, err, vessel.ErrNotFound)

	mustWriteFile(t, filepath.Join(f.runtime, "file"), "x")
	opts.SourceRoot = filepath.Join(f.runtime, "file")

	_, err = vessel.New(t.Context(), opts)
	require.ErrorIs(t, err, vessel.ErrNotADirectory)

	mustWriteFile(t, filepath.Join(f.runtime, "usr"), "not a directory")
	opts.SourceRoot = f.runtime

	_, err = vessel.New(t.Context(), opts)
	require.ErrorIs(t, err, vessel.ErrNotADirectory)
}

func Test_New_Rejects_Invalid_Options(t *testing.T) {
	t.Parallel()

	_, err := vessel.New(t.Context(), vessel.Options{
		CopyRuntime: true,
		SharedPaths: []string{"/usr/share", "relative", "/lib64/x", "/run/host", "/run/host/home"},
	})
	require.Error(t, err)

	for _, want := range []string{
		"runtime path is required",
		"variable directory is required",
		`shared path "/usr/share"`,
		`shared path "relative" is not absolute`,
		`shared path "/lib64/x"`,
		`shared path "/run/host" overlaps the provider`,
		`shared path "/run/host/home" overlaps the provider`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func containsAny(args []string, wants ...string) bool {
	for _, arg := range args {
		for _, want := range wants {
			if arg == want {
				return true
			}
		}
	}

	return false
}
