//go:build linux

package vessel_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/vessel/lock"
	"github.com/calvinalkan/vessel/vessel"
)

func Test_New_Runs_Against_Locked_Mutable_Copy_When_CopyRuntime(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	variable := t.TempDir()

	opts := f.options()
	opts.CopyRuntime = true
	opts.VariableDir = variable

	rt, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	root := rt.Root()
	assert.Equal(t, "files", filepath.Base(root))
	assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(root)), "tmp-"), root)
	assert.Equal(t, variable, filepath.Dir(filepath.Dir(root)))

	assert.FileExists(t, filepath.Join(root, "usr/lib/x86_64-linux-gnu/libc.so.6"))

	lib, err := os.Readlink(filepath.Join(root, "lib"))
	require.NoError(t, err)
	assert.Equal(t, "usr/lib", lib)

	inUse, err := vessel.ProbeInUse(root)
	require.NoError(t, err)
	assert.True(t, inUse, "copy must be locked")

	inUse, err = vessel.ProbeInUse(f.runtime)
	require.NoError(t, err)
	assert.False(t, inUse, "source is released once the copy is locked")

	source, err := os.Stat(filepath.Join(f.runtime, ".ref"))
	require.NoError(t, err)

	copied, err := os.Stat(filepath.Join(root, ".ref"))
	require.NoError(t, err)
	assert.False(t, os.SameFile(source, copied), "the copy needs its own lock file")

	result, err := rt.Assemble(t.Context())
	require.NoError(t, err)

	usr, ok := findMount(result.Plan.Mounts(), "/usr")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "usr"), usr.Src)
}

func Test_New_Copies_Merged_Usr_Runtime_Into_Sysroot_Layout(t *testing.T) {
	f := newFixture(t)

	mustWriteFile(t, filepath.Join(f.runtime, "lib/x86_64-linux-gnu/ld-linux-x86-64.so.2"), "ld.so")
	mustSymlink(t, "../lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", filepath.Join(f.runtime, "lib64/ld-linux-x86-64.so.2"))
	mustWriteFile(t, filepath.Join(f.runtime, "share/doc/README"), "doc")

	opts := f.options()
	opts.CopyRuntime = true
	opts.VariableDir = t.TempDir()

	rt, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Cleanup() })

	root := rt.Root()
	assert.FileExists(t, filepath.Join(root, "usr/share/doc/README"))
	assert.FileExists(t, filepath.Join(root, ".ref"))
	assert.NoFileExists(t, filepath.Join(root, "usr/.ref"))

	lib64, err := os.Readlink(filepath.Join(root, "lib64"))
	require.NoError(t, err)
	assert.Equal(t, "usr/lib64", lib64)

	_, err = os.Lstat(filepath.Join(root, "share"))
	assert.True(t, os.IsNotExist(err), "only bin, sbin and lib* get top-level links")
}

func Test_GarbageCollect_Deletes_Only_Unlocked_Copies(t *testing.T) {
	t.Parallel()

	variable := t.TempDir()

	idle := filepath.Join(variable, "tmp-idle")
	busy := filepath.Join(variable, "tmp-busy")
	partial := filepath.Join(variable, "tmp-partial")
	unrelated := filepath.Join(variable, "keep")

	mustWriteFile(t, filepath.Join(idle, "files/.ref"), "")
	mustWriteFile(t, filepath.Join(idle, "files/usr/lib/libfoo.so"), "x")
	require.NoError(t, os.Chmod(filepath.Join(idle, "files/usr/lib"), 0o555))
	mustWriteFile(t, filepath.Join(busy, "files/.ref"), "")
	mustMkdirAll(t, partial)
	mustMkdirAll(t, unrelated)

	reader, err := lock.Acquire(filepath.Join(busy, "files/.ref"), 0)
	require.NoError(t, err)

	t.Cleanup(func() { _ = reader.Release() })

	require.NoError(t, vessel.GarbageCollect(variable, nil))

	assert.NoDirExists(t, idle)
	assert.NoDirExists(t, partial)
	assert.DirExists(t, busy)
	assert.DirExists(t, unrelated)
	assert.FileExists(t, filepath.Join(variable, ".ref"))
}

func Test_GarbageCollect_Collects_Copy_After_Runtime_Cleanup(t *testing.T) {
	f := newFixture(t)
	f.sysrootRuntime(t)

	variable := t.TempDir()

	opts := f.options()
	opts.CopyRuntime = true
	opts.VariableDir = variable

	rt, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	copyDir := filepath.Dir(rt.Root())

	require.NoError(t, vessel.GarbageCollect(variable, nil))
	assert.DirExists(t, copyDir, "copy in use must survive")

	require.NoError(t, rt.Cleanup())

	opts.GC = true

	next, err := vessel.New(t.Context(), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = next.Cleanup() })

	assert.NoDirExists(t, copyDir)
	assert.DirExists(t, filepath.Dir(next.Root()))
}

func Test_ProbeInUse_Reports_Idle_Runtime_Without_Lock_File(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "usr"))

	inUse, err := vessel.ProbeInUse(root)
	require.NoError(t, err)
	assert.False(t, inUse)

	_, err = vessel.ProbeInUse(filepath.Join(root, "missing"))
	require.ErrorIs(t, err, vessel.ErrNotFound)
}
