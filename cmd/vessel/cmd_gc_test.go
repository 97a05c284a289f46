//go:build linux

package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/vessel/lock"
)

func Test_GC_Removes_Unused_Copies_And_Keeps_Locked_Ones(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile("var/tmp-unused/files/usr/bin/tool", "tool")
	c.WriteFile("var/tmp-used/files/.ref", "")

	l, err := lock.Acquire(c.Path("var/tmp-used/files/.ref"), lock.Flags(0))
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = l.Release() }()

	c.MustRun("gc", "--variable-dir", c.Path("var"))

	_, err = os.Stat(c.Path("var/tmp-unused"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("unused copy still present: %v", err)
	}

	_, err = os.Stat(c.Path("var/tmp-used/files"))
	if err != nil {
		t.Errorf("locked copy removed: %v", err)
	}
}

func Test_GC_Uses_Configured_Variable_Dir(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.Mkdir("var/tmp-stale/files")
	c.WriteFile("config/vessel/config.yml", "variable_dir: "+c.Path("var")+"\n")

	c.MustRun("gc")

	_, err := os.Stat(filepath.Join(c.Path("var"), "tmp-stale"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stale copy still present: %v", err)
	}
}

func Test_GC_Returns_Usage_Code_Without_Variable_Dir(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFailWith(exitUsage, "gc")

	AssertContains(t, stderr, "--variable-dir is required")
}
