//go:build linux

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// CLI runs the command line in-process against a private temp directory.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLITester creates a CLI whose HOME and XDG_CONFIG_HOME point into a temp
// directory, so no user configuration is picked up.
func NewCLITester(t *testing.T) *CLI {
	t.Helper()

	dir := t.TempDir()

	return &CLI{
		t:   t,
		Dir: dir,
		Env: map[string]string{
			"HOME":            dir,
			"XDG_CONFIG_HOME": filepath.Join(dir, "config"),
			"PATH":            os.Getenv("PATH"),
		},
	}
}

// Run executes the CLI with args and returns stdout, stderr and the exit code.
func (c *CLI) Run(args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	code := Run(nil, &outBuf, &errBuf, append([]string{"vessel"}, args...), c.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test on a non-zero exit. Returns
// trimmed stdout.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFailWith executes the CLI and fails the test unless it exits with
// want. Returns trimmed stderr.
func (c *CLI) MustFailWith(want int, args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != want {
		c.t.Fatalf("command %v: exit code = %d, want %d\nstdout: %s\nstderr: %s", args, code, want, stdout, stderr)
	}

	return strings.TrimSpace(stderr)
}

// Path returns relPath inside the test directory.
func (c *CLI) Path(relPath string) string {
	return filepath.Join(c.Dir, relPath)
}

// WriteFile writes content to a file in the test directory.
func (c *CLI) WriteFile(relPath, content string) {
	c.t.Helper()

	path := c.Path(relPath)

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir for %s: %v", relPath, err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		c.t.Fatalf("failed to write file %s: %v", relPath, err)
	}
}

// WriteExecutable writes a script in the test directory. The short sleep
// lets the kernel drop the write reference before the script is executed.
func (c *CLI) WriteExecutable(relPath, content string) {
	c.t.Helper()

	c.WriteFile(relPath, content)

	err := os.Chmod(c.Path(relPath), 0o755)
	if err != nil {
		c.t.Fatalf("failed to chmod %s: %v", relPath, err)
	}

	time.Sleep(10 * time.Millisecond)
}

// Mkdir creates a directory in the test directory.
func (c *CLI) Mkdir(relPath string) {
	c.t.Helper()

	err := os.MkdirAll(c.Path(relPath), 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir %s: %v", relPath, err)
	}
}

// Symlink creates relPath pointing at target.
func (c *CLI) Symlink(target, relPath string) {
	c.t.Helper()

	c.Mkdir(filepath.Dir(relPath))

	err := os.Symlink(target, c.Path(relPath))
	if err != nil {
		c.t.Fatalf("failed to symlink %s: %v", relPath, err)
	}
}

// FakeRuntime lays out an x86_64 sysroot runtime, an empty provider, an
// empty host root and a tools directory whose capture helper finds nothing.
// Returns the runtime path.
func (c *CLI) FakeRuntime() string {
	c.t.Helper()

	if runtime.GOARCH != "amd64" {
		c.t.Skipf("fake runtime is x86_64, running on %s", runtime.GOARCH)
	}

	c.WriteFile("runtime/usr/lib/x86_64-linux-gnu/libc.so.6", "runtime libc")
	c.WriteFile("runtime/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", "runtime ld.so")
	c.Symlink("../lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", "runtime/usr/lib64/ld-linux-x86-64.so.2")
	c.Mkdir("runtime/usr/bin")
	c.Symlink("usr/lib", "runtime/lib")
	c.Symlink("usr/lib64", "runtime/lib64")
	c.Symlink("usr/bin", "runtime/bin")

	c.Mkdir("provider/usr")
	c.Mkdir("host")
	c.WriteExecutable("tools/x86_64-linux-gnu-capsule-capture-libs", "#!/bin/sh\nexit 0\n")

	return c.Path("runtime")
}

// RunFlags are the flags pointing run at the fake runtime's companions.
func (c *CLI) RunFlags() []string {
	return []string{
		"--runtime", c.Path("runtime"),
		"--provider", c.Path("provider"),
		"--host-root", c.Path("host"),
		"--tools-dir", c.Path("tools"),
		"--tmpdir", c.Dir,
	}
}

// AssertContains fails the test if s does not contain substr.
func AssertContains(t *testing.T, s, substr string) {
	t.Helper()

	if !strings.Contains(s, substr) {
		t.Errorf("output does not contain %q\noutput:\n%s", substr, s)
	}
}

// AssertNotContains fails the test if s contains substr.
func AssertNotContains(t *testing.T, s, substr string) {
	t.Helper()

	if strings.Contains(s, substr) {
		t.Errorf("output contains %q\noutput:\n%s", substr, s)
	}
}
