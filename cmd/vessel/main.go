//go:build linux

// Command vessel assembles a per-launch container around a packaged runtime
// and the host's graphics drivers, and runs a program in it.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Set by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environ(os.Environ()), sigCh))
}

func environ(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if ok {
			env[name] = value
		}
	}

	return env
}
