//go:build linux

package main

import (
	"context"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/vessel/vessel"
)

// StatusCmd creates the status command, which reports whether a runtime is
// in use by a running launch.
func StatusCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")

	return &Command{
		Flags: flags,
		Usage: "status [runtime]",
		Short: "Show whether a runtime is in use",
		Long: "Print \"in use\" if a running launch holds the runtime locked, \"idle\"\n" +
			"otherwise. Defaults to the configured runtime.",
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			root := cfg.Runtime

			switch len(args) {
			case 0:
			case 1:
				root = args[0]
			default:
				return usageErrorf("expected at most one runtime, got %d", len(args))
			}

			if root == "" {
				return usageErrorf("no runtime given")
			}

			inUse, err := vessel.ProbeInUse(root)
			if err != nil {
				return err
			}

			if inUse {
				fprintln(stdout, root+": in use")
			} else {
				fprintln(stdout, root+": idle")
			}

			return nil
		},
	}
}
