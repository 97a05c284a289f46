//go:build linux

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/vessel/vessel"
)

// GCCmd creates the gc command, which deletes runtime copies no launch is
// using.
func GCCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("gc", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("variable-dir", "", "Directory holding mutable runtime copies")

	return &Command{
		Flags: flags,
		Usage: "gc [flags]",
		Short: "Delete unused runtime copies",
		Long: "Delete every mutable runtime copy that no running launch holds locked.\n" +
			"This includes copies left behind by launches that were forced to exit.",
		Exec: func(_ context.Context, _ io.Reader, _, _ io.Writer, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unexpected argument %q", args[0])
			}

			dir := cfg.VariableDir
			if flags.Changed("variable-dir") {
				dir, _ = flags.GetString("variable-dir")
			}

			if dir == "" {
				return usageErrorf("--variable-dir is required")
			}

			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			return vessel.GarbageCollect(abs, logger)
		},
	}
}
