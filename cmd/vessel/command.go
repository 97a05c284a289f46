//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit fails a command whose output already explains why.
var ErrSilentExit = errors.New("silent exit")

// Command is one subcommand of the CLI.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's entry in the global help.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-10s %s", c.Name(), c.Short)
}

// PrintHelp writes the command's full help.
func (c *Command) PrintHelp(output io.Writer) {
	fprintln(output, "Usage: vessel "+c.Usage)
	fprintln(output)
	fprintln(output, c.Long)
	fprintln(output)
	fprintln(output, "Flags:")
	fprintf(output, "%s", c.Flags.FlagUsages())
}

// Run parses args and executes the command, returning the exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.PrintHelp(stderr)

		return exitUsage
	}

	if help, _ := c.Flags.GetBool("help"); help {
		c.PrintHelp(stdout)

		return exitOK
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err != nil && !errors.Is(err, ErrSilentExit) && !isChildExit(err) {
		fprintError(stderr, err)
	}

	return exitCodeFor(err)
}
