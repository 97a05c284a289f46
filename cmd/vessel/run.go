//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("vessel", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagVersion := globalFlags.BoolP("version", "v", false, "Show version and exit")
	flagConfig := globalFlags.String("config", "", "Use specified config `file`")
	flagVerbose := globalFlags.Bool("verbose", false, "Log every assembly step")

	err := globalFlags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr)

		return exitUsage
	}

	if *flagVersion {
		if commit == "none" && date == "unknown" {
			fprintf(stdout, "vessel %s (built from source)\n", version)
		} else {
			fprintf(stdout, "vessel %s (%s, %s)\n", version, commit, date)
		}

		return exitOK
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := LoadConfig(LoadConfigInput{
		ConfigPath: *flagConfig,
		Env:        env,
	})
	if err != nil {
		fprintError(stderr, err)

		return exitFailure
	}

	logger := newLogger(stderr, *flagVerbose || env["VESSEL_DEBUG"] != "")

	commands := []*Command{
		RunCmd(&cfg, env, logger),
		StatusCmd(&cfg),
		GCCmd(&cfg, logger),
	}

	commandMap := make(map[string]*Command, len(commands)*2)
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases {
			commandMap[alias] = cmd
		}
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(stdout, commands)

		return exitOK
	}

	cmd, ok := commandMap[commandAndArgs[0]]
	if !ok {
		fprintError(stderr, fmt.Errorf("unknown command %q", commandAndArgs[0]))
		fprintln(stderr)
		printGlobalOptions(stderr)

		return exitUsage
	}

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, commandAndArgs[1:])
	}()

	if sigCh == nil {
		return <-done
	}

	select {
	case exitCode := <-done:
		return exitCode
	case <-sigCh:
		fprintln(stderr, "Interrupted, waiting up to 10s for cleanup... (Ctrl+C again to force exit)")
		cancel()
	}

	// The timeout and second signal return without waiting for the deferred
	// cleanup. Runtime copies left this way are removed by gc.
	select {
	case <-done:
		fprintln(stderr, "Cleanup complete.")

		return exitInterrupted
	case <-time.After(10 * time.Second):
		fprintln(stderr, "Cleanup timed out, forced exit.")

		return exitInterrupted
	case <-sigCh:
		fprintln(stderr, "Forced exit.")

		return exitInterrupted
	}
}

// newLogger logs to output as text, at debug level when verbose.
func newLogger(output io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message, in red when stderr is a terminal.
func fprintError(output io.Writer, err error) {
	if IsTerminal() {
		fprintln(output, colorRed+"error:"+colorReset, err)
	} else {
		fprintln(output, "error:", err)
	}
}

const globalOptionsHelp = `  -h, --help             Show help
  -v, --version          Show version and exit
      --config <file>    Use specified config file
      --verbose          Log every assembly step (also: VESSEL_DEBUG=1)`

func printGlobalOptions(output io.Writer) {
	fprintln(output, "Usage: vessel [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Run 'vessel --help' for a list of commands.")
}

func printUsage(output io.Writer, commands []*Command) {
	fprintln(output, "vessel - run programs in a packaged runtime with the host's graphics drivers")
	fprintln(output)
	fprintln(output, "Usage: vessel [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, "Run 'vessel <command> --help' for more information on a command.")
}

// isTerminal reports whether stderr is a terminal. Tests override it.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// IsTerminal reports whether error output should be coloured.
func IsTerminal() bool {
	return isTerminal()
}
