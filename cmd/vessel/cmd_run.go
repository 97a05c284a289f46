//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/calvinalkan/vessel/vessel"
)

// ErrNoCommand is returned when run is called without a program.
var ErrNoCommand = errors.New("no command specified")

// RunCmd creates the run command, which assembles the container and executes
// a program in it.
func RunCmd(cfg *Config, env map[string]string, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.StringP("runtime", "r", "", "Runtime `dir` (sysroot or merged /usr)")
	flags.String("variable-dir", "", "Directory for mutable runtime copies")
	flags.Bool("copy-runtime", false, "Run against a private mutable copy of the runtime")
	flags.Bool("gc", false, "Delete unused runtime copies first")
	flags.Bool("lock-wait", false, "Wait for the runtime lock instead of failing")
	flags.Bool("single-thread", false, "Capture one architecture at a time")
	flags.String("tools-dir", "", "Directory holding the capture helpers")
	flags.String("provider", "", "Root graphics drivers are taken from")
	flags.String("host-root", "/", "Root host integration files are looked up in")
	flags.String("executor", "", "Sandbox executor")
	flags.String("locale-gen", "", "Tool generating missing locales")
	flags.String("tmpdir", "", "Parent of the per-launch scratch directory")
	flags.StringArray("share", nil, "Bind host `path` read-write (repeatable)")
	flags.Bool("dry-run", false, "Print the executor command without running it")

	return &Command{
		Flags: flags,
		Usage: "run [flags] <command> [args]",
		Short: "Run a program in the runtime",
		Long: "Assemble a container from the runtime, the host's graphics drivers and\n" +
			"host integration files, then run the program in it.\n\n" +
			"A forced exit after an interrupt skips cleanup. The scratch directory\n" +
			"(vessel-* under the temporary directory) stays behind, and so does any\n" +
			"runtime copy until the next 'vessel gc'.",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: %w", errUsage, ErrNoCommand)
			}

			merged := applyRunFlags(*cfg, flags)
			if merged.Runtime == "" {
				return usageErrorf("--runtime is required")
			}

			opts, err := runOptions(merged, flags, env, logger)
			if err != nil {
				return err
			}

			dryRun, _ := flags.GetBool("dry-run")

			return runInRuntime(ctx, opts, merged.Executor, args, dryRun, env, stdin, stdout, stderr)
		},
	}
}

// applyRunFlags layers explicitly set flags over cfg.
func applyRunFlags(cfg Config, flags *flag.FlagSet) Config {
	override := Config{}

	for name, dst := range map[string]*string{
		"runtime":      &override.Runtime,
		"variable-dir": &override.VariableDir,
		"tools-dir":    &override.ToolsDir,
		"provider":     &override.Provider,
		"executor":     &override.Executor,
		"locale-gen":   &override.LocaleGen,
		"tmpdir":       &override.TmpDir,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	for name, dst := range map[string]**bool{
		"copy-runtime":  &override.CopyRuntime,
		"gc":            &override.GC,
		"lock-wait":     &override.LockWait,
		"single-thread": &override.SingleThread,
	} {
		if flags.Changed(name) {
			value, _ := flags.GetBool(name)
			*dst = boolPtr(value)
		}
	}

	if flags.Changed("share") {
		override.Share, _ = flags.GetStringArray("share")
	}

	return mergeConfigs(&cfg, &override)
}

// runOptions converts the merged configuration to runtime options. Relative
// paths are taken relative to the working directory.
func runOptions(cfg Config, flags *flag.FlagSet, env map[string]string, logger *slog.Logger) (vessel.Options, error) {
	hostRoot, _ := flags.GetString("host-root")

	opts := vessel.Options{
		HostRoot:      hostRoot,
		CopyRuntime:   boolValue(cfg.CopyRuntime),
		GC:            boolValue(cfg.GC) && boolValue(cfg.CopyRuntime),
		LockWait:      boolValue(cfg.LockWait),
		SingleThread:  boolValue(cfg.SingleThread),
		LocaleGenTool: cfg.LocaleGen,
		HostEnv:       env,
		Logger:        logger,
	}

	for _, p := range []struct {
		dst *string
		src string
	}{
		{&opts.SourceRoot, cfg.Runtime},
		{&opts.VariableDir, cfg.VariableDir},
		{&opts.ToolsDir, cfg.ToolsDir},
		{&opts.TmpRoot, cfg.TmpDir},
		{&opts.ProviderHostPath, cfg.Provider},
	} {
		if p.src == "" {
			continue
		}

		abs, err := filepath.Abs(p.src)
		if err != nil {
			return vessel.Options{}, fmt.Errorf("resolving %s: %w", p.src, err)
		}

		*p.dst = abs
	}

	opts.ProviderCurrentPath = opts.ProviderHostPath

	for _, share := range cfg.Share {
		abs, err := filepath.Abs(share)
		if err != nil {
			return vessel.Options{}, fmt.Errorf("resolving %s: %w", share, err)
		}

		opts.SharedPaths = append(opts.SharedPaths, abs)
	}

	return opts, nil
}

// runInRuntime assembles the container and either prints or executes it.
// The runtime lock is handed to the executor once it has started.
func runInRuntime(
	ctx context.Context,
	opts vessel.Options,
	executor string,
	argv []string,
	dryRun bool,
	env map[string]string,
	stdin io.Reader,
	stdout, stderr io.Writer,
) (err error) {
	rt, err := vessel.New(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, rt.Cleanup())
	}()

	result, err := rt.Assemble(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		planArgs, err := result.Plan.Args()
		if err != nil {
			return err
		}

		if executor == "" {
			executor = sandbox.DefaultExecutor
		}

		printDryRunOutput(stdout, executor, planArgs, argv)

		return nil
	}

	// Executing consumes the plan; the ro-bind-data files carry the overrides
	// manifests from here on.
	cmd, closeData, err := result.Plan.Command(context.WithoutCancel(ctx), executor, argv)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, closeData())
	}()

	err = rt.RemoveScratch()
	if err != nil {
		return err
	}

	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = sandbox.EnvSlice(env)

	exitCode, err := ExecuteSandbox(ctx, cmd, func() {
		_ = closeData()
		_ = rt.Cleanup()
	})
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if exitCode != 0 {
		return &childExitError{code: exitCode}
	}

	return nil
}

// printDryRunOutput prints the executor command in a form that can be pasted
// into a shell. ro-bind-data descriptors are not open in that shell.
func printDryRunOutput(output io.Writer, executor string, planArgs []string, command []string) {
	fprintf(output, "%s \\\n", shellQuoteIfNeeded(executor))

	for _, arg := range planArgs {
		fprintf(output, "  %s \\\n", shellQuoteIfNeeded(arg))
	}

	fprintf(output, "  --")

	for _, arg := range command {
		fprintf(output, " %s", shellQuoteIfNeeded(arg))
	}

	fprintln(output)
}

// shellQuoteIfNeeded returns str single-quoted if it contains characters the
// shell would interpret.
func shellQuoteIfNeeded(str string) string {
	if str == "" {
		return "''"
	}

	if strings.IndexFunc(str, func(c rune) bool { return !isShellSafeChar(c) }) < 0 {
		return str
	}

	return "'" + strings.ReplaceAll(str, "'", `'"'"'`) + "'"
}

func isShellSafeChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == ':' || c == '=' || c == ','
}
