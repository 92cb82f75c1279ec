// Package cli implements the dv command-line front end.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/docvault/internal/config"
	"github.com/calvinalkan/docvault/pkg/library"
)

// app carries what every command needs.
type app struct {
	cfg    config.Config
	lib    *library.Library
	logger *slog.Logger
	env    map[string]string
}

// Run is the main entry point. Returns exit code.
// sigCh may be nil; a signal on it cancels the running command.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("dv", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	dataDir := globals.String("data-dir", "", "Override data directory")
	logLevel := globals.String("log-level", "", "Log level (debug|info|warn|error)")
	help := globals.BoolP("help", "h", false, "Show help")

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	err := globals.Parse(rest)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, nil)

		return 1
	}

	rest = globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, nil)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride:  *workDir,
		ConfigPath:       *configPath,
		DataDirOverride:  *dataDir,
		HasDataDir:       globals.Changed("data-dir"),
		LogLevelOverride: *logLevel,
		Env:              env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Debug("signal received", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	a := &app{
		cfg:    cfg,
		lib:    library.New(cfg.LibraryOptions(logger)),
		logger: logger,
		env:    env,
	}

	defer func() {
		closeErr := a.lib.Close()
		if closeErr != nil {
			logger.Error("close library", "error", closeErr)
		}
	}()

	return a.dispatch(ctx, NewIO(in, out, errOut), rest)
}

// dispatch runs one command line. The shell calls it for every input line.
func (a *app) dispatch(ctx context.Context, o *IO, args []string) int {
	name := args[0]

	if name == "help" {
		printUsage(o.out, a.commands())

		return 0
	}

	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			code := cmd.Run(ctx, o, args[1:])
			if code != 0 {
				return code
			}

			return o.Finish()
		}
	}

	fprintln(o.errOut, "error: unknown command:", name)
	printUsage(o.errOut, nil)

	return 1
}

// commands builds a fresh command table so flag state never leaks between
// shell lines.
func (a *app) commands() []*Command {
	return []*Command{
		a.cmdAdd(),
		a.cmdShow(),
		a.cmdLs(),
		a.cmdSearch(),
		a.cmdUpdate(),
		a.cmdRm(),
		a.cmdTags(),
		a.cmdTagAdd(),
		a.cmdTagRm(),
		a.cmdBlobPut(),
		a.cmdBlobGet(),
		a.cmdBlobLs(),
		a.cmdBlobRm(),
		a.cmdHistory(),
		a.cmdSettings(),
		a.cmdExport(),
		a.cmdImport(),
		a.cmdClear(),
		a.cmdUsage(),
		a.cmdStats(),
		a.cmdSweep(),
		a.cmdShell(),
		a.cmdPrintConfig(),
	}
}

// record appends an action to the library history. Failures are logged and
// never fail the command.
func (a *app) record(ctx context.Context, action string, data any) {
	_, err := a.lib.RecordHistory(ctx, action, data)
	if err != nil {
		a.logger.Warn("record history", "action", action, "error", err)
	}
}

func printUsage(w io.Writer, cmds []*Command) {
	if cmds == nil {
		cmds = (&app{}).commands()
	}

	fprintln(w, "dv - embedded knowledge document store")
	fprintln(w)
	fprintln(w, "Usage: dv [global flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, "  -C, --cwd <dir>              Run as if started in <dir>")
	fprintln(w, "  -c, --config <file>          Use specified config file")
	fprintln(w, "      --data-dir <dir>         Override data directory")
	fprintln(w, "      --log-level <level>      debug|info|warn|error")
	fprintln(w)

	groups := groupCommands(cmds)

	for _, g := range helpGroups {
		fprintln(w, g+":")

		for _, cmd := range groups[g] {
			fprintln(w, cmd.HelpLine())
		}

		fprintln(w)
	}

	fprintln(w, "Run 'dv <command> --help' for command flags.")
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
