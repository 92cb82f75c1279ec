package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

var errUnterminatedQuote = errors.New("unterminated quote or escape")

// lineReader is the part of liner.State the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads lines from a non-terminal input without prompting.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (r *scanReader) AppendHistory(string) {}

func (r *scanReader) Close() error { return nil }

func (a *app) cmdShell() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Group: groupSession,
		Args:  exactArgs(0),
		Short: "Interactive shell running dv commands",
		Long: "Start an interactive shell. Each line is a dv command without the leading 'dv'.\n" +
			"Type 'help' for commands and 'exit' to leave.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.runShell(ctx, o)
		},
	}
}

func (a *app) runShell(ctx context.Context, o *IO) error {
	var (
		lr          lineReader
		interactive bool
	)

	if f, ok := o.in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		st := liner.NewLiner()
		st.SetCtrlCAborts(true)
		st.SetCompleter(a.completer)

		if path := a.historyFile(); path != "" {
			if hf, err := os.Open(path); err == nil {
				_, _ = st.ReadHistory(hf)
				_ = hf.Close()
			}
		}

		lr = st
		interactive = true

		defer a.saveHistory(st)
	} else {
		lr = &scanReader{sc: bufio.NewScanner(o.in)}
	}

	defer func() { _ = lr.Close() }()

	if interactive {
		o.Printf("dv shell (%s)\n", a.cfg.DataDirAbs)
		o.Println("Type 'help' for available commands.")
	}

	for ctx.Err() == nil {
		line, err := lr.Prompt("dv> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				if interactive {
					o.Println("Bye!")
				}

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lr.AppendHistory(line)

		args, err := splitArgs(line)
		if err != nil {
			o.ErrPrintln("error:", err)

			continue
		}

		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "exit", "quit", "q":
			return nil
		case "shell":
			o.ErrPrintln("error: already in a shell")

			continue
		}

		// Commands inside the shell never read the shell's own input.
		a.dispatch(ctx, NewIO(nil, o.out, o.errOut), args)
	}

	return ctx.Err()
}

func (a *app) completer(line string) []string {
	var out []string

	for _, cmd := range a.commands() {
		if strings.HasPrefix(cmd.Name(), line) {
			out = append(out, cmd.Name())
		}
	}

	return out
}

func (a *app) historyFile() string {
	home := a.env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".dv_history")
}

func (a *app) saveHistory(st *liner.State) {
	path := a.historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		a.logger.Debug("save shell history", "error", err)

		return
	}

	defer func() { _ = f.Close() }()

	_, err = st.WriteHistory(f)
	if err != nil {
		a.logger.Debug("save shell history", "error", err)
	}
}

// splitArgs splits a line into words with POSIX-like quoting. A word
// starting with # begins a comment.
func splitArgs(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnterminatedQuote, err)
	}

	return args, nil
}
