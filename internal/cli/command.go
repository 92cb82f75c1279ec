package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Help sections, listed in this order by "dv help".
const (
	groupDocuments = "Documents"
	groupTags      = "Tags"
	groupBlobs     = "Blobs"
	groupLibrary   = "Library"
	groupSession   = "Session"
)

var helpGroups = []string{groupDocuments, groupTags, groupBlobs, groupLibrary, groupSession}

var errArgCount = errors.New("wrong number of arguments")

// ArgsFunc validates the positional arguments left after flag parsing.
type ArgsFunc func(c *Command, args []string) error

// Command is one dv subcommand. A fresh set is built per dispatch, so
// flag values never carry over between shell lines.
type Command struct {
	// Flags holds the command's own flags; nil means none.
	Flags *flag.FlagSet

	// Usage follows "dv" in help output and starts with the command name,
	// e.g. "show <id> [flags]".
	Usage string

	// Group is the help section the command is listed under.
	Group string

	Short string
	Long  string

	// Args checks positional arguments before Exec. nil accepts any.
	Args ArgsFunc

	Exec func(ctx context.Context, o *IO, args []string) error
}

func exactArgs(n int) ArgsFunc {
	return rangeArgs(n, n)
}

func minArgs(n int) ArgsFunc {
	return rangeArgs(n, -1)
}

// rangeArgs accepts between lo and hi arguments; hi < 0 means no upper bound.
func rangeArgs(lo, hi int) ArgsFunc {
	return func(c *Command, args []string) error {
		if len(args) < lo || (hi >= 0 && len(args) > hi) {
			return fmt.Errorf("%w: usage: dv %s", errArgCount, c.Usage)
		}

		return nil
	}
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's row in the "dv help" listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp writes "dv <cmd> --help" output to stdout.
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: dv", c.Usage)
	o.Println()

	if c.Long != "" {
		o.Println(c.Long)
	} else {
		o.Println(c.Short)
	}

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", c.Flags.FlagUsages())
}

// Run parses args, validates them and executes the command. Errors go to
// stderr prefixed with "error:"; a flag error also prints the command help.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	rest := c.Flags.Args()

	if c.Args != nil {
		err = c.Args(c, rest)
	}

	if err == nil {
		err = c.Exec(ctx, o, rest)
	}

	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}

// groupCommands buckets cmds by help section, keeping table order within
// each section.
func groupCommands(cmds []*Command) map[string][]*Command {
	out := make(map[string][]*Command, len(helpGroups))

	for _, cmd := range cmds {
		out[cmd.Group] = append(out[cmd.Group], cmd)
	}

	return out
}
