package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// errHelp is returned after help was printed on request.
var errHelp = errors.New("help requested")

// command is one node of the CLI tree. Leaf commands set Run; inner
// commands set subcommands.
type command struct {
	name    string
	summary string
	usage   string
	// flags builds the command's flag set. It is called once per run.
	flags       func() *pflag.FlagSet
	run         func(fs *pflag.FlagSet, args []string) error
	subcommands []*command
}

func (c *command) execute(args []string, out io.Writer) error {
	if len(args) > 0 && isHelp(args[0]) {
		c.printHelp(out)
		return errHelp
	}
	if len(c.subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.printHelp(out)
			return errors.New("subcommand required")
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				return sub.execute(args[1:], out)
			}
		}
		return fmt.Errorf("unknown command %q, run '%s --help' for usage", args[0], c.name)
	}

	fs := pflag.NewFlagSet(c.name, pflag.ContinueOnError)
	if c.flags != nil {
		fs = c.flags()
	}
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.printHelp(out)
			return errHelp
		}
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return c.run(fs, fs.Args())
}

func (c *command) printHelp(out io.Writer) {
	if c.usage != "" {
		_, _ = fmt.Fprintf(out, "Usage: %s\n", c.usage)
	}
	if c.summary != "" {
		_, _ = fmt.Fprintf(out, "\n%s\n", c.summary)
	}
	if len(c.subcommands) > 0 {
		_, _ = fmt.Fprintln(out, "\nCommands:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, sub := range c.subcommands {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		_ = tw.Flush()
	}
	if c.flags != nil {
		_, _ = fmt.Fprintf(out, "\nFlags:\n%s", c.flags().FlagUsages())
	}
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
