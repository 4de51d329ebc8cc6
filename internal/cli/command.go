package cli

import (
	"context"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one admin verb (format, check, status), with unified
// flag parsing and help generation.
type Command struct {
	// Flags defines command-specific flags. The FlagSet's own name
	// is unused; command identity comes from Usage.
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "govdo" in
	// help, e.g. "format --device <path> --physical-blocks <n>".
	Usage string

	// Short is a one-line description for the top-level help
	// listing.
	Short string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine is the short help line shown in the top-level listing.
func (c *Command) HelpLine() string {
	return "  " + c.Usage + "\n      " + c.Short
}

// Run parses flags and executes the command, returning an exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		o.ErrPrintln("error:", err)
		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}
	return 0
}
