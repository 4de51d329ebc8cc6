// Package cli implements govdo's admin command line: format/check/
// status verbs against a backing file, grounded on
// calvinalkan-agent-task/internal/cli's Command/flag dispatch
// pattern. Unlike that package's multi-command ticket tool, govdo's
// verbs all operate on a single backing device rather than a
// per-invocation working directory, so there is no global-vs-project
// config precedence chain to resolve here; --config simply names the
// device config file to use.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dm-vdo/govdo/pkg/zonerun"
)

// Run is the CLI entry point, returning a process exit code.
func Run(out, errOut io.Writer, args []string) int {
	commands := []*Command{
		FormatCmd(),
		CheckCmd(),
		StatusCmd(),
	}

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	cmdIO := NewIO(out, errOut)

	if len(args) < 2 {
		printUsage(cmdIO, commands)
		return 1
	}

	name := args[1]
	if name == "-h" || name == "--help" {
		printUsage(cmdIO, commands)
		return 0
	}

	cmd, ok := commandMap[name]
	if !ok {
		cmdIO.ErrPrintln("error: unknown command:", name)
		printUsage(cmdIO, commands)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// The chosen verb runs as zonerun's single root task: govdo is a
	// one-shot admin tool rather than a long-running set of zones, so
	// it never spawns siblings or dependencies, but RunLocal is still
	// the right fit (over a bare goroutine) because it is exactly the
	// "bounded set of zones, no process teardown on completion" entry
	// point its own doc comment describes.
	var exitCode int
	done := make(chan error, 1)
	go func() {
		done <- zonerun.RunLocal(ctx, func(taskCtx context.Context, _, _ zonerun.Group) error {
			exitCode = cmd.Run(taskCtx, cmdIO, args[2:])
			return nil
		})
	}()

	select {
	case <-done:
		return exitCode
	case <-sigCh:
		cmdIO.ErrPrintln("interrupted, shutting down")
		cancel()
		return 130
	}
}

func printUsage(o *IO, commands []*Command) {
	o.Println("govdo - deduplicating thin-provisioned block storage admin tool")
	o.Println()
	o.Println("Usage: govdo <command> [flags]")
	o.Println()
	o.Println("Commands:")
	for _, cmd := range commands {
		o.Println(cmd.HelpLine())
	}
}
