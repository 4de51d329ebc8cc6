// Command govdo is the admin CLI for the deduplicating,
// thin-provisioned block-storage metadata engine implemented by this
// module: format/check/status verbs against a backing file.
package main

import (
	"os"

	"github.com/dm-vdo/govdo/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdout, os.Stderr, os.Args))
}
