// onekvm-gadgetctl is a small inspection/debug binary for bringing the
// USB composite gadget up on real hardware without the out-of-scope
// HTTP admin API: enable/disable/status subcommands wrapping
// internal/otg/gadget.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&statusCmd{}, "")
	subcommands.Register(&enableCmd{}, "")
	subcommands.Register(&disableCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
