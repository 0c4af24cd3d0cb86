package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/mofeng-git/One-KVM-sub001/internal/otg/configfs"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/gadget"
)

type statusCmd struct {
	name string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "report ConfigFS/UDC/gadget bind state" }
func (*statusCmd) Usage() string {
	return "status [-name gadget-name]\n\nPrint whether ConfigFS is mounted, which UDC is available, and\nwhether the named gadget exists and is bound.\n"
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "one-kvm", "gadget name under ConfigFS")
}

func (c *statusCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !configfs.IsAvailable() {
		fmt.Println("configfs: not mounted")
		return subcommands.ExitFailure
	}
	fmt.Println("configfs: mounted")

	udc := configfs.FindUDC()
	if udc == "" {
		fmt.Println("udc: none available")
	} else {
		fmt.Printf("udc: %s\n", udc)
	}

	m := gadget.New(c.name)
	if !m.Exists() {
		fmt.Printf("gadget %q: not created\n", c.name)
		return subcommands.ExitSuccess
	}
	fmt.Printf("gadget %q: created\n", c.name)
	if m.IsBound() {
		fmt.Println("bind: bound")
	} else {
		fmt.Println("bind: unbound")
	}
	return subcommands.ExitSuccess
}
