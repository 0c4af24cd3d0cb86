package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/mofeng-git/One-KVM-sub001/internal/otg/gadget"
)

type enableCmd struct {
	name    string
	kbd     bool
	mouse   bool
	msd     bool
	consCtl bool
}

func (*enableCmd) Name() string     { return "enable" }
func (*enableCmd) Synopsis() string { return "create, configure, and bind the composite gadget" }
func (*enableCmd) Usage() string {
	return "enable [-name gadget-name] [-kbd] [-mouse] [-msd] [-consumer]\n\nCreates the ConfigFS tree for the requested functions, links them into\nthe single configuration, and binds to the first available UDC.\n"
}

func (c *enableCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "one-kvm", "gadget name under ConfigFS")
	f.BoolVar(&c.kbd, "kbd", true, "include a keyboard HID function")
	f.BoolVar(&c.mouse, "mouse", true, "include an absolute-pointer mouse HID function")
	f.BoolVar(&c.msd, "msd", true, "include a mass-storage function")
	f.BoolVar(&c.consCtl, "consumer", false, "include a consumer-control HID function")
}

func (c *enableCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m := gadget.New(c.name)

	if c.kbd {
		if _, err := m.AddKeyboard(); err != nil {
			fmt.Println("add keyboard:", err)
			return subcommands.ExitFailure
		}
	}
	if c.mouse {
		if _, err := m.AddMouseAbsolute(); err != nil {
			fmt.Println("add mouse:", err)
			return subcommands.ExitFailure
		}
	}
	if c.consCtl {
		if _, err := m.AddConsumerControl(); err != nil {
			fmt.Println("add consumer control:", err)
			return subcommands.ExitFailure
		}
	}
	if c.msd {
		if _, err := m.AddMSD(); err != nil {
			fmt.Println("add mass storage:", err)
			return subcommands.ExitFailure
		}
	}

	if err := m.Setup(); err != nil {
		fmt.Println("setup:", err)
		return subcommands.ExitFailure
	}
	if err := m.Bind(); err != nil {
		fmt.Println("bind:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("gadget %q enabled\n", c.name)
	return subcommands.ExitSuccess
}

type disableCmd struct {
	name  string
	purge bool
}

func (*disableCmd) Name() string     { return "disable" }
func (*disableCmd) Synopsis() string { return "unbind and optionally remove the composite gadget" }
func (*disableCmd) Usage() string {
	return "disable [-name gadget-name] [-purge]\n\nClears the gadget's UDC attribute. With -purge, also removes the\nentire ConfigFS tree so the next enable starts from scratch.\n"
}

func (c *disableCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "one-kvm", "gadget name under ConfigFS")
	f.BoolVar(&c.purge, "purge", false, "remove the ConfigFS tree after unbinding")
}

func (c *disableCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	m := gadget.New(c.name)

	if err := m.Unbind(); err != nil {
		fmt.Println("unbind:", err)
		return subcommands.ExitFailure
	}

	if c.purge {
		if err := m.Cleanup(); err != nil {
			fmt.Println("cleanup:", err)
			return subcommands.ExitFailure
		}
	}

	fmt.Printf("gadget %q disabled\n", c.name)
	return subcommands.ExitSuccess
}
