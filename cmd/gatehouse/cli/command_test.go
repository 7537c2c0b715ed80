// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "gatehouse",
		Subcommands: []*Command{
			{
				Name: "status",
				Run: func(args []string) error {
					called = "status"
					return nil
				},
			},
			{
				Name: "device",
				Run: func(args []string) error {
					called = "device"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"device"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "device" {
		t.Errorf("dispatched to %q, want %q", called, "device")
	}
}

func TestCommand_Execute_NestedSubcommands(t *testing.T) {
	var receivedArgs []string

	root := &Command{
		Name: "gatehouse",
		Subcommands: []*Command{
			{
				Name: "device",
				Subcommands: []*Command{
					{
						Name: "approve",
						Run: func(args []string) error {
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute([]string{"device", "approve", "laptop-amy"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "laptop-amy" {
		t.Errorf("args = %v, want [laptop-amy]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var role string
	var positional []string

	command := &Command{
		Name: "pair",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pair", pflag.ContinueOnError)
			flagSet.StringVar(&role, "role", "", "device role")
			return flagSet
		},
		Run: func(args []string) error {
			positional = args
			return nil
		},
	}

	if err := command.Execute([]string{"laptop-amy", "--role", "client"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if role != "client" {
		t.Errorf("role = %q, want %q", role, "client")
	}
	if len(positional) != 1 || positional[0] != "laptop-amy" {
		t.Errorf("positional args = %v, want [laptop-amy]", positional)
	}
}

func TestCommand_Execute_SuggestsCommand(t *testing.T) {
	root := &Command{
		Name: "gatehouse",
		Subcommands: []*Command{
			{Name: "device", Run: func([]string) error { return nil }},
			{Name: "status", Run: func([]string) error { return nil }},
		},
	}

	err := root.Execute([]string{"devcie"})
	if err == nil {
		t.Fatal("Execute() accepted an unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "device"`) {
		t.Errorf("error %q does not suggest the close match", err)
	}
}

func TestCommand_Execute_SuggestsFlag(t *testing.T) {
	command := &Command{
		Name: "revoke",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("revoke", pflag.ContinueOnError)
			flagSet.String("reason", "", "reason")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}

	err := command.Execute([]string{"--reson", "lost"})
	if err == nil {
		t.Fatal("Execute() accepted an unknown flag")
	}
	if !strings.Contains(err.Error(), "--reason") {
		t.Errorf("error %q does not suggest --reason", err)
	}
}

func TestCommand_Execute_GroupWithoutSubcommandFails(t *testing.T) {
	root := &Command{
		Name:        "gatehouse",
		Subcommands: []*Command{{Name: "device", Run: func([]string) error { return nil }}},
	}

	if err := root.Execute(nil); err == nil {
		t.Fatal("Execute() on a bare group did not error")
	}
}

func TestCommand_PrintHelp_ListsSubcommands(t *testing.T) {
	root := &Command{
		Name:    "gatehouse",
		Summary: "operate a gatehouse agent gateway",
		Subcommands: []*Command{
			{Name: "device", Summary: "manage devices"},
			{Name: "status", Summary: "show daemon status"},
		},
	}

	var out bytes.Buffer
	root.PrintHelp(&out)
	help := out.String()

	for _, want := range []string{"device", "manage devices", "status", "show daemon status"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q:\n%s", want, help)
		}
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"device", "device", 0},
		{"devcie", "device", 2},
		{"aprove", "approve", 1},
		{"status", "run", 6},
	}
	for _, c := range cases {
		if got := editDistance(c.a, c.b); got != c.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
