// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the gatehouse CLI tree.
package commands

import (
	"fmt"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
	"github.com/gatehouse-project/gatehouse/lib/version"
)

// Root returns the top-level gatehouse command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "gatehouse",
		Summary: "operate a gatehouse agent gateway",
		Description: "gatehouse administers a gatehouse daemon: device pairing and\n" +
			"approval, exec request review, agent runs, and sealed secrets.\n\n" +
			"Commands that work on the database directly read the daemon's\n" +
			"configuration from --config or GATEHOUSE_CONFIG. Commands that talk\n" +
			"to a running daemon additionally need --device and --secret-file.",
		Subcommands: []*cli.Command{
			deviceCommand(),
			agentCommand(),
			execCommand(),
			statusCommand(),
			runCommand(),
			transcriptCommand(),
			secretsCommand(),
			{
				Name:    "version",
				Summary: "print version information",
				Run: func(args []string) error {
					fmt.Printf("gatehouse %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
