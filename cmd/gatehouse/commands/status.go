// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

func statusCommand() *cli.Command {
	var flags clientFlags
	return &cli.Command{
		Name:    "status",
		Summary: "show a running daemon's status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var status wire.StatusResult
			if err := c.Call(ctx, wire.MethodStatusGet, nil, &status); err != nil {
				return err
			}

			fmt.Printf("version:        %s\n", status.ServerVersion)
			fmt.Printf("uptime:         %s\n", (time.Duration(status.UptimeSec) * time.Second).String())
			fmt.Printf("active runs:    %d\n", status.ActiveRuns)
			fmt.Printf("sessions:       %d\n", status.Sessions)
			fmt.Printf("events dropped: %d\n", status.EventsDropped)
			fmt.Printf("connections:\n")
			for role, count := range status.Connections {
				fmt.Printf("  %s: %d\n", role, count)
			}
			return nil
		},
	}
}
