// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:    "agent",
		Summary: "inspect configured agents",
		Subcommands: []*cli.Command{
			agentListCommand(),
			agentSessionsCommand(),
		},
	}
}

func agentListCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "list",
		Summary: "list agents from the catalog",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			st, _, err := cfgFlags.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			agents, err := st.ListAgents(context.Background())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tPROVIDER\tMODEL\tSESSION MODE")
			for _, agent := range agents {
				agent.Normalize()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					agent.ID, agent.Provider, agent.Model, agent.SessionMode)
			}
			return tw.Flush()
		},
	}
}

func agentSessionsCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "sessions",
		Summary: "list an agent's sessions",
		Usage:   "gatehouse agent sessions <agent-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one agent id argument")
			}
			st, _, err := cfgFlags.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.ListSessions(context.Background(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTURNS\tLAST ACTIVE")
			for _, session := range sessions {
				fmt.Fprintf(tw, "%s\t%d\t%s\n",
					session.SessionID, session.TurnCount,
					session.LastActiveAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}
