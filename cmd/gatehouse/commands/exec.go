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
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

func execCommand() *cli.Command {
	return &cli.Command{
		Name:    "exec",
		Summary: "review and resolve node execution requests",
		Subcommands: []*cli.Command{
			execListCommand(),
			execDecideCommand("approve", true),
			execDecideCommand("deny", false),
		},
	}
}

func execListCommand() *cli.Command {
	var cfgFlags configFlags
	var state string
	var limit int
	return &cli.Command{
		Name:    "list",
		Summary: "list execution requests",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			flagSet.StringVar(&state, "state", "pending", "filter: pending, approved, denied, completed, or all")
			flagSet.IntVar(&limit, "limit", 50, "maximum rows")
			return flagSet
		},
		Run: func(args []string) error {
			var filter store.ExecState
			switch state {
			case "all":
			case "pending", "approved", "denied", "completed":
				filter = store.ExecState(state)
			default:
				return fmt.Errorf("invalid --state %q", state)
			}

			st, _, err := cfgFlags.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			execs, err := st.ListExecs(context.Background(), filter, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "EXEC\tNODE\tREQUESTED BY\tSTATE\tCOMMAND")
			for _, exec := range execs {
				command := exec.Command
				for _, arg := range exec.Args {
					command += " " + arg
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					exec.ExecID, exec.NodeDeviceID, exec.RequestedBy, exec.State, command)
			}
			return tw.Flush()
		},
	}
}

// execDecideCommand builds approve and deny, which differ only in the
// verdict they submit.
func execDecideCommand(name string, approve bool) *cli.Command {
	var flags clientFlags
	var reason string
	return &cli.Command{
		Name:    name,
		Summary: name + " a pending execution request",
		Usage:   fmt.Sprintf("gatehouse exec %s <exec-id> [flags]", name),
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&reason, "reason", "", "reason recorded with the decision")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one exec id argument")
			}
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			params := wire.ExecApproveParams{ExecID: args[0], Approve: approve, Reason: reason}
			var result wire.ExecApproveResult
			if err := c.CallIdempotent(ctx, wire.MethodExecApprove, params, &result, ""); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", result.ExecID, result.State)
			return nil
		},
	}
}
