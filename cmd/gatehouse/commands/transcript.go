// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
	"github.com/gatehouse-project/gatehouse/lib/transcript"
)

func transcriptCommand() *cli.Command {
	return &cli.Command{
		Name:    "transcript",
		Summary: "inspect and archive session transcripts",
		Subcommands: []*cli.Command{
			transcriptShowCommand(),
			transcriptArchiveCommand(),
		},
	}
}

func transcriptShowCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "show",
		Summary: "print a session's turns",
		Usage:   "gatehouse transcript show <agent-id> <session-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected an agent id and a session id")
			}
			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}

			turns, err := transcript.NewStore(cfg.Paths.Transcripts, slog.Default()).Read(args[0], args[1])
			if err != nil {
				return err
			}
			for _, turn := range turns {
				fmt.Printf("[%s %s] %s\n", turn.TS.Format("15:04:05"), turn.Role, turn.Content)
				for _, call := range turn.ToolCalls {
					fmt.Printf("  tool call %s (%s)\n", call.Name, call.CallID)
				}
			}
			return nil
		},
	}
}

func transcriptArchiveCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "archive",
		Summary: "compress a closed session's transcript",
		Usage:   "gatehouse transcript archive <agent-id> <session-id> [flags]",
		Description: "archive compresses the session's JSONL into a tagged archive file\n" +
			"and removes the original. Do not archive a session that still has\n" +
			"runs in flight.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("archive", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected an agent id and a session id")
			}
			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}

			path, err := transcript.NewStore(cfg.Paths.Transcripts, slog.Default()).Archive(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("archived to %s\n", path)
			return nil
		},
	}
}
