// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

func runCommand() *cli.Command {
	var flags clientFlags
	var sessionID string
	var timeout time.Duration
	return &cli.Command{
		Name:    "run",
		Summary: "run an agent and stream its output",
		Usage:   "gatehouse run <agent-id> <prompt> [flags]",
		Examples: []cli.Example{
			{Description: "ask the clerk agent a question", Command: `gatehouse run clerk "summarize today's exec requests" --device adm-laptop --secret-file ~/.gatehouse-secret`},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&sessionID, "session", "", "session id (defaults to the agent's default session)")
			flagSet.DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time to wait for the run")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("expected an agent id and a prompt")
			}
			agentID := args[0]
			prompt := strings.Join(args[1:], " ")

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			params := wire.AgentRunParams{AgentID: agentID, SessionID: sessionID, Prompt: prompt}
			var result wire.AgentRunResult
			if err := c.CallIdempotent(ctx, wire.MethodAgentRun, params, &result, ""); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "run %s started (session %s)\n", result.RunID, result.SessionID)

			for {
				select {
				case frame, ok := <-c.Events():
					if !ok {
						return fmt.Errorf("connection closed before the run finished")
					}
					done, err := printRunEvent(frame, result.RunID)
					if err != nil {
						return err
					}
					if done {
						return nil
					}
				case <-ctx.Done():
					return fmt.Errorf("timed out waiting for run %s", result.RunID)
				}
			}
		},
	}
}

// printRunEvent renders one event for the watched run. Returns done
// when the run has reached a terminal event.
func printRunEvent(frame *wire.Frame, runID string) (bool, error) {
	switch frame.Event {
	case wire.EventAgentDelta:
		var delta wire.DeltaEventData
		if err := frame.DecodeData(&delta); err != nil || delta.RunID != runID {
			return false, nil
		}
		fmt.Print(delta.Text)
	case wire.EventAgentToolCall:
		var call wire.ToolCallEventData
		if err := frame.DecodeData(&call); err != nil || call.RunID != runID {
			return false, nil
		}
		fmt.Fprintf(os.Stderr, "\n[tool %s: %dms]\n", call.Tool, call.DurationMS)
	case wire.EventAgentTurnComplete:
		var turn wire.TurnCompleteEventData
		if err := frame.DecodeData(&turn); err != nil || turn.RunID != runID {
			return false, nil
		}
		fmt.Println()
		fmt.Fprintf(os.Stderr, "run complete: %d iterations, %d in / %d out tokens\n",
			turn.Iterations, turn.InputTokens, turn.OutputTokens)
		return true, nil
	case wire.EventAgentError:
		var failure wire.ErrorEventData
		if err := frame.DecodeData(&failure); err != nil || failure.RunID != runID {
			return false, nil
		}
		if failure.Error != nil {
			return true, fmt.Errorf("run failed: %s", failure.Error.Message)
		}
		return true, fmt.Errorf("run failed")
	}
	return false, nil
}
