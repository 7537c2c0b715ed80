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
	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

func deviceCommand() *cli.Command {
	return &cli.Command{
		Name:    "device",
		Summary: "pair, approve, revoke, and list devices",
		Subcommands: []*cli.Command{
			devicePairCommand(),
			deviceApproveCommand(),
			deviceRevokeCommand(),
			deviceListCommand(),
		},
	}
}

func devicePairCommand() *cli.Command {
	var cfgFlags configFlags
	var role string
	return &cli.Command{
		Name:    "pair",
		Summary: "register a new device and print its pairing secret",
		Usage:   "gatehouse device pair <device-id> --role <client|node|admin> [flags]",
		Description: "pair generates a pairing secret, stores the derived verify key, and\n" +
			"prints the secret exactly once. The secret itself is never stored;\n" +
			"losing it means pairing again. The device stays pending until\n" +
			"'gatehouse device approve' admits it.",
		Examples: []cli.Example{
			{Description: "pair a laptop as a client", Command: "gatehouse device pair laptop-amy --role client"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pair", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			flagSet.StringVar(&role, "role", "", "device role: client, node, or admin (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one device id argument")
			}
			deviceID := args[0]
			deviceRole := wire.Role(role)
			if !deviceRole.Valid() {
				return fmt.Errorf("--role must be client, node, or admin")
			}

			secret, err := auth.GeneratePairingSecret()
			if err != nil {
				return err
			}
			verifyKey, err := auth.DeriveVerifyKey([]byte(secret), deviceID)
			if err != nil {
				return err
			}

			st, _, err := cfgFlags.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.PairDevice(ctx, deviceID, deviceRole, verifyKey); err != nil {
				return err
			}

			fmt.Printf("paired %s as %s (pending approval)\n\n", deviceID, deviceRole)
			fmt.Printf("pairing secret (shown once, store it on the device):\n%s\n", secret)
			return nil
		},
	}
}

func deviceApproveCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "approve",
		Summary: "admit a pending device",
		Usage:   "gatehouse device approve <device-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("approve", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one device id argument")
			}
			st, _, err := cfgFlags.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.ApproveDevice(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("approved %s\n", args[0])
			return nil
		},
	}
}

func deviceRevokeCommand() *cli.Command {
	var flags clientFlags
	var reason string
	var offline bool
	return &cli.Command{
		Name:    "revoke",
		Summary: "revoke a device and close its connections",
		Usage:   "gatehouse device revoke <device-id> [flags]",
		Description: "revoke goes through the running daemon so the device's live\n" +
			"connections close immediately. With --offline it writes directly to\n" +
			"the database instead, for when the daemon is stopped.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("revoke", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&reason, "reason", "", "reason recorded in the audit trail")
			flagSet.BoolVar(&offline, "offline", false, "revoke in the database without contacting the daemon")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one device id argument")
			}
			deviceID := args[0]
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()

			if offline {
				st, _, err := flags.openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.RevokeDevice(ctx, deviceID, reason); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", deviceID)
				return nil
			}

			c, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var result wire.DeviceRevokeResult
			params := wire.DeviceRevokeParams{DeviceID: deviceID, Reason: reason}
			if err := c.Call(ctx, wire.MethodDeviceRevoke, params, &result); err != nil {
				return err
			}
			fmt.Printf("revoked %s (%d live connections closed)\n", result.DeviceID, result.ConnectionsClosed)
			return nil
		},
	}
}

func deviceListCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "list",
		Summary: "list paired devices",
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

			devices, err := st.ListDevices(context.Background())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tROLE\tSTATE\tPAIRED")
			for _, device := range devices {
				state := "pending"
				switch {
				case !device.RevokedAt.IsZero():
					state = "revoked"
				case device.Approved:
					state = "approved"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					device.DeviceID, device.Role, state,
					device.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}
