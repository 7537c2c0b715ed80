// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/cli"
	"github.com/gatehouse-project/gatehouse/lib/sealed"
)

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:    "secrets",
		Summary: "manage the sealed secrets document",
		Subcommands: []*cli.Command{
			secretsInitCommand(),
			secretsSealCommand(),
			secretsSetCommand(),
			secretsListCommand(),
		},
	}
}

func secretsInitCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "init",
		Summary: "generate the daemon's age identity",
		Description: "init writes a fresh age identity to paths.identity from the daemon\n" +
			"config. It refuses to overwrite an existing identity: replacing it\n" +
			"would orphan every secret sealed to the old key.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Paths.Identity); err == nil {
				return fmt.Errorf("identity already exists at %s", cfg.Paths.Identity)
			}

			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()

			if err := os.WriteFile(cfg.Paths.Identity, keypair.PrivateKey.Bytes(), 0o600); err != nil {
				return fmt.Errorf("writing identity: %w", err)
			}
			fmt.Printf("identity written to %s\n", cfg.Paths.Identity)
			fmt.Printf("recipient (use with 'gatehouse secrets seal'):\n%s\n", keypair.PublicKey)
			return nil
		},
	}
}

func secretsSealCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "seal",
		Summary: "seal a secrets document from stdin",
		Description: "seal reads a flat YAML mapping of secret names to values from stdin,\n" +
			"encrypts it to the daemon's identity, and writes paths.secrets.\n" +
			"Plaintext never touches the filesystem.",
		Examples: []cli.Example{
			{Description: "seal provider keys", Command: "gatehouse secrets seal < secrets.yaml"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}

			keypair, err := sealed.LoadKeypair(cfg.Paths.Identity)
			if err != nil {
				return err
			}
			defer keypair.Close()

			plaintext, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}

			ciphertext, err := sealed.Seal(plaintext, []string{keypair.PublicKey})
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.Paths.Secrets, ciphertext, 0o600); err != nil {
				return fmt.Errorf("writing secrets: %w", err)
			}
			fmt.Printf("sealed %d bytes to %s\n", len(plaintext), cfg.Paths.Secrets)
			return nil
		},
	}
}

func secretsSetCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "set",
		Summary: "add or replace one secret, prompting without echo",
		Usage:   "gatehouse secrets set <name> [flags]",
		Examples: []cli.Example{
			{Description: "store an Anthropic API key", Command: "gatehouse secrets set anthropic-api-key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one secret name argument")
			}
			name := args[0]
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("stdin is not a terminal; use 'gatehouse secrets seal' for scripted updates")
			}

			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}
			keypair, err := sealed.LoadKeypair(cfg.Paths.Identity)
			if err != nil {
				return err
			}
			defer keypair.Close()

			// Carry the existing document forward; set replaces one
			// entry, never the rest.
			existing, err := sealed.LoadSecrets(cfg.Paths.Secrets, cfg.Paths.Identity)
			if err != nil {
				return err
			}
			defer existing.Close()
			document := map[string]string{}
			for _, existingName := range existing.Names() {
				if value, ok := existing.Retrieve(existingName); ok {
					document[existingName] = value.String()
				}
			}

			fmt.Fprintf(os.Stderr, "value for %s: ", name)
			value, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			if len(value) == 0 {
				return fmt.Errorf("empty value")
			}
			document[name] = string(value)

			plaintext, err := yaml.Marshal(document)
			if err != nil {
				return fmt.Errorf("encoding secrets: %w", err)
			}
			ciphertext, err := sealed.Seal(plaintext, []string{keypair.PublicKey})
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.Paths.Secrets, ciphertext, 0o600); err != nil {
				return fmt.Errorf("writing secrets: %w", err)
			}
			fmt.Printf("sealed %s (%d secrets total)\n", name, len(document))
			return nil
		},
	}
}

func secretsListCommand() *cli.Command {
	var cfgFlags configFlags
	return &cli.Command{
		Name:    "list",
		Summary: "list secret names (never values)",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			cfgFlags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := cfgFlags.load()
			if err != nil {
				return err
			}
			secrets, err := sealed.LoadSecrets(cfg.Paths.Secrets, cfg.Paths.Identity)
			if err != nil {
				return err
			}
			defer secrets.Close()

			for _, name := range secrets.Names() {
				fmt.Println(name)
			}
			return nil
		},
	}
}
