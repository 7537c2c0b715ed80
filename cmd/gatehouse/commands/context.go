// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/lib/client"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/config"
	"github.com/gatehouse-project/gatehouse/lib/store"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// callTimeout bounds one CLI round trip to the daemon.
const callTimeout = 30 * time.Second

// configFlags carry the shared --config flag. Every command that
// touches the database or the daemon embeds them.
type configFlags struct {
	path string
}

func (f *configFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.path, "config", "", "path to gatehouse.yaml (overrides GATEHOUSE_CONFIG)")
}

func (f *configFlags) load() (*config.Config, error) {
	if f.path != "" {
		return config.LoadFile(f.path)
	}
	return config.Load()
}

// openStore opens the daemon's database for direct administration.
// SQLite tolerates the daemon holding it at the same time.
func (f *configFlags) openStore() (*store.Store, *config.Config, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(store.Config{
		Path:  cfg.Paths.Database,
		Clock: clock.Real(),
	})
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

// clientFlags carry what a command needs to authenticate to a running
// daemon.
type clientFlags struct {
	configFlags
	address       string
	deviceID      string
	secretFile    string
	tlsSkipVerify bool
}

func (f *clientFlags) register(flagSet *pflag.FlagSet) {
	f.configFlags.register(flagSet)
	flagSet.StringVar(&f.address, "address", "", "daemon address (defaults to listen.address from config)")
	flagSet.StringVar(&f.deviceID, "device", "", "paired device id to authenticate as (required)")
	flagSet.StringVar(&f.secretFile, "secret-file", "", "file holding the device's pairing secret (required)")
	flagSet.BoolVar(&f.tlsSkipVerify, "tls-skip-verify", false, "accept any daemon certificate (self-signed setups)")
}

// dial connects and authenticates to the daemon with the admin role.
func (f *clientFlags) dial(ctx context.Context) (*client.Client, error) {
	if f.deviceID == "" {
		return nil, fmt.Errorf("--device is required")
	}
	if f.secretFile == "" {
		return nil, fmt.Errorf("--secret-file is required")
	}
	raw, err := os.ReadFile(f.secretFile)
	if err != nil {
		return nil, fmt.Errorf("reading pairing secret: %w", err)
	}
	pairingSecret := []byte(strings.TrimSpace(string(raw)))

	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	address := f.address
	if address == "" {
		address = cfg.Listen.Address
	}
	var tlsConfig *tls.Config
	if !cfg.Listen.Insecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: f.tlsSkipVerify}
	}

	return client.Dial(ctx, client.Config{
		Address:       address,
		TLS:           tlsConfig,
		DeviceID:      f.deviceID,
		Role:          wire.RoleAdmin,
		PairingSecret: pairingSecret,
	})
}
