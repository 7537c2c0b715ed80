// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Command gatehouse is the operator CLI for a gatehouse daemon.
package main

import (
	"fmt"
	"os"

	"github.com/gatehouse-project/gatehouse/cmd/gatehouse/commands"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
