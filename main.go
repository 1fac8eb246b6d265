// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad
//
// ecgbridge - ECG and pulse oximeter bridge
//
// Reads ECG samples, battery voltage and Nonin pulse oximeter data through an
// OBI411 analog I/O module and serves them to web clients.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/ecgbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
