// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ecgbridge/pkg/discovery"
)

var (
	discoverName string
	discoverBind bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List serial ports and locate the Bluetooth device",
	Long: `List the serial ports present on this machine, then look up the
configured Bluetooth device (device.name, or --name).

On linux the MAC address comes from the paired device list or, failing that,
a Bluetooth scan bounded by device.scanTimeout. With --bind, an rfcomm device
is bound for it when none exists yet (this runs "sudo rfcomm bind").

On macOS the serial device is found as /dev/cu.<name without spaces>-SPP.

Exit codes:
  0 - Device found
  1 - Device not found
  2 - Configuration or enumeration error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().StringVar(&discoverName, "name", "", "Bluetooth device name (default from config)")
	discoverCmd.Flags().BoolVar(&discoverBind, "bind", false, "Resolve and bind the serial device")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	name := cfg.Device.Name
	if discoverName != "" {
		name = discoverName
	}

	fmt.Printf("ecgbridge - Device Discovery\n\n")

	ports, err := discovery.ListSerialPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Serial ports: %d\n", len(ports))
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("  %s  USB %s:%s %s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Printf("  %s\n", p.Name)
		}
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Device.ScanTimeout)
	defer cancel()

	r := discovery.NewResolver()
	r.BindAttempts = cfg.Device.BindAttempts
	r.Sudo = true

	fmt.Printf("Looking for %q (timeout %s)...\n", name, cfg.Device.ScanTimeout)
	if r.GOOS == "linux" {
		mac, err := r.FindDeviceMAC(ctx, name)
		if err != nil {
			fmt.Printf("NOT FOUND: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  MAC: %s\n", mac)
		if !discoverBind {
			return nil
		}
	}

	dev, err := r.FindSerialDevice(ctx, name, cfg.Device.Channel)
	if err != nil {
		fmt.Printf("NOT FOUND: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Serial device: %s\n", dev)
	return nil
}
