// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ecgbridge/internal/config"
	"github.com/Thermoquad/ecgbridge/pkg/discovery"
	"github.com/Thermoquad/ecgbridge/pkg/transport"
)

var (
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	simulate bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ecgbridge",
	Short: "ECG and pulse oximeter bridge for the OBI411 analog I/O module",
	Long: `ecgbridge - Reads an ECG channel, a battery monitor and a Nonin pulse
oximeter through an OBI411 analog I/O module and serves them to web clients.

Connection modes:
  Serial:    --port /dev/rfcomm0 [--baud 230400]
  WebSocket: --url ws://host/path [--username user]
  Simulator: --simulate
  Bluetooth: set device.name in the configuration file; the serial device is
             looked up (and bound on linux) when no other mode is selected.

Settings are read from ecgbridge.yaml (or --config), overridden by
ECGBRIDGE_* environment variables, overridden by flags.

For WebSocket authentication, the password is read from the ECGBRIDGE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", transport.DefaultBaudRate, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use the built-in device simulator")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration with the command's flags applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath, cmd.Flags())
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		Port:         cfg.Serial.Port,
		Baud:         cfg.Serial.Baud,
		PollInterval: cfg.Serial.PollInterval,
		URL:          cfg.Remote.URL,
		Username:     cfg.Remote.Username,
		NoSSLVerify:  cfg.Remote.NoSSLVerify,
		Simulate:     cfg.Device.Simulate,
	}
}

// openConnection opens the configured transport. When nothing is selected
// and a device name is configured, the Bluetooth serial device is resolved
// first.
func openConnection(ctx context.Context, cfg *config.Config) (transport.Connection, string, error) {
	opts := transportOptions(cfg)
	if !opts.Simulate && opts.URL == "" && opts.Port == "" && cfg.Device.Name != "" {
		port, err := resolveDevice(ctx, cfg.Device)
		if err != nil {
			return nil, "", fmt.Errorf("failed to find %q: %w", cfg.Device.Name, err)
		}
		opts.Port = port
	}
	return transport.Open(opts)
}

func resolveDevice(ctx context.Context, dev config.DeviceConfig) (string, error) {
	if dev.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dev.ScanTimeout)
		defer cancel()
	}

	r := discovery.NewResolver()
	r.BindAttempts = dev.BindAttempts
	r.Sudo = true
	return r.FindSerialDevice(ctx, dev.Name, dev.Channel)
}
