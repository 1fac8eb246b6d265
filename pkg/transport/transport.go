// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package transport opens the byte link to the analog I/O module.
//
// Every Connection returns (0, nil) from Read once the poll interval elapses
// without data, so a single goroutine can interleave reads and queued writes.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/ecgbridge/pkg/simulator"
)

// PasswordEnv names the environment variable consulted before prompting.
const PasswordEnv = "ECGBRIDGE_PASSWORD"

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 10 * time.Millisecond

// ErrNoConnection is returned by Open when no transport was selected.
var ErrNoConnection = errors.New("either --port, --url or --simulate must be specified")

// Connection is a bidirectional byte stream.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Options selects and configures a transport. The simulator wins over a
// websocket URL, which wins over a serial port.
type Options struct {
	Port         string
	Baud         int
	PollInterval time.Duration

	URL         string
	Username    string
	NoSSLVerify bool

	Simulate bool
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}

// Open opens the connection described by opts and returns it with a human
// readable description.
func Open(opts Options) (Connection, string, error) {
	if opts.Simulate {
		sim := simulator.New(simulator.Config{PollInterval: opts.pollInterval()})
		return sim, "Simulator", nil
	}

	if opts.URL != "" {
		password := ""
		if opts.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocket(opts.URL, opts.Username, password, opts.NoSSLVerify, opts.pollInterval())
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", opts.URL), nil
	}

	if opts.Port != "" {
		conn, err := OpenSerial(opts.Port, opts.Baud, opts.pollInterval())
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", opts.Port, opts.Baud), nil
	}

	return nil, "", ErrNoConnection
}

// GetPassword returns the websocket password from the environment or prompts
// for it on the terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
