// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package discovery locates the Bluetooth serial device that carries the
// monitor stream.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
)

// DefaultBindAttempts bounds the rfcomm bind/re-check loop.
const DefaultBindAttempts = 3

const maxRFCOMM = 10

var (
	// ErrNotFound is returned when the named device cannot be located.
	ErrNotFound = errors.New("device not found")

	// ErrUnsupportedPlatform is returned on platforms without a lookup
	// strategy.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

var (
	rfcommLine = regexp.MustCompile(`^(\w+): ([0-9A-Fa-f:]{17}) channel (\d+) (\w+)`)
	pairedLine = regexp.MustCompile(`^Device ([0-9A-Fa-f:]{17}) (.+)$`)
)

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Scanner finds the address of an advertising device by its local name.
type Scanner interface {
	Scan(ctx context.Context, name string) (string, error)
}

// Binding is one line of `rfcomm -a`.
type Binding struct {
	Device  string
	MAC     string
	Channel int
	State   string
}

// Resolver maps a device name to a MAC address and a serial device path.
type Resolver struct {
	GOOS         string
	Run          CommandRunner
	Glob         func(pattern string) ([]string, error)
	Scanner      Scanner
	BindAttempts int
	Sudo         bool
}

// NewResolver returns a resolver for the running platform.
func NewResolver() *Resolver {
	return &Resolver{
		GOOS:         runtime.GOOS,
		Run:          runCommand,
		Glob:         filepath.Glob,
		Scanner:      NewBLEScanner(),
		BindAttempts: DefaultBindAttempts,
	}
}

// FindDeviceMAC returns the MAC address of the named device: paired devices
// are checked first, then a scan runs until ctx is done. The scan only sees
// devices that advertise over Bluetooth LE; a classic serial-port module must
// be paired beforehand to be found.
func (r *Resolver) FindDeviceMAC(ctx context.Context, name string) (string, error) {
	if r.GOOS == "linux" {
		out, err := r.Run(ctx, "bluetoothctl", "devices")
		if err == nil {
			if mac, ok := findPaired(string(out), name); ok {
				return mac, nil
			}
		}
	}
	if r.Scanner == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.Scanner.Scan(ctx, name)
}

// FindSerialDevice returns the serial device path for the named device,
// binding an rfcomm device on linux when none exists yet.
func (r *Resolver) FindSerialDevice(ctx context.Context, name string, channel int) (string, error) {
	switch r.GOOS {
	case "darwin":
		pattern := "/dev/cu." + strings.ReplaceAll(name, " ", "") + "-SPP"
		matches, err := r.Glob(pattern)
		if err != nil {
			return "", fmt.Errorf("failed to glob %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return "", fmt.Errorf("%w: %s", ErrNotFound, pattern)
		}
		return matches[0], nil
	case "linux":
		mac, err := r.FindDeviceMAC(ctx, name)
		if err != nil {
			return "", err
		}
		return r.bindRFCOMM(ctx, mac, channel)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, r.GOOS)
	}
}

func (r *Resolver) bindRFCOMM(ctx context.Context, mac string, channel int) (string, error) {
	attempts := r.BindAttempts
	if attempts <= 0 {
		attempts = DefaultBindAttempts
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		out, err := r.Run(ctx, "rfcomm", "-a")
		if err != nil {
			return "", fmt.Errorf("failed to list rfcomm bindings: %w", err)
		}
		bindings := ParseBindings(string(out))
		if b, ok := findBinding(bindings, mac, channel); ok {
			return "/dev/" + b.Device, nil
		}
		if attempt == attempts {
			break
		}

		dev, ok := freeRFCOMM(bindings)
		if !ok {
			return "", fmt.Errorf("no free rfcomm device for %s", mac)
		}
		args := []string{"rfcomm", "bind", "/dev/" + dev, mac, strconv.Itoa(channel)}
		if r.Sudo {
			args = append([]string{"sudo"}, args...)
		}
		if _, err := r.Run(ctx, args[0], args[1:]...); err != nil {
			return "", fmt.Errorf("failed to bind /dev/%s: %w", dev, err)
		}
	}
	return "", fmt.Errorf("%w: %s channel %d not bound after %d attempts", ErrNotFound, mac, channel, attempts)
}

// ParseBindings parses `rfcomm -a` output, skipping lines it does not
// recognize.
func ParseBindings(out string) []Binding {
	var bindings []Binding
	for _, line := range strings.Split(out, "\n") {
		m := rfcommLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		ch, _ := strconv.Atoi(m[3])
		bindings = append(bindings, Binding{
			Device:  m[1],
			MAC:     strings.ToUpper(m[2]),
			Channel: ch,
			State:   m[4],
		})
	}
	return bindings
}

func findBinding(bindings []Binding, mac string, channel int) (Binding, bool) {
	for _, b := range bindings {
		if strings.EqualFold(b.MAC, mac) && b.Channel == channel {
			return b, true
		}
	}
	return Binding{}, false
}

func freeRFCOMM(bindings []Binding) (string, bool) {
	used := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		used[b.Device] = true
	}
	for i := 0; i < maxRFCOMM; i++ {
		dev := "rfcomm" + strconv.Itoa(i)
		if !used[dev] {
			return dev, true
		}
	}
	return "", false
}

func findPaired(out, name string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		m := pairedLine.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil && m[2] == name {
			return strings.ToUpper(m[1]), true
		}
	}
	return "", false
}

// PortInfo describes a serial port found by the enumerator.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListSerialPorts returns the serial ports present on the system.
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
