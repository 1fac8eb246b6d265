// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package discovery

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BLEScanner scans LE advertisements on the default adapter. Classic
// (BR/EDR) devices that do not also advertise over LE are never reported.
type BLEScanner struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error
}

// NewBLEScanner returns a scanner for bluetooth.DefaultAdapter.
func NewBLEScanner() *BLEScanner {
	return &BLEScanner{adapter: bluetooth.DefaultAdapter}
}

// Scan blocks until a device advertising name is seen or ctx is done.
func (s *BLEScanner) Scan(ctx context.Context, name string) (string, error) {
	s.enableOnce.Do(func() {
		s.enableErr = s.adapter.Enable()
	})
	if s.enableErr != nil {
		return "", fmt.Errorf("failed to enable bluetooth: %w", s.enableErr)
	}

	var (
		mu  sync.Mutex
		mac string
	)
	stop := context.AfterFunc(ctx, func() {
		s.adapter.StopScan()
	})
	defer stop()

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, found bluetooth.ScanResult) {
		if found.LocalName() != name {
			return
		}
		mu.Lock()
		mac = found.Address.String()
		mu.Unlock()
		adapter.StopScan()
	})
	if err != nil {
		return "", fmt.Errorf("bluetooth scan failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if mac == "" {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return mac, nil
}
