// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ecgbridge/pkg/obi411"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid OBI411 packet",
	Long: `Wait for a valid OBI411 packet on the connection until timeout.

This command connects to a serial port, WebSocket or the simulator and waits
for any complete OBI411 packet. Bytes that do not start a packet are skipped.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking the Bluetooth serial link before running serve.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

// firstPacket stops decoding at the first packet.
type firstPacket struct {
	packet obi411.Packet
}

var errGotPacket = errors.New("packet received")

func (f *firstPacket) OnADCStatus(p obi411.ADCStatus) error { return f.got(p) }
func (f *firstPacket) OnIOStatus(p obi411.IOStatus) error   { return f.got(p) }
func (f *firstPacket) OnData(p obi411.DataPacket) error     { return f.got(p) }

func (f *firstPacket) got(p obi411.Packet) error {
	f.packet = p
	return errGotPacket
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	timeout := time.Duration(packetTestTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, connInfo, err := openConnection(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("ecgbridge - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid OBI411 packet...\n\n")

	first := &firstPacket{}
	decoder, err := obi411.NewDecoder(first)
	if err != nil {
		return err
	}

	packetChan := make(chan obi411.Packet, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		buf := make([]byte, 128)
		for ctx.Err() == nil {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if err := decoder.Feed(buf[:n]); errors.Is(err, errGotPacket) {
				if d := decoder.Dropped(); d > 0 {
					fmt.Printf("(skipped %d invalid bytes before sync)\n", d)
				}
				packetChan <- first.packet
				return
			}
		}
	}()

	select {
	case packet := <-packetChan:
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Printf("  Type: %s (0x%02X)\n", obi411.FormatPacketType(packet.Type()), packet.Type())
		fmt.Printf("  Node: %d\n", packet.NodeID())
		fmt.Printf("  Length: %d bytes\n", len(packet.Raw()))
		fmt.Printf("  Checksum: 0x%02X (valid: %t)\n", packet.Checksum(), packet.ChecksumValid())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
