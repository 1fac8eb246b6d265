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
	"github.com/Thermoquad/ecgbridge/pkg/transport"
)

var (
	ioWriteNode    uint8
	ioWriteValue   uint16
	ioWriteMask    uint16
	ioWriteTimeout int
)

var ioWriteCmd = &cobra.Command{
	Use:   "io_write",
	Short: "Set digital outputs and wait for the module's I/O status",
	Long: `Send an IO_WRITE packet to a node and wait for the IO_STATUS it answers
with. Only pins whose mask bit is set are changed.

Examples:
  # Turn on pin 0 (the perfusion LED by default)
  ecgbridge io_write --simulate --value 0x0001 --mask 0x0001

  # Turn it off again
  ecgbridge io_write --port /dev/rfcomm0 --value 0 --mask 0x0001

Exit codes:
  0 - IO_STATUS received
  1 - Timeout reached without an IO_STATUS from the node
  2 - Connection error`,
	RunE: runIOWrite,
}

func init() {
	rootCmd.AddCommand(ioWriteCmd)
	ioWriteCmd.Flags().Uint8Var(&ioWriteNode, "node", 0, "Node ID")
	ioWriteCmd.Flags().Uint16Var(&ioWriteValue, "value", 0, "Pin values (bit 15..0)")
	ioWriteCmd.Flags().Uint16Var(&ioWriteMask, "mask", 0xFFFF, "Pins to change")
	ioWriteCmd.Flags().IntVar(&ioWriteTimeout, "timeout", 5, "Timeout in seconds to wait for IO_STATUS")
}

// ioStatusWaiter stops decoding at the first IO_STATUS from node.
type ioStatusWaiter struct {
	node   uint8
	status obi411.IOStatus
}

var errGotIOStatus = errors.New("io status received")

func (w *ioStatusWaiter) OnADCStatus(obi411.ADCStatus) error { return nil }
func (w *ioStatusWaiter) OnData(obi411.DataPacket) error     { return nil }

func (w *ioStatusWaiter) OnIOStatus(p obi411.IOStatus) error {
	if p.Node != w.node {
		return nil
	}
	w.status = p
	return errGotIOStatus
}

// writeIO sends an IO_WRITE on conn and returns the node's next IO_STATUS.
func writeIO(ctx context.Context, conn transport.Connection, node uint8, value, mask uint16) (obi411.IOStatus, error) {
	waiter := &ioStatusWaiter{node: node}
	decoder, err := obi411.NewDecoder(waiter)
	if err != nil {
		return obi411.IOStatus{}, err
	}

	if _, err := conn.Write(obi411.EncodeIOWrite(node, value, mask)); err != nil {
		return obi411.IOStatus{}, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return obi411.IOStatus{}, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return obi411.IOStatus{}, err
		}
		if err := decoder.Feed(buf[:n]); errors.Is(err, errGotIOStatus) {
			return waiter.status, nil
		}
	}
}

func runIOWrite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(ioWriteTimeout)*time.Second)
	defer cancel()

	conn, connInfo, err := openConnection(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("ecgbridge - I/O Write\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sending IO_WRITE node=%d value=%016b mask=%016b...\n\n", ioWriteNode, ioWriteValue, ioWriteMask)

	status, err := writeIO(ctx, conn, ioWriteNode, ioWriteValue, ioWriteMask)
	switch {
	case err == nil:
		fmt.Print(obi411.FormatPacket(status))
		if status.Value&ioWriteMask != ioWriteValue&ioWriteMask {
			fmt.Printf("WARNING: reported pins differ from requested\n")
		}
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No IO_STATUS from node %d within %d seconds\n", ioWriteNode, ioWriteTimeout)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)
	}
	return nil
}
