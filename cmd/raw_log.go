// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
	"github.com/Thermoquad/ecgbridge/pkg/transport"
)

var rawLogHideADC bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display OBI411 packets as they arrive, along with
the pulse oximeter sequences carried in DATA packets.

Unlike serve, decode errors are printed and decoding continues.

Supports serial, WebSocket and simulator connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHideADC, "hide-adc", false, "Do not print ADC_STATUS packets")
}

// rawLogger prints every packet and sequence it is handed.
type rawLogger struct {
	out     io.Writer
	hideADC bool
	inner   *nonin.Decoder
}

func newRawLogger(out io.Writer, hideADC bool) (*rawLogger, error) {
	l := &rawLogger{out: out, hideADC: hideADC}
	inner, err := nonin.NewDecoder(l)
	if err != nil {
		return nil, err
	}
	l.inner = inner
	return l, nil
}

func (l *rawLogger) OnADCStatus(p obi411.ADCStatus) error {
	if !l.hideADC {
		fmt.Fprint(l.out, obi411.FormatPacket(p))
	}
	return nil
}

func (l *rawLogger) OnIOStatus(p obi411.IOStatus) error {
	fmt.Fprint(l.out, obi411.FormatPacket(p))
	return nil
}

func (l *rawLogger) OnData(p obi411.DataPacket) error {
	fmt.Fprint(l.out, obi411.FormatPacket(p))
	if err := l.inner.Parse(p.Payload); err != nil {
		fmt.Fprintf(l.out, "[ERROR] %v\n", err)
	}
	return nil
}

func (l *rawLogger) OnSequence(seq *nonin.Sequence) error {
	fmt.Fprint(l.out, nonin.FormatSequence(seq))
	return nil
}

func runRawLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, connInfo, err := openConnection(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("ecgbridge - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	printer, err := newRawLogger(os.Stdout, rawLogHideADC)
	if err != nil {
		return err
	}
	decoder, err := obi411.NewDecoder(printer)
	if err != nil {
		return err
	}

	buf := make([]byte, 1024)
	var dropped uint64
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
			return err
		}

		if err := decoder.Feed(buf[:n]); err != nil {
			fmt.Printf("[ERROR] %v\n", err)
		}
		if d := decoder.Dropped(); d > dropped {
			fmt.Printf("[RESYNC] dropped %d bytes\n", d-dropped)
			dropped = d
		}
	}
	return nil
}
