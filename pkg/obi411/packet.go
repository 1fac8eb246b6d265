// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package obi411

import "time"

// Packet is implemented by every decoded OBI411 packet.
type Packet interface {
	Type() uint8
	NodeID() uint8
	Raw() []byte
	Checksum() uint8
	ChecksumValid() bool
	Timestamp() time.Time
}

// wire holds the encoded bytes of a packet, start byte and checksum included.
type wire struct {
	raw       []byte
	timestamp time.Time
}

// Raw returns the packet as received on the wire.
func (w wire) Raw() []byte {
	return w.raw
}

// Checksum returns the checksum byte carried by the packet.
func (w wire) Checksum() uint8 {
	if len(w.raw) == 0 {
		return 0
	}
	return w.raw[len(w.raw)-1]
}

// ChecksumValid reports whether the carried checksum matches the packet contents.
// The decoder never acts on this; it is exposed for diagnostics.
func (w wire) ChecksumValid() bool {
	if len(w.raw) == 0 {
		return false
	}
	return CalculateChecksum(w.raw[:len(w.raw)-1]) == w.Checksum()
}

// Timestamp returns the packet's decode timestamp.
func (w wire) Timestamp() time.Time {
	return w.timestamp
}

// IOStatus reports the digital I/O pin state of a node.
type IOStatus struct {
	wire
	Node  uint8
	Value uint16 // pin 15..0
	Mask  uint16 // 1 = corresponding Value bit is valid
}

func (IOStatus) Type() uint8 { return TypeIOStatus }

func (p IOStatus) NodeID() uint8 { return p.Node }

// ADCStatus reports one ADC conversion.
type ADCStatus struct {
	wire
	Node    uint8
	Channel uint8
	Value   uint16
}

func (ADCStatus) Type() uint8 { return TypeADCStatus }

func (p ADCStatus) NodeID() uint8 { return p.Node }

// DataPacket carries opaque application data from the module's serial input.
type DataPacket struct {
	wire
	Node    uint8
	Payload []byte
}

func (DataPacket) Type() uint8 { return TypeData }

func (p DataPacket) NodeID() uint8 { return p.Node }
