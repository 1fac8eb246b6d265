// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package obi411 implements the packet framing spoken by the connectBlue OBI411
// Bluetooth analog I/O module.
//
// Every packet starts with StartByte, followed by a packet identity byte, the
// sender's node id, a type specific body and a one byte checksum. The checksum is
// the low 8 bits of the unsigned sum of every preceding byte, start byte included.
//
// The decoder trusts the type/length framing and does not reject packets whose
// checksum fails; corrupt input is skipped by resynchronizing on the next start
// byte. Payload integrity is left to the protocol carried inside data packets.
package obi411

// Protocol framing
const (
	StartByte = 0xA5
)

// Packet identities
const (
	TypeIOStatus  = 0x01
	TypeIORead    = 0x02
	TypeIOWrite   = 0x03
	TypeADCStatus = 0x04
	TypeADCRead   = 0x05
	TypeData      = 0x06
)

// Body sizes counted from the identity byte up to and including the checksum.
const (
	ioStatusSize  = 7 // id, node, value(2), mask(2), checksum
	adcStatusSize = 6 // id, node, channel, value(2), checksum
	dataMinSize   = 5 // id, node, length, >=1 data byte, checksum
	dataOverhead  = 4 // id, node, length, checksum
)

// MaxDataLength is the largest application payload a data packet carries.
const MaxDataLength = 20
