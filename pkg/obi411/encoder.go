// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package obi411

import (
	"encoding/binary"
	"fmt"
)

// EncodeIOWrite builds a packet setting the digital outputs selected by mask to
// the corresponding bits of value.
//
// Byte layout: A5 03 node valueMSB valueLSB maskMSB maskLSB checksum
func EncodeIOWrite(node uint8, value, mask uint16) []byte {
	return encodeIO(TypeIOWrite, node, value, mask)
}

// EncodeIOStatus builds an IO status packet as sent by the module.
func EncodeIOStatus(node uint8, value, mask uint16) []byte {
	return encodeIO(TypeIOStatus, node, value, mask)
}

// EncodeADCStatus builds an ADC status packet as sent by the module.
func EncodeADCStatus(node, channel uint8, value uint16) []byte {
	packet := make([]byte, 0, 1+adcStatusSize)
	packet = append(packet, StartByte, TypeADCStatus, node, channel)
	packet = binary.BigEndian.AppendUint16(packet, value)
	return seal(packet)
}

// EncodeData builds a data packet carrying payload.
func EncodeData(node uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxDataLength {
		return nil, fmt.Errorf("obi411: data payload too large: %d bytes (max %d)", len(payload), MaxDataLength)
	}
	packet := make([]byte, 0, 1+len(payload)+dataOverhead)
	packet = append(packet, StartByte, TypeData, node, uint8(len(payload)))
	packet = append(packet, payload...)
	return seal(packet), nil
}

// MustEncodeData is EncodeData for payloads known to fit.
func MustEncodeData(node uint8, payload []byte) []byte {
	packet, err := EncodeData(node, payload)
	if err != nil {
		panic(err)
	}
	return packet
}

func encodeIO(id, node uint8, value, mask uint16) []byte {
	packet := make([]byte, 0, 1+ioStatusSize)
	packet = append(packet, StartByte, id, node)
	packet = binary.BigEndian.AppendUint16(packet, value)
	packet = binary.BigEndian.AppendUint16(packet, mask)
	return seal(packet)
}

// seal appends the checksum byte.
func seal(packet []byte) []byte {
	return append(packet, CalculateChecksum(packet))
}
