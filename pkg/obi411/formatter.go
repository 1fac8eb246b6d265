// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package obi411

import (
	"fmt"
	"strings"
)

// FormatPacketType returns a human-readable packet identity name.
func FormatPacketType(id uint8) string {
	switch id {
	case TypeIOStatus:
		return "IO_STATUS"
	case TypeIORead:
		return "IO_READ"
	case TypeIOWrite:
		return "IO_WRITE"
	case TypeADCStatus:
		return "ADC_STATUS"
	case TypeADCRead:
		return "ADC_READ"
	case TypeData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// FormatPacket formats a decoded packet for the raw log.
func FormatPacket(p Packet) string {
	timestamp := p.Timestamp().Format("15:04:05.000")
	raw := p.Raw()
	var check string
	switch {
	case len(raw) == 0:
		check = "n/a"
	case p.ChecksumValid():
		check = "OK"
	default:
		check = fmt.Sprintf("MISMATCH (got 0x%02X, want 0x%02X)",
			p.Checksum(), CalculateChecksum(raw[:len(raw)-1]))
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) node=%d checksum=%s\n",
		timestamp, FormatPacketType(p.Type()), p.Type(), p.NodeID(), check)

	switch v := p.(type) {
	case ADCStatus:
		result += fmt.Sprintf("  Channel: %d, Value: %d (0x%04X)\n", v.Channel, v.Value, v.Value)
	case IOStatus:
		result += fmt.Sprintf("  Value: %016b, Mask: %016b\n", v.Value, v.Mask)
	case DataPacket:
		result += "  Data: " + hexDump(v.Payload) + "\n"
	}
	return result
}

func hexDump(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	var s strings.Builder
	for i, b := range data {
		if i > 0 {
			s.WriteByte(' ')
		}
		fmt.Fprintf(&s, "%02X", b)
	}
	return s.String()
}
