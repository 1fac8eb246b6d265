// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"time"

	"github.com/Thermoquad/ecgbridge/pkg/obi411"
)

// Statistics tracks link traffic and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Outer packets
	TotalPackets       uint64
	ADCPackets         uint64
	IOPackets          uint64
	DataPackets        uint64
	ChecksumMismatches uint64
	DroppedBytes       uint64

	// Pulse oximeter
	Sequences      uint64
	AlarmSequences uint64
	SequenceErrors uint64

	Samples        uint64
	OutboundWrites uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts one decoded outer packet
func (s *Statistics) Update(p obi411.Packet) {
	s.TotalPackets++
	switch p.Type() {
	case obi411.TypeADCStatus:
		s.ADCPackets++
	case obi411.TypeIOStatus:
		s.IOPackets++
	case obi411.TypeData:
		s.DataPackets++
	}
	// The outer checksum is never enforced, only counted
	if !p.ChecksumValid() {
		s.ChecksumMismatches++
	}
	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		errorCount := s.ChecksumMismatches + s.SequenceErrors
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var checksumPercent float64
	if s.TotalPackets > 0 {
		checksumPercent = float64(s.ChecksumMismatches) * 100.0 / float64(s.TotalPackets)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", s.TotalPackets)
	result += fmt.Sprintf("  ADC Status:    %8d\n", s.ADCPackets)
	result += fmt.Sprintf("  IO Status:     %8d\n", s.IOPackets)
	result += fmt.Sprintf("  Data:          %8d\n", s.DataPackets)

	if s.ChecksumMismatches > 0 {
		result += fmt.Sprintf("Bad Checksums:   %8d (%.1f%%)\n", s.ChecksumMismatches, checksumPercent)
	}
	if s.DroppedBytes > 0 {
		result += fmt.Sprintf("Dropped Bytes:   %8d\n", s.DroppedBytes)
	}

	result += fmt.Sprintf("Sequences:       %8d\n", s.Sequences)
	if s.AlarmSequences > 0 {
		result += fmt.Sprintf("  With Alarms:   %8d\n", s.AlarmSequences)
	}
	if s.SequenceErrors > 0 {
		result += fmt.Sprintf("  Errors:        %8d\n", s.SequenceErrors)
	}
	result += fmt.Sprintf("ECG Samples:     %8d\n", s.Samples)
	if s.OutboundWrites > 0 {
		result += fmt.Sprintf("Outbound Writes: %8d\n", s.OutboundWrites)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
