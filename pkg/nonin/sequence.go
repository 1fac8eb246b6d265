// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package nonin

import "time"

// Sequence is the data reported by 25 consecutive frames (1/3 second).
type Sequence struct {
	StartFrame uint64    // index of the sequence's first frame in the stream
	Timestamp  time.Time // arrival of the first frame

	Status []uint8 // per-frame status bytes
	Pleth  []uint8 // per-frame plethysmograph, nil unless Alarms == 0

	Alarms         uint8 // OR of the per-frame alarm bits
	GreenPerfusion []int // frame indices with the green perfusion bit and no alarm
	RedPerfusion   []int // frame indices with the red perfusion bit and no alarm

	HeartRate    uint16
	HasHeartRate bool

	SpO2    uint8
	HasSpO2 bool // false whenever Alarms != 0

	Extended Extended
}

// Extended holds the remaining values carried in the "other" bytes.
type Extended struct {
	Revision       uint8
	SpO2Display    uint8
	SpO2Slew       uint8
	SpO2BeatToBeat uint8
	ExtendedSpO2   uint8
	ExtendedSpO2D  uint8

	ExtendedHeartRate    uint16
	HasExtendedHeartRate bool

	HeartRateDisplay    uint16
	HasHeartRateDisplay bool

	ExtendedHeartRateDisplay    uint16
	HasExtendedHeartRateDisplay bool
}

func (s *Sequence) SensorAlarm() bool        { return s.Alarms&StatusSensorAlarm != 0 }
func (s *Sequence) OutOfTrack() bool         { return s.Alarms&StatusOutOfTrack != 0 }
func (s *Sequence) BadPulse() bool           { return s.Alarms&StatusBadPulse != 0 }
func (s *Sequence) SensorDisconnected() bool { return s.Alarms&StatusSensorDisconnected != 0 }
