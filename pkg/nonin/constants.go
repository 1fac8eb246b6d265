// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package nonin decodes the 75 Hz serial data format #2 of the Nonin iPod pulse
// oximeter.
//
// Each 1/75 second the oximeter sends a 5 byte frame:
//
//	0x01 status pleth other checksum
//
// The meaning of the "other" byte depends on the frame's position within a
// sequence of 25 frames. The first frame of each sequence carries the frame sync
// bit in its status byte.
package nonin

// Frame layout
const (
	FrameSize      = 5
	SequenceLength = 25
	SyncCharacter  = 0x01
	FrameRate      = 75 // Hz
)

// Status byte bits
const (
	StatusFrameSync          = 0x01
	StatusGreenPerfusion     = 0x02
	StatusRedPerfusion       = 0x04
	StatusSensorAlarm        = 0x08
	StatusOutOfTrack         = 0x10
	StatusBadPulse           = 0x20
	StatusSensorDisconnected = 0x40
	StatusAlwaysSet          = 0x80

	StatusAlarmMask = StatusSensorAlarm | StatusOutOfTrack | StatusBadPulse | StatusSensorDisconnected
)

// Frame positions of the "other" byte within a sequence.
const (
	otherHRMSB     = 0
	otherHRLSB     = 1
	otherSpO2      = 2
	otherRevision  = 3
	otherSpO2D     = 8
	otherSpO2Slew  = 9
	otherSpO2BeatB = 10
	otherEHRMSB    = 13
	otherEHRLSB    = 14
	otherESpO2     = 15
	otherESpO2D    = 16
	otherHRDMSB    = 19
	otherHRDLSB    = 20
	otherEHRDMSB   = 21
	otherEHRDLSB   = 22
)

// HeartRateInvalid is set in the high heart rate byte when no valid rate is
// available.
const HeartRateInvalid = 0x80
