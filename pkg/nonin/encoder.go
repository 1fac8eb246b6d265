// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package nonin

// EncodeFrame builds a valid frame. The always-set status bit is added.
func EncodeFrame(status, pleth, other uint8) []byte {
	status |= StatusAlwaysSet
	return []byte{SyncCharacter, status, pleth, other, frameChecksum(SyncCharacter, status, pleth, other)}
}

// Vitals describes the content of one encoded sequence.
type Vitals struct {
	HeartRate        uint16 // written big-endian to frames 0 and 1
	HeartRateInvalid bool   // sets the invalid marker instead of a rate
	SpO2             uint8

	Pleth  [SequenceLength]uint8
	Status [SequenceLength]uint8 // extra per-frame status bits
	Other  [SequenceLength]uint8 // remaining "other" bytes; rate and SpO2 slots are overwritten
}

// EncodeSequence builds the 25 frames of one sequence. Frame 0 carries the
// frame sync bit.
func EncodeSequence(v Vitals) []byte {
	other := v.Other
	if v.HeartRateInvalid {
		other[otherHRMSB] = HeartRateInvalid
		other[otherHRLSB] = 0
	} else {
		other[otherHRMSB] = uint8(v.HeartRate>>8) &^ HeartRateInvalid
		other[otherHRLSB] = uint8(v.HeartRate)
	}
	other[otherSpO2] = v.SpO2

	out := make([]byte, 0, SequenceLength*FrameSize)
	for i := 0; i < SequenceLength; i++ {
		status := v.Status[i] &^ StatusFrameSync
		if i == 0 {
			status |= StatusFrameSync
		}
		out = append(out, EncodeFrame(status, v.Pleth[i], other[i])...)
	}
	return out
}
