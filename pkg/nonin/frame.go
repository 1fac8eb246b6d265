// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package nonin

import "fmt"

// Frame is one 1/75 second unit of the oximeter stream.
type Frame struct {
	Sync     uint8
	Status   uint8
	Pleth    uint8
	Other    uint8
	Checksum uint8
}

// ParseFrame decodes and validates a 5 byte frame.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) != FrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFragment, len(b))
	}
	f := Frame{Sync: b[0], Status: b[1], Pleth: b[2], Other: b[3], Checksum: b[4]}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the sync character, the always-set status bit and the checksum.
func (f Frame) Validate() error {
	switch {
	case f.Sync != SyncCharacter:
		return fmt.Errorf("%w: sync 0x%02X in % X", ErrInvalidFrame, f.Sync, f.Bytes())
	case f.Status&StatusAlwaysSet == 0:
		return fmt.Errorf("%w: status 0x%02X missing bit 7 in % X", ErrInvalidFrame, f.Status, f.Bytes())
	case f.Checksum != frameChecksum(f.Sync, f.Status, f.Pleth, f.Other):
		return fmt.Errorf("%w: checksum 0x%02X, expected 0x%02X in % X", ErrInvalidFrame,
			f.Checksum, frameChecksum(f.Sync, f.Status, f.Pleth, f.Other), f.Bytes())
	}
	return nil
}

// Bytes returns the frame's wire representation.
func (f Frame) Bytes() []byte {
	return []byte{f.Sync, f.Status, f.Pleth, f.Other, f.Checksum}
}

// FrameSync reports whether the frame starts a sequence.
func (f Frame) FrameSync() bool {
	return f.Status&StatusFrameSync != 0
}

func frameChecksum(sync, status, pleth, other uint8) uint8 {
	return sync + status + pleth + other
}
