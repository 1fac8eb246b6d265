// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package nonin

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilHandler     = errors.New("nonin: nil handler")
	ErrFragment       = errors.New("nonin: fragment of frame")
	ErrInvalidFrame   = errors.New("nonin: invalid frame")
	ErrSequenceLength = errors.New("nonin: bad sequence length")
)

// Handler receives every completed sequence.
type Handler interface {
	OnSequence(seq *Sequence) error
}

// Decoder reassembles 25 frame sequences from the oximeter stream.
//
// The decoder does not resynchronize: an invalid frame or a sequence of the
// wrong length is returned as an error and the decoder drops back to idle.
type Decoder struct {
	handler Handler

	accumulating bool
	status       []uint8
	pleth        []uint8
	other        []uint8
	started      time.Time

	totalFrames uint64 // frames accepted into sequences
	discarded   uint64 // frames seen before the first frame sync

	now func() time.Time
}

// NewDecoder creates a decoder delivering sequences to h.
func NewDecoder(h Handler) (*Decoder, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	return &Decoder{
		handler: h,
		status:  make([]uint8, 0, SequenceLength),
		pleth:   make([]uint8, 0, SequenceLength),
		other:   make([]uint8, 0, SequenceLength),
		now:     time.Now,
	}, nil
}

// Reset drops any partial sequence and returns the decoder to idle.
func (d *Decoder) Reset() {
	d.accumulating = false
	d.clearSequence()
}

// Frames returns the number of frames accepted into sequences.
func (d *Decoder) Frames() uint64 {
	return d.totalFrames
}

// Discarded returns the number of frames dropped while waiting for the first
// frame sync.
func (d *Decoder) Discarded() uint64 {
	return d.discarded
}

// Parse consumes p, which must hold a whole number of frames.
func (d *Decoder) Parse(p []byte) error {
	if len(p)%FrameSize != 0 {
		d.Reset()
		return fmt.Errorf("%w: %d bytes", ErrFragment, len(p))
	}
	for i := 0; i < len(p); i += FrameSize {
		if err := d.parseFrame(p[i : i+FrameSize]); err != nil {
			d.Reset()
			return err
		}
	}
	return nil
}

func (d *Decoder) parseFrame(b []byte) error {
	f, err := ParseFrame(b)
	if err != nil {
		return err
	}

	if !f.FrameSync() {
		if !d.accumulating {
			d.discarded++
			return nil
		}
		if len(d.status) >= SequenceLength {
			return fmt.Errorf("%w: more than %d frames without frame sync", ErrSequenceLength, SequenceLength)
		}
		d.appendFrame(f)
		return nil
	}

	// Beginning of a sequence
	var seq *Sequence
	if d.accumulating && len(d.status) > 0 {
		seq, err = d.finalize()
		if err != nil {
			return err
		}
	}
	d.clearSequence()
	d.accumulating = true
	d.started = d.now()
	d.appendFrame(f)

	if seq != nil {
		return d.handler.OnSequence(seq)
	}
	return nil
}

func (d *Decoder) appendFrame(f Frame) {
	d.status = append(d.status, f.Status)
	d.pleth = append(d.pleth, f.Pleth)
	d.other = append(d.other, f.Other)
	d.totalFrames++
}

func (d *Decoder) clearSequence() {
	d.status = d.status[:0]
	d.pleth = d.pleth[:0]
	d.other = d.other[:0]
}

// finalize builds the sequence from the accumulated frames.
func (d *Decoder) finalize() (*Sequence, error) {
	if len(d.status) != SequenceLength {
		return nil, fmt.Errorf("%w: %d frames, expected %d", ErrSequenceLength, len(d.status), SequenceLength)
	}

	seq := &Sequence{
		StartFrame: d.totalFrames - SequenceLength,
		Timestamp:  d.started,
		Status:     append([]uint8(nil), d.status...),
	}

	for i, s := range d.status {
		seq.Alarms |= s & StatusAlarmMask
		if s&StatusAlarmMask != 0 {
			continue
		}
		if s&StatusGreenPerfusion != 0 {
			seq.GreenPerfusion = append(seq.GreenPerfusion, i)
		}
		if s&StatusRedPerfusion != 0 {
			seq.RedPerfusion = append(seq.RedPerfusion, i)
		}
	}

	o := d.other
	seq.HeartRate, seq.HasHeartRate = heartRate(o[otherHRMSB], o[otherHRLSB])

	if seq.Alarms == 0 {
		seq.Pleth = append([]uint8(nil), d.pleth...)
		seq.SpO2 = o[otherSpO2]
		seq.HasSpO2 = true
	}

	seq.Extended = Extended{
		Revision:       o[otherRevision],
		SpO2Display:    o[otherSpO2D],
		SpO2Slew:       o[otherSpO2Slew],
		SpO2BeatToBeat: o[otherSpO2BeatB],
		ExtendedSpO2:   o[otherESpO2],
		ExtendedSpO2D:  o[otherESpO2D],
	}
	seq.Extended.ExtendedHeartRate, seq.Extended.HasExtendedHeartRate = heartRate(o[otherEHRMSB], o[otherEHRLSB])
	seq.Extended.HeartRateDisplay, seq.Extended.HasHeartRateDisplay = heartRate(o[otherHRDMSB], o[otherHRDLSB])
	seq.Extended.ExtendedHeartRateDisplay, seq.Extended.HasExtendedHeartRateDisplay = heartRate(o[otherEHRDMSB], o[otherEHRDLSB])

	return seq, nil
}

// heartRate decodes a big-endian rate whose high byte carries the invalid marker.
func heartRate(msb, lsb uint8) (uint16, bool) {
	if msb&HeartRateInvalid != 0 {
		return 0, false
	}
	return uint16(msb)<<8 | uint16(lsb), true
}
