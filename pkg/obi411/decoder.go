// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package obi411

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// ErrNilHandler is returned by NewDecoder when no handler is supplied.
var ErrNilHandler = errors.New("obi411: nil handler")

// Handler receives decoded packets. A non-nil error stops the current Feed call
// and is returned to its caller.
type Handler interface {
	OnADCStatus(p ADCStatus) error
	OnIOStatus(p IOStatus) error
	OnData(p DataPacket) error
}

// Decoder extracts OBI411 packets from a byte stream delivered in arbitrary
// chunks. Incomplete trailing packets stay buffered until the next Feed.
type Decoder struct {
	handler Handler
	buf     []byte
	dropped uint64 // bytes discarded while resynchronizing
	now     func() time.Time
}

// NewDecoder creates a decoder delivering packets to h.
func NewDecoder(h Handler) (*Decoder, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	return &Decoder{
		handler: h,
		buf:     make([]byte, 0, 64),
		now:     time.Now,
	}, nil
}

// Reset discards any buffered partial packet.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Buffered returns the number of bytes waiting for the rest of a packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns the number of bytes discarded as framing noise.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Feed appends p to the internal buffer and dispatches every complete packet.
func (d *Decoder) Feed(p []byte) error {
	d.buf = append(d.buf, p...)

	for {
		start := bytes.IndexByte(d.buf, StartByte)
		if start < 0 {
			d.discard(len(d.buf))
			return nil
		}
		if start > 0 {
			d.discard(start)
		}

		body := d.buf[1:]
		if len(body) == 0 {
			// Marker with nothing after it yet
			return nil
		}

		var size int
		switch body[0] {
		case TypeADCStatus:
			if len(body) < adcStatusSize {
				return nil
			}
			size = 1 + adcStatusSize
		case TypeData:
			if len(body) < dataMinSize {
				return nil
			}
			n := int(body[2])
			if n > MaxDataLength {
				d.resync()
				continue
			}
			if len(body) < n+dataOverhead {
				return nil
			}
			size = 1 + n + dataOverhead
		case TypeIOStatus:
			if len(body) < ioStatusSize {
				return nil
			}
			size = 1 + ioStatusSize
		default:
			d.resync()
			continue
		}

		raw := make([]byte, size)
		copy(raw, d.buf[:size])
		d.consume(size)

		if err := d.dispatch(raw); err != nil {
			return err
		}
	}
}

// dispatch decodes a complete packet and hands it to the handler.
func (d *Decoder) dispatch(raw []byte) error {
	w := wire{raw: raw, timestamp: d.now()}
	switch raw[1] {
	case TypeADCStatus:
		return d.handler.OnADCStatus(ADCStatus{
			wire:    w,
			Node:    raw[2],
			Channel: raw[3],
			Value:   binary.BigEndian.Uint16(raw[4:6]),
		})
	case TypeIOStatus:
		return d.handler.OnIOStatus(IOStatus{
			wire:  w,
			Node:  raw[2],
			Value: binary.BigEndian.Uint16(raw[3:5]),
			Mask:  binary.BigEndian.Uint16(raw[5:7]),
		})
	default:
		n := int(raw[3])
		return d.handler.OnData(DataPacket{
			wire:    w,
			Node:    raw[2],
			Payload: raw[4 : 4+n],
		})
	}
}

// resync drops the start byte at the head of the buffer and everything up to the
// next start byte.
func (d *Decoder) resync() {
	next := bytes.IndexByte(d.buf[1:], StartByte)
	if next < 0 {
		d.discard(len(d.buf))
		return
	}
	d.discard(1 + next)
}

func (d *Decoder) discard(n int) {
	d.dropped += uint64(n)
	d.consume(n)
}

func (d *Decoder) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
