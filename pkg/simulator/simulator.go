// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package simulator emulates an OBI411 module with an ECG front end on ADC
// channel 0, a battery monitor on ADC channel 1 and a pulse oximeter behind
// the data channel.
package simulator

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
)

const (
	ECGRate      = 250    // samples/sec on channel 0
	BatteryRaw   = 0x8C54 // 3.70 V
	maxCatchUp   = time.Second
	framesPerPkt = obi411.MaxDataLength / nonin.FrameSize
)

// Config tunes the simulated device. Zero values select defaults.
type Config struct {
	Node         uint8
	PollInterval time.Duration
	HeartRate    uint16 // bpm, default 72
	SpO2         uint8  // percent, default 97
	Now          func() time.Time
}

// Simulator is an in-process Connection.
type Simulator struct {
	cfg Config

	mu      sync.Mutex
	started time.Time
	pending []byte
	closed  bool
	done    chan struct{}

	ecgCount     int64
	batteryCount int64
	frameCount   int64
	sequence     []byte // frames of the current sequence
	frameBuf     []byte

	output uint16
	writes [][]byte
}

// New creates a simulator. The clock starts at the first Read.
func New(cfg Config) *Simulator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.HeartRate == 0 {
		cfg.HeartRate = 72
	}
	if cfg.SpO2 == 0 {
		cfg.SpO2 = 97
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{cfg: cfg, done: make(chan struct{})}
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.EOF
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return 0, io.EOF
		}
		s.mu.Lock()
		s.generate(s.cfg.Now())
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

// Write accepts IO write packets and answers each with an IO status packet.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	if len(p) == 8 && p[0] == obi411.StartByte && p[1] == obi411.TypeIOWrite {
		value := binary.BigEndian.Uint16(p[3:5])
		mask := binary.BigEndian.Uint16(p[5:7])
		s.output = s.output&^mask | value&mask
		s.pending = append(s.pending, obi411.EncodeIOStatus(s.cfg.Node, s.output, 0xFFFF)...)
	}
	return len(p), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Writes returns a copy of every packet written so far.
func (s *Simulator) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// Output returns the digital output state.
func (s *Simulator) Output() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// generate appends everything due by now. Caller holds s.mu.
func (s *Simulator) generate(now time.Time) {
	if s.started.IsZero() {
		s.started = now
		s.pending = append(s.pending, obi411.EncodeADCStatus(s.cfg.Node, 1, BatteryRaw)...)
		s.batteryCount = 1
	}
	elapsed := now.Sub(s.started)
	if elapsed <= 0 {
		return
	}

	s.catchUp(elapsed)

	for due := int64(elapsed * ECGRate / time.Second); s.ecgCount < due; s.ecgCount++ {
		v := ecgWaveform(float64(s.ecgCount)/ECGRate, s.cfg.HeartRate)
		s.pending = append(s.pending, obi411.EncodeADCStatus(s.cfg.Node, 0, v)...)
	}
	for due := int64(elapsed/time.Second) + 1; s.batteryCount < due; s.batteryCount++ {
		s.pending = append(s.pending, obi411.EncodeADCStatus(s.cfg.Node, 1, BatteryRaw)...)
	}
	for due := int64(elapsed * nonin.FrameRate / time.Second); s.frameCount < due; s.frameCount++ {
		s.frameBuf = append(s.frameBuf, s.frame()...)
		if len(s.frameBuf) == framesPerPkt*nonin.FrameSize {
			s.pending = append(s.pending, obi411.MustEncodeData(s.cfg.Node, s.frameBuf)...)
			s.frameBuf = s.frameBuf[:0]
		}
	}
}

// catchUp skips output older than maxCatchUp so a stalled reader does not
// receive a burst of stale data.
func (s *Simulator) catchUp(elapsed time.Duration) {
	if elapsed <= maxCatchUp {
		return
	}
	skip := elapsed - maxCatchUp
	if floor := int64(skip * ECGRate / time.Second); s.ecgCount < floor {
		s.ecgCount = floor
	}
	if floor := int64(skip / time.Second); s.batteryCount < floor {
		s.batteryCount = floor
	}
	// Skip whole sequences only, starting at a sequence boundary
	floor := int64(skip * nonin.FrameRate / time.Second)
	floor -= floor % nonin.SequenceLength
	if s.frameCount%nonin.SequenceLength == 0 && s.frameCount < floor {
		s.frameCount = floor
	}
}

// frame returns the next pulse oximeter frame.
func (s *Simulator) frame() []byte {
	pos := int(s.frameCount % nonin.SequenceLength)
	if pos == 0 {
		s.sequence = nonin.EncodeSequence(s.vitals())
	}
	off := pos * nonin.FrameSize
	return s.sequence[off : off+nonin.FrameSize]
}

// vitals builds the content of the sequence starting at s.frameCount.
func (s *Simulator) vitals() nonin.Vitals {
	v := nonin.Vitals{HeartRate: s.cfg.HeartRate, SpO2: s.cfg.SpO2}
	beat := 60.0 / float64(s.cfg.HeartRate)
	for i := 0; i < nonin.SequenceLength; i++ {
		t := float64(s.frameCount+int64(i)) / nonin.FrameRate
		phase := math.Mod(t, beat) / beat
		v.Pleth[i] = uint8(128 + 100*math.Sin(2*math.Pi*phase))
		// Perfusion markers flag the frame that starts a pulse
		if phase < 1.0/(nonin.FrameRate*beat) {
			v.Status[i] = nonin.StatusGreenPerfusion | nonin.StatusRedPerfusion
		}
	}
	return v
}

// ecgWaveform returns a 16 bit ECG reading for time t seconds.
func ecgWaveform(t float64, bpm uint16) uint16 {
	beat := 60.0 / float64(bpm)
	x := math.Mod(t, beat) / beat
	wave := 0.1*gauss(x, 0.18, 0.025) - // P
		0.15*gauss(x, 0.28, 0.008) + // Q
		1.0*gauss(x, 0.3, 0.01) - // R
		0.25*gauss(x, 0.32, 0.008) + // S
		0.3*gauss(x, 0.55, 0.04) // T
	return uint16(0x8000 + wave*0x3000)
}

func gauss(x, mu, sigma float64) float64 {
	d := (x - mu) / sigma
	return math.Exp(-d * d / 2)
}
