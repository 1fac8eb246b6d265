// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package session ties one device link to the packet decoders, the sample
// history and the aggregate vital-sign status.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
	"github.com/Thermoquad/ecgbridge/pkg/samples"
	"github.com/Thermoquad/ecgbridge/pkg/transport"
)

const (
	ChannelECG     = 0
	ChannelBattery = 1
)

var (
	ErrUnknownChannel = errors.New("unknown ADC channel")
	ErrTransport      = errors.New("transport failure")
	ErrAlreadyRunning = errors.New("session already running")
)

// Observer receives session events, typically to export metrics. Methods are
// called from the polling goroutine.
type Observer interface {
	PacketDecoded(p obi411.Packet)
	BytesDropped(n uint64)
	SampleStored()
	BatteryUpdated(volts float64)
	SequenceDecoded(seq *nonin.Sequence)
	OutboundWrite()
	SessionError(kind string)
	Running(running bool)
}

// Config configures a Session. Zero values select defaults.
type Config struct {
	Port       string // shown in status
	MaxSamples int
	LEDNode    uint8
	LEDPin     uint8 // digital output reflecting green perfusion
	Logger     *zap.Logger
	Observer   Observer
	Now        func() time.Time
}

// Session owns one connection and everything decoded from it.
type Session struct {
	id   string
	cfg  Config
	conn transport.Connection
	log  *zap.Logger
	obs  Observer

	outer *obi411.Decoder
	inner *nonin.Decoder

	// status is guarded by the sample buffer lock
	buf    *samples.Buffer
	status Status
	// ledKnown is set once the output state has been written or reported
	ledKnown bool

	queue   WriteQueue
	started time.Time
	running atomic.Bool

	statsMu     sync.Mutex
	stats       *Statistics
	lastDropped uint64
}

// New creates a session reading from conn. The session takes ownership of
// conn and closes it when Run returns.
func New(conn transport.Connection, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LEDPin > 15 {
		return nil, fmt.Errorf("LED pin %d out of range 0-15", cfg.LEDPin)
	}

	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		conn:  conn,
		obs:   cfg.Observer,
		buf:   samples.New(cfg.MaxSamples),
		stats: NewStatistics(),
	}
	s.log = cfg.Logger.With(zap.String("session", s.id), zap.String("port", cfg.Port))
	s.status.Port = cfg.Port
	s.started = cfg.Now()

	var err error
	if s.inner, err = nonin.NewDecoder(s); err != nil {
		return nil, err
	}
	if s.outer, err = obi411.NewDecoder(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Buffer returns the sample history.
func (s *Session) Buffer() *samples.Buffer {
	return s.buf
}

// Running reports whether Run is active.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Run polls the connection until ctx ends, the transport fails or a fatal
// protocol error occurs. Queued writes are sent between reads. The connection
// is closed on return. There is no reconnect.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.obs.Running(true)
	s.log.Info("session started")

	err := s.poll(ctx)

	if cerr := s.conn.Close(); cerr != nil {
		s.log.Warn("close failed", zap.Error(cerr))
	}
	s.running.Store(false)
	s.obs.Running(false)

	if err != nil && !errors.Is(err, context.Canceled) {
		s.obs.SessionError(errorKind(err))
		s.log.Error("session ended", zap.Error(err))
	} else {
		s.log.Info("session stopped")
	}
	stats := s.Statistics()
	s.log.Debug("statistics", zap.String("summary", stats.String()))
	return err
}

func (s *Session) poll(ctx context.Context) error {
	buf := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.flush(); err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
	}
}

// flush writes every queued packet.
func (s *Session) flush() error {
	for _, p := range s.queue.Drain() {
		if _, err := s.conn.Write(p); err != nil {
			return err
		}
		s.obs.OutboundWrite()
		s.statsMu.Lock()
		s.stats.OutboundWrites++
		s.statsMu.Unlock()
	}
	return nil
}

// Feed decodes bytes received from the device. Errors are fatal for the
// session.
func (s *Session) Feed(p []byte) error {
	err := s.outer.Feed(p)

	if dropped := s.outer.Dropped(); dropped > s.lastDropped {
		delta := dropped - s.lastDropped
		s.lastDropped = dropped
		s.obs.BytesDropped(delta)
		s.statsMu.Lock()
		s.stats.DroppedBytes += delta
		s.statsMu.Unlock()
	}
	return err
}

// Enqueue queues p for transmission by the polling loop.
func (s *Session) Enqueue(p []byte) {
	s.queue.Push(p)
}

// Pending returns the number of queued outbound packets.
func (s *Session) Pending() int {
	return s.queue.Len()
}

// OnADCStatus implements obi411.Handler.
func (s *Session) OnADCStatus(p obi411.ADCStatus) error {
	s.countPacket(p)
	switch p.Channel {
	case ChannelECG:
		s.pushSample(p.Value)
		return nil
	case ChannelBattery:
		volts := BatteryVolts(p.Value)
		s.buf.Locked(func() {
			s.status.BatteryVoltage = volts
		})
		s.obs.BatteryUpdated(volts)
		return nil
	default:
		return fmt.Errorf("%w %d (node %d)", ErrUnknownChannel, p.Channel, p.Node)
	}
}

// OnIOStatus implements obi411.Handler.
func (s *Session) OnIOStatus(p obi411.IOStatus) error {
	s.countPacket(p)
	bit := uint16(1) << s.cfg.LEDPin
	s.buf.Locked(func() {
		s.status.IOValue = p.Value
		s.status.IOMask = p.Mask
		if p.Node == s.cfg.LEDNode && p.Mask&bit != 0 {
			s.status.LED = p.Value&bit != 0
			s.ledKnown = true
		}
	})
	return nil
}

// OnData implements obi411.Handler.
func (s *Session) OnData(p obi411.DataPacket) error {
	s.countPacket(p)
	if err := s.inner.Parse(p.Payload); err != nil {
		s.statsMu.Lock()
		s.stats.SequenceErrors++
		s.statsMu.Unlock()
		return fmt.Errorf("pulse oximeter data from node %d: %w", p.Node, err)
	}
	return nil
}

// OnSequence implements nonin.Handler.
func (s *Session) OnSequence(seq *nonin.Sequence) error {
	led := len(seq.GreenPerfusion) > 0
	var toggle bool
	s.buf.Locked(func() {
		s.status.Alarms = seq.Alarms
		if seq.HasSpO2 {
			s.status.SpO2 = seq.SpO2
		}
		if seq.HasHeartRate {
			s.status.HeartRate = seq.HeartRate
		}
		s.status.GreenPerfusion = len(seq.GreenPerfusion)
		s.status.RedPerfusion = len(seq.RedPerfusion)
		if !s.ledKnown || s.status.LED != led {
			s.status.LED = led
			s.ledKnown = true
			toggle = true
		}
	})

	if toggle {
		bit := uint16(1) << s.cfg.LEDPin
		var value uint16
		if led {
			value = bit
		}
		s.Enqueue(obi411.EncodeIOWrite(s.cfg.LEDNode, value, bit))
	}

	s.statsMu.Lock()
	s.stats.Sequences++
	if seq.Alarms != 0 {
		s.stats.AlarmSequences++
	}
	s.statsMu.Unlock()
	s.obs.SequenceDecoded(seq)

	if seq.Alarms != 0 {
		s.log.Debug("pulse oximeter alarm", zap.String("alarms", nonin.FormatAlarms(seq.Alarms)))
	}
	return nil
}

// pushSample stores an ECG reading. Timestamps are milliseconds since the
// session started and strictly increase so a reader polling with the newest
// timestamp never misses a sample that arrived within the same millisecond.
func (s *Session) pushSample(v uint16) {
	ts := s.cfg.Now().Sub(s.started).Milliseconds()
	s.buf.PushWith(v, func() int64 {
		if s.status.LastSample > 0 && ts <= s.status.LastSample {
			ts = s.status.LastSample + 1
		}
		if ts <= 0 {
			ts = 1
		}
		s.status.LastSample = ts
		return ts
	})

	s.statsMu.Lock()
	s.stats.Samples++
	s.statsMu.Unlock()
	s.obs.SampleStored()
}

func (s *Session) countPacket(p obi411.Packet) {
	s.statsMu.Lock()
	s.stats.Update(p)
	s.statsMu.Unlock()
	s.obs.PacketDecoded(p)
}

// Status returns a copy of the aggregate status.
func (s *Session) Status() Status {
	var st Status
	s.buf.Locked(func() {
		st = s.status
	})
	return st
}

// Snapshot returns the status together with the retained samples, taken
// under one lock hold.
func (s *Session) Snapshot() StatusSnapshot {
	var snap StatusSnapshot
	snap.Samples = s.buf.SnapshotWith(func() {
		snap.Port = s.status.Port
		snap.LastSample = s.status.LastSample
		snap.BatteryVoltage = s.status.BatteryVoltage
		snap.SpO2 = s.status.SpO2
		snap.HeartRate = s.status.HeartRate
	})
	return snap
}

// PullSince blocks until samples newer than since exist or ctx ends.
func (s *Session) PullSince(ctx context.Context, since int64) (*Report, error) {
	r := &Report{Ref: since}
	ecg, err := s.buf.PullSinceContext(ctx, since, func() {
		r.Alarms = s.status.Alarms
		r.SpO2 = s.status.SpO2
		r.HeartRate = s.status.HeartRate
		r.BatteryVoltage = s.status.BatteryVoltage
		r.GreenPerfusion = s.status.GreenPerfusion
		r.RedPerfusion = s.status.RedPerfusion
	})
	if err != nil {
		return nil, err
	}
	r.ECG = make([][2]int64, len(ecg))
	for i, smp := range ecg {
		r.ECG[i] = [2]int64{smp.Timestamp, int64(smp.Value)}
	}
	return r, nil
}

// Statistics returns a copy of the link statistics.
func (s *Session) Statistics() Statistics {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stats := *s.stats
	stats.CalculateRates()
	return stats
}

// errorKind classifies a fatal session error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, nonin.ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, nonin.ErrSequenceLength):
		return "sequence_length"
	case errors.Is(err, nonin.ErrFragment):
		return "fragment"
	default:
		return "other"
	}
}

type nopObserver struct{}

func (nopObserver) PacketDecoded(obi411.Packet)     {}
func (nopObserver) BytesDropped(uint64)             {}
func (nopObserver) SampleStored()                   {}
func (nopObserver) BatteryUpdated(float64)          {}
func (nopObserver) SequenceDecoded(*nonin.Sequence) {}
func (nopObserver) OutboundWrite()                  {}
func (nopObserver) SessionError(string)             {}
func (nopObserver) Running(bool)                    {}
