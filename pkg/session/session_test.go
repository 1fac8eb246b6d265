// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
	"github.com/Thermoquad/ecgbridge/pkg/simulator"
)

// ============================================================
// Test Helpers
// ============================================================

// scriptConn replays chunks, one per Read, then idles or fails with end.
type scriptConn struct {
	mu     sync.Mutex
	chunks [][]byte
	end    error
	writes [][]byte
	closed bool
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if len(c.chunks) == 0 {
		if c.end != nil {
			return 0, c.end
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
		return 0, nil
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *scriptConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type countingObserver struct {
	mu        sync.Mutex
	packets   int
	dropped   uint64
	samples   int
	sequences int
	writes    int
	errors    []string
	running   []bool
}

func (o *countingObserver) PacketDecoded(obi411.Packet) { o.mu.Lock(); o.packets++; o.mu.Unlock() }
func (o *countingObserver) BytesDropped(n uint64)       { o.mu.Lock(); o.dropped += n; o.mu.Unlock() }
func (o *countingObserver) SampleStored()               { o.mu.Lock(); o.samples++; o.mu.Unlock() }
func (o *countingObserver) BatteryUpdated(float64)      {}
func (o *countingObserver) SequenceDecoded(*nonin.Sequence) {
	o.mu.Lock()
	o.sequences++
	o.mu.Unlock()
}
func (o *countingObserver) OutboundWrite() { o.mu.Lock(); o.writes++; o.mu.Unlock() }
func (o *countingObserver) SessionError(kind string) {
	o.mu.Lock()
	o.errors = append(o.errors, kind)
	o.mu.Unlock()
}
func (o *countingObserver) Running(r bool) {
	o.mu.Lock()
	o.running = append(o.running, r)
	o.mu.Unlock()
}

// manualClock advances by step on every call.
type manualClock struct {
	now  time.Time
	step time.Duration
}

func (c *manualClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newTestSession(t *testing.T, conn *scriptConn, obs Observer) *Session {
	t.Helper()
	clock := &manualClock{now: time.Unix(1700000000, 0), step: 4 * time.Millisecond}
	s, err := New(conn, Config{Port: "/dev/test", Observer: obs, Now: clock.Now})
	require.NoError(t, err)
	return s
}

// pulseOxPackets wraps frames in data packets of at most 20 bytes.
func pulseOxPackets(frames []byte) []byte {
	var out []byte
	for len(frames) > 0 {
		n := min(len(frames), obi411.MaxDataLength)
		out = append(out, obi411.MustEncodeData(1, frames[:n])...)
		frames = frames[n:]
	}
	return out
}

// sequencePackets encodes each vitals as one sequence followed by a closing
// frame sync.
func sequencePackets(vs ...nonin.Vitals) []byte {
	var frames []byte
	for _, v := range vs {
		frames = append(frames, nonin.EncodeSequence(v)...)
	}
	frames = append(frames, nonin.EncodeFrame(nonin.StatusFrameSync, 0, 0)...)
	return pulseOxPackets(frames)
}

// feedSequence delivers one complete sequence and drops the sequence its
// closing frame sync started.
func feedSequence(t *testing.T, s *Session, v nonin.Vitals) {
	t.Helper()
	require.NoError(t, s.Feed(sequencePackets(v)))
	s.inner.Reset()
}

func greenVitals(hr uint16, spo2 uint8) nonin.Vitals {
	v := nonin.Vitals{HeartRate: hr, SpO2: spo2}
	v.Status[3] = nonin.StatusGreenPerfusion
	return v
}

// ============================================================
// Handler Tests
// ============================================================

func TestSession_ECGSamplesAreTimestamped(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)

	for v := uint16(1); v <= 3; v++ {
		require.NoError(t, s.Feed(obi411.EncodeADCStatus(1, ChannelECG, v)))
	}

	snap := s.Snapshot()
	require.Len(t, snap.Samples, 3)
	assert.Equal(t, "/dev/test", snap.Port)
	// New reads the clock once, so samples start at 4 ms
	assert.Equal(t, int64(4), snap.Samples[0].Timestamp)
	assert.Equal(t, int64(12), snap.Samples[2].Timestamp)
	assert.Equal(t, int64(12), snap.LastSample)
	assert.Equal(t, uint16(3), snap.Samples[2].Value)
}

func TestSession_TimestampsStrictlyIncrease(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	s, err := New(&scriptConn{}, Config{Now: clock.Now})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Feed(obi411.EncodeADCStatus(1, ChannelECG, uint16(i))))
	}
	snap := s.Snapshot()
	for i := 1; i < len(snap.Samples); i++ {
		assert.Greater(t, snap.Samples[i].Timestamp, snap.Samples[i-1].Timestamp)
	}
	assert.Positive(t, snap.Samples[0].Timestamp)
}

func TestSession_BatteryVoltage(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0x0000, 0},
		{0xFFFF, 6.75},
		{0x8C54, 3.70},
		{0x8000, 3.38}, // 337.5 rounds up
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, BatteryVolts(tt.raw), 1e-9, "raw 0x%04X", tt.raw)
	}

	s := newTestSession(t, &scriptConn{}, nil)
	require.NoError(t, s.Feed(obi411.EncodeADCStatus(1, ChannelBattery, 0x8C54)))
	assert.InDelta(t, 3.70, s.Status().BatteryVoltage, 1e-9)
	assert.InDelta(t, 3.70, s.Snapshot().BatteryVoltage, 1e-9)
}

func TestSession_UnknownChannelIsFatal(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)
	err := s.Feed(obi411.EncodeADCStatus(1, 2, 0))
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, "unknown_channel", errorKind(err))
}

func TestSession_IOStatusStored(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)
	require.NoError(t, s.Feed(obi411.EncodeIOStatus(0, 0x0001, 0x00FF)))

	st := s.Status()
	assert.Equal(t, uint16(0x0001), st.IOValue)
	assert.Equal(t, uint16(0x00FF), st.IOMask)
	assert.True(t, st.LED)
}

func TestSession_SequenceUpdatesStatus(t *testing.T) {
	obs := &countingObserver{}
	s := newTestSession(t, &scriptConn{}, obs)

	alarm := nonin.Vitals{HeartRate: 90, SpO2: 50}
	alarm.Status[5] = nonin.StatusBadPulse
	invalidHR := nonin.Vitals{HeartRateInvalid: true, SpO2: 96}

	feedSequence(t, s, greenVitals(72, 98))
	st := s.Status()
	assert.Equal(t, uint16(72), st.HeartRate)
	assert.Equal(t, uint8(98), st.SpO2)
	assert.Equal(t, 1, st.GreenPerfusion)

	// Alarm: SpO2 absent keeps the previous value, heart rate still reported
	feedSequence(t, s, alarm)
	st = s.Status()
	assert.Equal(t, uint8(nonin.StatusBadPulse), st.Alarms)
	assert.Equal(t, uint8(98), st.SpO2)
	assert.Equal(t, uint16(90), st.HeartRate)

	// Invalid heart rate keeps the previous rate
	feedSequence(t, s, invalidHR)
	st = s.Status()
	assert.Zero(t, st.Alarms)
	assert.Equal(t, uint8(96), st.SpO2)
	assert.Equal(t, uint16(90), st.HeartRate)

	assert.Equal(t, 3, obs.sequences)
	assert.Equal(t, uint64(3), s.Statistics().Sequences)
	assert.Equal(t, uint64(1), s.Statistics().AlarmSequences)
}

func TestSession_LEDWrittenOnChangeOnly(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)

	// The closing frame sync of each feed starts the next sequence, so feed
	// all four sequences as one stream.
	require.NoError(t, s.Feed(sequencePackets(
		greenVitals(70, 97),
		greenVitals(71, 97),
		nonin.Vitals{HeartRate: 72, SpO2: 97},
		greenVitals(73, 97),
	)))

	writes := s.queue.Drain()
	require.Len(t, writes, 3)
	assert.Equal(t, obi411.EncodeIOWrite(0, 1, 1), writes[0])
	assert.Equal(t, obi411.EncodeIOWrite(0, 0, 1), writes[1])
	assert.Equal(t, obi411.EncodeIOWrite(0, 1, 1), writes[2])
	assert.True(t, s.Status().LED)
}

func TestSession_LEDFirstSequenceAlwaysWritten(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)

	// The output may be on at power-up, so the first state is written even
	// when it matches the zero value.
	require.NoError(t, s.Feed(sequencePackets(
		nonin.Vitals{HeartRate: 72, SpO2: 97},
		nonin.Vitals{HeartRate: 73, SpO2: 97},
	)))

	writes := s.queue.Drain()
	require.Len(t, writes, 1)
	assert.Equal(t, obi411.EncodeIOWrite(0, 0, 1), writes[0])
	assert.False(t, s.Status().LED)
}

func TestSession_LEDKnownFromIOStatus(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)

	require.NoError(t, s.Feed(obi411.EncodeIOStatus(0, 0x0000, 0xFFFF)))
	require.NoError(t, s.Feed(sequencePackets(nonin.Vitals{HeartRate: 72, SpO2: 97})))
	assert.Empty(t, s.queue.Drain())
}

func TestSession_LEDPinAndNode(t *testing.T) {
	s, err := New(&scriptConn{}, Config{LEDNode: 2, LEDPin: 9})
	require.NoError(t, err)

	require.NoError(t, s.Feed(sequencePackets(greenVitals(60, 95))))
	writes := s.queue.Drain()
	require.Len(t, writes, 1)
	assert.Equal(t, obi411.EncodeIOWrite(2, 1<<9, 1<<9), writes[0])

	_, err = New(&scriptConn{}, Config{LEDPin: 16})
	assert.Error(t, err)
}

func TestSession_InvalidFrameIsFatal(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)
	frames := nonin.EncodeSequence(nonin.Vitals{})
	frames[2*nonin.FrameSize+4] ^= 0xFF

	err := s.Feed(pulseOxPackets(frames))
	assert.ErrorIs(t, err, nonin.ErrInvalidFrame)
	assert.Equal(t, uint64(1), s.Statistics().SequenceErrors)
}

func TestSession_DroppedBytesReported(t *testing.T) {
	obs := &countingObserver{}
	s := newTestSession(t, &scriptConn{}, obs)

	stream := append([]byte{0x00, 0x11, 0x22}, obi411.EncodeADCStatus(1, 0, 5)...)
	require.NoError(t, s.Feed(stream))
	assert.Equal(t, uint64(3), obs.dropped)
	assert.Equal(t, uint64(3), s.Statistics().DroppedBytes)
	assert.Equal(t, 1, obs.packets)
}

// ============================================================
// Pull Tests
// ============================================================

func TestSession_PullSince(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)
	require.NoError(t, s.Feed(obi411.EncodeADCStatus(1, ChannelBattery, 0xFFFF)))
	for v := uint16(10); v < 13; v++ {
		require.NoError(t, s.Feed(obi411.EncodeADCStatus(1, ChannelECG, v)))
	}

	// Samples at 4, 8 and 12 ms
	report, err := s.PullSince(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Ref)
	assert.Equal(t, [][2]int64{{3, 11}, {7, 12}}, report.ECG)
	assert.Equal(t, int64(12), report.Newest())
	assert.InDelta(t, 6.75, report.BatteryVoltage, 1e-9)

	enc, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alarms":0,"spO2":0,"hr":0,"battV":6.75,"greenp":0,"redp":0,"ref":5,"ecg":[[3,11],[7,12]]}`, string(enc))
}

func TestSession_PullSinceTimeout(t *testing.T) {
	s := newTestSession(t, &scriptConn{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.PullSince(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================
// Polling Loop Tests
// ============================================================

func TestSession_RunStopsOnTransportError(t *testing.T) {
	conn := &scriptConn{
		chunks: [][]byte{
			obi411.EncodeADCStatus(1, ChannelECG, 100),
			sequencePackets(greenVitals(72, 98)),
		},
		end: io.EOF,
	}
	obs := &countingObserver{}
	s := newTestSession(t, conn, obs)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, conn.Closed())
	assert.False(t, s.Running())

	// LED write was drained between reads before the EOF
	require.Len(t, conn.Writes(), 1)
	assert.Equal(t, obi411.EncodeIOWrite(0, 1, 1), conn.Writes()[0])
	assert.Equal(t, 1, obs.writes)
	assert.Equal(t, []string{"transport"}, obs.errors)
	assert.Equal(t, []bool{true, false}, obs.running)
	assert.Equal(t, 1, s.Buffer().Len())
}

func TestSession_RunStopsOnProtocolError(t *testing.T) {
	conn := &scriptConn{chunks: [][]byte{obi411.EncodeADCStatus(1, 7, 0)}}
	obs := &countingObserver{}
	s := newTestSession(t, conn, obs)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.True(t, conn.Closed())
	assert.Equal(t, []string{"unknown_channel"}, obs.errors)
}

func TestSession_RunCanceled(t *testing.T) {
	conn := &scriptConn{}
	s := newTestSession(t, conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, conn.Closed())
}

func TestSession_WithSimulator(t *testing.T) {
	sim := simulator.New(simulator.Config{PollInterval: 5 * time.Millisecond, HeartRate: 64, SpO2: 99})
	s, err := New(sim, Config{Port: "Simulator"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	pullCtx, pullCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pullCancel()
	report, err := s.PullSince(pullCtx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ECG)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.HeartRate == 64 && st.SpO2 == 99 && st.BatteryVoltage > 3.6
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStatistics_String(t *testing.T) {
	stats := NewStatistics()
	stats.Update(obi411.ADCStatus{})
	stats.DroppedBytes = 4
	out := stats.String()
	assert.Contains(t, out, "Total Packets:          1")
	assert.Contains(t, out, "Dropped Bytes:          4")
	assert.Contains(t, out, "Bad Checksums")

	stats.Reset()
	assert.Zero(t, stats.TotalPackets)
}

func TestWriteQueue(t *testing.T) {
	var q WriteQueue
	p := []byte{1, 2}
	q.Push(p)
	p[0] = 9
	q.Push([]byte{3})
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, [][]byte{{1, 2}, {3}}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain())
}
