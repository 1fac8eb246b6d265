// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
	"github.com/Thermoquad/ecgbridge/pkg/session"
)

var _ session.Observer = (*AppMetrics)(nil)

// adcPacket decodes one ADC status packet so it carries real wire bytes.
func adcPacket(t *testing.T, corrupt bool) obi411.ADCStatus {
	t.Helper()
	raw := obi411.EncodeADCStatus(1, 0, 0x1234)
	if corrupt {
		raw[len(raw)-1] ^= 0xFF
	}
	var got obi411.ADCStatus
	d, err := obi411.NewDecoder(handler{adc: func(p obi411.ADCStatus) { got = p }})
	require.NoError(t, err)
	require.NoError(t, d.Feed(raw))
	return got
}

type handler struct {
	adc func(obi411.ADCStatus)
}

func (h handler) OnADCStatus(p obi411.ADCStatus) error { h.adc(p); return nil }
func (h handler) OnIOStatus(obi411.IOStatus) error     { return nil }
func (h handler) OnData(obi411.DataPacket) error       { return nil }

func TestAppMetrics_Observer(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.PacketDecoded(adcPacket(t, false))
	m.PacketDecoded(adcPacket(t, true))
	m.BytesDropped(5)
	m.SampleStored()
	m.BatteryUpdated(3.7)
	m.SequenceDecoded(&nonin.Sequence{HeartRate: 61, HasHeartRate: true})
	m.OutboundWrite()
	m.SessionError("transport")
	m.Running(true)
	m.Pull("ok")
	m.RateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsTotal.WithLabelValues("adc_status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChecksumMismatchTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DroppedBytesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesTotal))
	assert.Equal(t, 3.7, testutil.ToFloat64(m.BatteryVolts))
	assert.Equal(t, 61.0, testutil.ToFloat64(m.HeartRate))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SpO2))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionErrorsTotal.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPPullTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))

	m.Running(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionRunning))
}

func TestHandler_Exposition(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)
	m.SequenceDecoded(&nonin.Sequence{SpO2: 98, HasSpO2: true})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nonin_sequences_total 1")
	assert.Contains(t, string(body), "spo2_percent 98")
	assert.Contains(t, string(body), "go_goroutines")
}
