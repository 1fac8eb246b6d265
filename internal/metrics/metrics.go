// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package metrics exports bridge activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics holds the bridge metrics. It implements session.Observer.
type AppMetrics struct {
	PacketsTotal          *prometheus.CounterVec // labels: type
	DroppedBytesTotal     prometheus.Counter
	ChecksumMismatchTotal prometheus.Counter
	SequencesTotal        prometheus.Counter
	SessionErrorsTotal    *prometheus.CounterVec // labels: kind
	SamplesTotal          prometheus.Counter
	OutboundWritesTotal   prometheus.Counter
	HTTPPullTotal         *prometheus.CounterVec // labels: result=ok|timeout|unavailable|error
	RateLimitedTotal      prometheus.Counter

	HeartRate      prometheus.Gauge
	SpO2           prometheus.Gauge
	BatteryVolts   prometheus.Gauge
	SessionRunning prometheus.Gauge
}

// NewAppMetrics registers and returns the bridge metrics.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obi411_packets_total",
			Help: "Decoded OBI411 packets by type.",
		}, []string{"type"}),
		DroppedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obi411_dropped_bytes_total",
			Help: "Bytes discarded while resynchronizing on the start byte.",
		}),
		ChecksumMismatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obi411_checksum_mismatch_total",
			Help: "Decoded packets whose checksum byte did not match.",
		}),
		SequencesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nonin_sequences_total",
			Help: "Pulse oximeter sequences decoded.",
		}),
		SessionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_errors_total",
			Help: "Fatal session errors by kind.",
		}, []string{"kind"}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecg_samples_total",
			Help: "ECG samples stored.",
		}),
		OutboundWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbound_writes_total",
			Help: "Packets written to the device.",
		}),
		HTTPPullTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_pull_total",
			Help: "Sample pull requests by result.",
		}, []string{"result"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter.",
		}),
		HeartRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heart_rate_bpm",
			Help: "Most recent heart rate.",
		}),
		SpO2: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spo2_percent",
			Help: "Most recent SpO2.",
		}),
		BatteryVolts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battery_volts",
			Help: "Most recent battery voltage.",
		}),
		SessionRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_running",
			Help: "1 while a device session is polling.",
		}),
	}
	reg.MustRegister(
		m.PacketsTotal, m.DroppedBytesTotal, m.ChecksumMismatchTotal, m.SequencesTotal,
		m.SessionErrorsTotal, m.SamplesTotal, m.OutboundWritesTotal, m.HTTPPullTotal,
		m.RateLimitedTotal, m.HeartRate, m.SpO2, m.BatteryVolts, m.SessionRunning,
	)
	return m
}

func (m *AppMetrics) PacketDecoded(p obi411.Packet) {
	m.PacketsTotal.WithLabelValues(packetLabel(p.Type())).Inc()
	if !p.ChecksumValid() {
		m.ChecksumMismatchTotal.Inc()
	}
}

func (m *AppMetrics) BytesDropped(n uint64) {
	m.DroppedBytesTotal.Add(float64(n))
}

func (m *AppMetrics) SampleStored() {
	m.SamplesTotal.Inc()
}

func (m *AppMetrics) BatteryUpdated(volts float64) {
	m.BatteryVolts.Set(volts)
}

func (m *AppMetrics) SequenceDecoded(seq *nonin.Sequence) {
	m.SequencesTotal.Inc()
	if seq.HasHeartRate {
		m.HeartRate.Set(float64(seq.HeartRate))
	}
	if seq.HasSpO2 {
		m.SpO2.Set(float64(seq.SpO2))
	}
}

func (m *AppMetrics) OutboundWrite() {
	m.OutboundWritesTotal.Inc()
}

func (m *AppMetrics) SessionError(kind string) {
	m.SessionErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *AppMetrics) Running(running bool) {
	if running {
		m.SessionRunning.Set(1)
	} else {
		m.SessionRunning.Set(0)
	}
}

// Pull counts one sample pull by result.
func (m *AppMetrics) Pull(result string) {
	m.HTTPPullTotal.WithLabelValues(result).Inc()
}

// RateLimited counts one request rejected by the HTTP rate limiter.
func (m *AppMetrics) RateLimited() {
	m.RateLimitedTotal.Inc()
}

func packetLabel(id uint8) string {
	switch id {
	case obi411.TypeADCStatus:
		return "adc_status"
	case obi411.TypeIOStatus:
		return "io_status"
	case obi411.TypeData:
		return "data"
	default:
		return "other"
	}
}
