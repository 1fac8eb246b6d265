// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package session

import (
	"math"

	"github.com/Thermoquad/ecgbridge/pkg/samples"
)

// Status is the aggregate device state derived from decoded packets.
type Status struct {
	Port string `json:"port"`

	Alarms         uint8   `json:"alarms"`
	SpO2           uint8   `json:"spO2"`
	HeartRate      uint16  `json:"hr"`
	BatteryVoltage float64 `json:"battV"`
	GreenPerfusion int     `json:"greenp"`
	RedPerfusion   int     `json:"redp"`

	LastSample int64  `json:"lastSample"` // ms since session start
	LED        bool   `json:"led"`
	IOValue    uint16 `json:"ioValue"`
	IOMask     uint16 `json:"ioMask"`
}

// StatusSnapshot is a point-in-time copy of the session state and the
// retained samples.
type StatusSnapshot struct {
	Port           string           `json:"port"`
	LastSample     int64            `json:"lastSample"`
	Samples        []samples.Sample `json:"samples"`
	BatteryVoltage float64          `json:"battV"`
	SpO2           uint8            `json:"spO2"`
	HeartRate      uint16           `json:"hr"`
}

// Report answers a pull for samples newer than Ref. ECG timestamps are offsets
// from Ref.
type Report struct {
	Alarms         uint8      `json:"alarms" cbor:"alarms"`
	SpO2           uint8      `json:"spO2" cbor:"spO2"`
	HeartRate      uint16     `json:"hr" cbor:"hr"`
	BatteryVoltage float64    `json:"battV" cbor:"battV"`
	GreenPerfusion int        `json:"greenp" cbor:"greenp"`
	RedPerfusion   int        `json:"redp" cbor:"redp"`
	Ref            int64      `json:"ref" cbor:"ref"`
	ECG            [][2]int64 `json:"ecg" cbor:"ecg"`
}

// Newest returns the absolute timestamp of the newest sample in the report.
func (r *Report) Newest() int64 {
	if len(r.ECG) == 0 {
		return r.Ref
	}
	return r.Ref + r.ECG[len(r.ECG)-1][0]
}

// BatteryVolts converts a channel 1 reading to volts, rounded to 10 mV.
// Full scale 0xFFFF corresponds to 6.75 V.
func BatteryVolts(raw uint16) float64 {
	return math.Round(float64(raw)*675/65536) / 100
}
