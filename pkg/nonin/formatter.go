// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package nonin

import (
	"fmt"
	"strings"
)

// FormatAlarms returns the names of the alarm bits set in alarms.
func FormatAlarms(alarms uint8) string {
	if alarms == 0 {
		return "none"
	}
	var names []string
	if alarms&StatusSensorAlarm != 0 {
		names = append(names, "SENSOR_ALARM")
	}
	if alarms&StatusOutOfTrack != 0 {
		names = append(names, "OUT_OF_TRACK")
	}
	if alarms&StatusBadPulse != 0 {
		names = append(names, "BAD_PULSE")
	}
	if alarms&StatusSensorDisconnected != 0 {
		names = append(names, "SENSOR_DISCONNECTED")
	}
	return strings.Join(names, "|")
}

// FormatSequence formats a sequence for the raw log.
func FormatSequence(seq *Sequence) string {
	timestamp := seq.Timestamp.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] PULSE_OX_SEQUENCE start_frame=%d alarms=%s\n",
		timestamp, seq.StartFrame, FormatAlarms(seq.Alarms))

	hr := "--"
	if seq.HasHeartRate {
		hr = fmt.Sprintf("%d bpm", seq.HeartRate)
	}
	spo2 := "--"
	if seq.HasSpO2 {
		spo2 = fmt.Sprintf("%d%%", seq.SpO2)
	}
	result += fmt.Sprintf("  Heart Rate: %s, SpO2: %s\n", hr, spo2)
	result += fmt.Sprintf("  Perfusion: green=%v red=%v\n", seq.GreenPerfusion, seq.RedPerfusion)
	if seq.Pleth != nil {
		result += fmt.Sprintf("  Pleth: %v\n", seq.Pleth)
	}
	return result
}
