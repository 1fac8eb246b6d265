// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ecgbridge/pkg/nonin"
	"github.com/Thermoquad/ecgbridge/pkg/obi411"
	"github.com/Thermoquad/ecgbridge/pkg/session"
)

var monitorShowAll bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal view of vitals and link statistics",
	Long: `Run a device session and show heart rate, SpO2, battery voltage, link
statistics and a log of recent events in the terminal.

By default only alarms and errors are logged; --show-all also logs every
pulse oximeter sequence.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorShowAll, "show-all", false, "Log every sequence, not just alarms and errors")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, connInfo, err := openConnection(ctx, cfg)
	if err != nil {
		return err
	}

	obs := &monitorObserver{}
	sess, err := session.New(conn, session.Config{
		Port:       connInfo,
		MaxSamples: cfg.Buffer.MaxSamples,
		LEDNode:    uint8(cfg.Device.LEDNode),
		LEDPin:     uint8(cfg.Device.LEDPin),
		Observer:   obs,
	})
	if err != nil {
		conn.Close()
		return err
	}

	p := tea.NewProgram(newMonitorModel(connInfo, sess, monitorShowAll), tea.WithAltScreen())
	obs.program = p

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := sess.Run(ctx)
		p.Send(sessionEndedMsg{err: err})
	}()

	_, err = p.Run()
	cancel()
	<-done
	return err
}

// monitorObserver forwards the events shown in the log to the program.
type monitorObserver struct {
	program *tea.Program
}

func (o *monitorObserver) PacketDecoded(obi411.Packet) {}
func (o *monitorObserver) SampleStored()               {}
func (o *monitorObserver) BatteryUpdated(float64)      {}
func (o *monitorObserver) OutboundWrite()              {}
func (o *monitorObserver) Running(bool)                {}

func (o *monitorObserver) BytesDropped(n uint64) {
	o.program.Send(droppedMsg(n))
}

func (o *monitorObserver) SequenceDecoded(seq *nonin.Sequence) {
	o.program.Send(sequenceMsg{seq: seq})
}

func (o *monitorObserver) SessionError(kind string) {}

// Log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// Messages
type tickMsg time.Time
type droppedMsg uint64
type sequenceMsg struct {
	seq *nonin.Sequence
}
type sessionEndedMsg struct {
	err error
}

type monitorModel struct {
	connInfo string
	showAll  bool
	sess     *session.Session

	status  session.Status
	stats   session.Statistics
	spinner spinner.Model
	synced  bool
	ended   error

	eventLog      []logEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

func newMonitorModel(connInfo string, sess *session.Session, showAll bool) monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return monitorModel{
		connInfo:      connInfo,
		showAll:       showAll,
		sess:          sess,
		spinner:       sp,
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case spinner.TickMsg:
		if m.synced {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case droppedMsg:
		m.addLogEntry(fmt.Sprintf("Resynchronized after dropping %d bytes", uint64(msg)), true)

	case sequenceMsg:
		if !m.synced {
			m.synced = true
			m.addLogEntry("Pulse oximeter synchronized", false)
		}
		seq := msg.seq
		if seq.Alarms != 0 {
			m.addLogEntry("ALARM: "+nonin.FormatAlarms(seq.Alarms), true)
		} else if m.showAll {
			m.addLogEntry(sequenceSummary(seq), false)
		}

	case sessionEndedMsg:
		m.refresh()
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.ended = msg.err
			m.addLogEntry(fmt.Sprintf("SESSION ENDED: %v", msg.err), true)
		} else {
			m.ended = errors.New("stopped")
		}
	}

	return m, nil
}

func (m *monitorModel) refresh() {
	m.status = m.sess.Status()
	m.stats = m.sess.Statistics()
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func sequenceSummary(seq *nonin.Sequence) string {
	hr := "--"
	if seq.HasHeartRate {
		hr = fmt.Sprintf("%d", seq.HeartRate)
	}
	spo2 := "--"
	if seq.HasSpO2 {
		spo2 = fmt.Sprintf("%d", seq.SpO2)
	}
	return fmt.Sprintf("Sequence @%d: HR %s, SpO2 %s, beats %d", seq.StartFrame, hr, spo2, len(seq.GreenPerfusion))
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("ECGBRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Press 'q' to quit", m.connInfo)))
	s.WriteString("\n\n")

	switch {
	case m.ended != nil:
		s.WriteString(errorStyle.Render("✗ Session ended"))
	case !m.synced:
		s.WriteString(warningStyle.Render(m.spinner.View() + " Waiting for pulse oximeter..."))
	default:
		s.WriteString(valueStyle.Render("✓ Receiving"))
	}
	s.WriteString("\n\n")

	// Vitals
	vitals := strings.Builder{}
	hr, spo2 := "--", "--"
	if m.status.HeartRate != 0 {
		hr = fmt.Sprintf("%d bpm", m.status.HeartRate)
	}
	if m.status.SpO2 != 0 {
		spo2 = fmt.Sprintf("%d%%", m.status.SpO2)
	}
	vitals.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Heart Rate:"), valueStyle.Render(hr),
		labelStyle.Render("SpO2:"), valueStyle.Render(spo2),
		labelStyle.Render("Battery:"), valueStyle.Render(fmt.Sprintf("%.2f V", m.status.BatteryVoltage)),
	))
	alarms := valueStyle.Render("none")
	if m.status.Alarms != 0 {
		alarms = errorStyle.Render(nonin.FormatAlarms(m.status.Alarms))
	}
	led := "off"
	if m.status.LED {
		led = "on"
	}
	vitals.WriteString(fmt.Sprintf("%s %s   %s %s   %s %d ms",
		labelStyle.Render("Alarms:"), alarms,
		labelStyle.Render("LED:"), valueStyle.Render(led),
		labelStyle.Render("Last Sample:"), m.status.LastSample,
	))
	s.WriteString(boxStyle.Render(vitals.String()))
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		labelStyle.Render("Packets:"), valueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		labelStyle.Render("ADC:"), valueStyle.Render(fmt.Sprintf("%d", st.ADCPackets)),
		labelStyle.Render("I/O:"), valueStyle.Render(fmt.Sprintf("%d", st.IOPackets)),
		labelStyle.Render("Data:"), valueStyle.Render(fmt.Sprintf("%d", st.DataPackets)),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Sequences:"), valueStyle.Render(fmt.Sprintf("%d", st.Sequences)),
		labelStyle.Render("With alarms:"), warningStyle.Render(fmt.Sprintf("%d", st.AlarmSequences)),
		labelStyle.Render("Samples:"), valueStyle.Render(fmt.Sprintf("%d", st.Samples)),
	))
	if st.ChecksumMismatches > 0 || st.DroppedBytes > 0 || st.SequenceErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Bad Checksums:"), warningStyle.Render(fmt.Sprintf("%d", st.ChecksumMismatches)),
			labelStyle.Render("Dropped Bytes:"), errorStyle.Render(fmt.Sprintf("%d", st.DroppedBytes)),
			labelStyle.Render("Sequence Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.SequenceErrors)),
		))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Packet Rate:"), valueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		labelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
	))
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 18
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[startIdx:] {
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
