package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/balance"
	"github.com/gwillem/servobot/pkg/control"
)

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Series colors, attitude first, then balance servo targets.
var seriesColors = []string{"196", "46", "226", "51", "208", "201"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// logWriter feeds log output into the monitor instead of the terminal.
type logWriter struct {
	ch chan string
}

func newLogWriter(buffer int) *logWriter {
	return &logWriter{ch: make(chan string, buffer)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- strings.TrimRight(string(p), "\n"):
	default:
		// Drop if nobody is reading
	}
	return len(p), nil
}

func (w *logWriter) Lines() <-chan string {
	return w.ch
}

type monitorModel struct {
	states <-chan control.State
	logs   <-chan string
	arb    *arbiter.Arbiter
	ctrl   *balance.Controller // nil without balance axes

	chart    *streamlinechart.Model
	series   []string
	width    int
	height   int
	lines    []string
	last     control.State
	quitting bool
}

type stateMsg control.State
type logMsg string

func waitForState(ch <-chan control.State) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ch)
	}
}

func waitForLog(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ch)
	}
}

func newMonitorModel(states <-chan control.State, logs <-chan string, arb *arbiter.Arbiter, ctrl *balance.Controller) monitorModel {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-90, 90))

	series := []string{balance.Pitch, balance.Roll}
	if ctrl != nil {
		for _, ax := range ctrl.Axes() {
			series = append(series, string(ax.Servo))
		}
	}
	for i, name := range series {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(seriesColors[i%len(seriesColors)]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}

	return monitorModel{
		states: states,
		logs:   logs,
		arb:    arb,
		ctrl:   ctrl,
		chart:  &chart,
		series: series,
	}
}

func (m *monitorModel) addLog(msg string) {
	m.lines = append(m.lines, msg)
	if len(m.lines) > maxLogs {
		m.lines = m.lines[len(m.lines)-maxLogs:]
	}
}

func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize-1, 10)
	return width, height
}

func (m *monitorModel) setMode(mode arbiter.Mode) {
	if err := m.arb.SetMode(mode); err != nil {
		m.addLog(fmt.Sprintf("Cannot enter %s mode: %v", mode, err))
	}
}

func (m monitorModel) Init() tea.Cmd {
	var cmds []tea.Cmd
	cmds = append(cmds, waitForState(m.states))
	if m.logs != nil {
		cmds = append(cmds, waitForLog(m.logs))
	}
	return tea.Batch(cmds...)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "b":
			m.setMode(arbiter.Balancing)
		case "s":
			m.setMode(arbiter.Scripted)
		case "e":
			m.setMode(arbiter.Error)
		}
		return m, nil

	case stateMsg:
		state := control.State(msg)
		if state.Error == nil {
			if state.Targets == nil {
				m.chart.PushDataSet(balance.Pitch, state.Attitude.Pitch)
				m.chart.PushDataSet(balance.Roll, state.Attitude.Roll)
			}
			for id, angle := range state.Targets {
				m.chart.PushDataSet(string(id), angle)
			}
			m.chart.DrawAll()
		}
		m.last = state
		return m, waitForState(m.states)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.logs)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	mode, _ := m.arb.Mode()
	sb.WriteString(titleStyle.Render("Servobot Monitor"))
	sb.WriteString(fmt.Sprintf(" - mode %s  pitch %+6.1f°  roll %+6.1f°  yaw %+6.1f°",
		mode, m.last.Attitude.Pitch, m.last.Attitude.Roll, m.last.Attitude.Yaw))
	if m.ctrl != nil {
		sb.WriteString(statusStyle.Render(renderStats(m.ctrl.Stats())))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.lines) == 0 {
		logLines = statusStyle.Render("b: balance  s: scripted  e: error  q: quit")
	} else {
		logLines = strings.Join(m.lines, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m monitorModel) renderLegend() string {
	var items []string
	for i, name := range m.series {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(seriesColors[i%len(seriesColors)])).Bold(true)
		items = append(items, style.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}

func renderStats(stats map[string]balance.Stats) string {
	axes := make([]string, 0, len(stats))
	for name := range stats {
		axes = append(axes, name)
	}
	sort.Strings(axes)

	var sb strings.Builder
	for _, name := range axes {
		s := stats[name]
		fmt.Fprintf(&sb, "  [%s |e| %.2f, overshoots %d]", name, s.MeanAbs, s.Overshoots)
	}
	return sb.String()
}
