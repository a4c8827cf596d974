// Package tui is the terminal ground station: it forwards key presses to the
// control listener and shows the armed state, the last command and the
// latest telemetry.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harshabose/hermes/pkg/control"
	"github.com/harshabose/hermes/pkg/telemetry"
)

// ResultMsg carries a control result into the program.
type ResultMsg control.Result

// TelemetryMsg carries a snapshot into the program.
type TelemetryMsg telemetry.Snapshot

// TelemetryErrMsg reports a failed snapshot.
type TelemetryErrMsg struct{ Err error }

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	armedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
	disarmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAF5F"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8700"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")).Width(22)
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

type Model struct {
	keys    chan<- string
	keyMap  control.KeyMap
	feedURL string

	armed    bool
	stopped  bool
	last     *control.Result
	snap     *telemetry.Snapshot
	telErr   error
	dropped  int
	quitting bool
}

// New returns a model that writes key names to keys. Sends never block: a
// press made while the listener is busy is dropped.
func New(keys chan<- string, keyMap control.KeyMap, feedURL string) Model {
	if keyMap == nil {
		keyMap = control.DefaultKeyMap()
	}

	return Model{keys: keys, keyMap: keyMap, feedURL: feedURL}
}

func (m Model) Init() tea.Cmd {
	return nil
}

// keyName normalises bubbletea key strings to KeyMap names.
func keyName(msg tea.KeyMsg) string {
	if msg.Type == tea.KeySpace {
		return "space"
	}
	return msg.String()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := keyName(msg)
		if key == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}

		if m.stopped {
			return m, nil
		}

		select {
		case m.keys <- key:
		default:
			m.dropped++
		}
		return m, nil

	case ResultMsg:
		r := control.Result(msg)
		m.last = &r
		if r.Action == control.ActionToggle {
			m.armed = r.Armed
		}
		if r.Action == control.ActionStop {
			m.stopped = true
		}
		return m, nil

	case TelemetryMsg:
		snap := telemetry.Snapshot(msg)
		m.snap = &snap
		m.telErr = nil
		return m, nil

	case TelemetryErrMsg:
		m.telErr = msg.Err
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "shutting down...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("hermes ground station"))
	if m.feedURL != "" {
		b.WriteString("  " + helpStyle.Render(m.feedURL))
	}
	b.WriteString("\n\n")

	switch {
	case m.stopped:
		b.WriteString(helpStyle.Render("INPUT STOPPED"))
	case m.armed:
		b.WriteString(armedStyle.Render("ARMED"))
	default:
		b.WriteString(disarmedStyle.Render("DISARMED"))
	}

	if m.last != nil {
		line := m.last.String()
		if !m.last.OK() {
			line = errStyle.Render(line)
		}
		b.WriteString("   last: " + line)
	}
	if m.dropped > 0 {
		b.WriteString(helpStyle.Render(fmt.Sprintf("   (%d keys dropped)", m.dropped)))
	}
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(m.telemetryView()))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(m.help()))
	b.WriteString("\n")

	return b.String()
}

func (m Model) telemetryView() string {
	if m.snap == nil {
		if m.telErr != nil {
			return errStyle.Render("telemetry: " + m.telErr.Error())
		}
		return helpStyle.Render("waiting for telemetry...")
	}

	var lines []string
	for _, f := range m.snap.Fields() {
		lines = append(lines, labelStyle.Render(f.Name)+formatValue(f.Value))
	}
	if m.telErr != nil {
		lines = append(lines, errStyle.Render("stale: "+m.telErr.Error()))
	}

	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch v := v.(type) {
	case [3]int:
		return fmt.Sprintf("%d, %d, %d", v[0], v[1], v[2])
	case [3]float64:
		return fmt.Sprintf("%.2f, %.2f, %.2f", v[0], v[1], v[2])
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprint(v)
	}
}

func (m Model) help() string {
	keys := m.keyMap.Keys()
	order := []control.Action{
		control.ActionToggle, control.ActionTakeoff, control.ActionLand,
		control.ActionForward, control.ActionBack, control.ActionLeft, control.ActionRight,
		control.ActionUp, control.ActionDown,
		control.ActionRotateClockwise, control.ActionRotateCounterClockwise,
		control.ActionStop,
	}

	var parts []string
	for _, a := range order {
		if k, ok := keys[a]; ok {
			parts = append(parts, fmt.Sprintf("%s %s", k, a))
		}
	}
	parts = append(parts, "ctrl+c quit")

	return strings.Join(parts, " • ")
}
