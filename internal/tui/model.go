// Package tui is the live progress view for long runs: a bubbletea model
// fed by the engine's event channel, showing the loop state, per-step plan
// statuses, and the most recent events. Closing the event channel ends the
// program; quitting the view never interrupts the run.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"datasage/internal/engine"
	"datasage/internal/project"
)

const maxRecentEvents = 8

// SnapshotFunc returns a consistent copy of the current project state for
// rendering. Wired to the arena's Snapshot.
type SnapshotFunc func() *project.ProjectState

// Model is the bubbletea model for the watch view.
type Model struct {
	events   <-chan engine.Event
	snapshot SnapshotFunc
	spinner  spinner.Model
	styles   styles

	state  engine.EngineState
	round  int
	recent []engine.Event
	width  int
	done   bool
}

type styles struct {
	title   lipgloss.Style
	state   lipgloss.Style
	step    lipgloss.Style
	ok      lipgloss.Style
	bad     lipgloss.Style
	dim     lipgloss.Style
	eventTS lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		state:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		step:    lipgloss.NewStyle().PaddingLeft(2),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		eventTS: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// New creates the watch model over an engine event stream.
func New(events <-chan engine.Event, snapshot SnapshotFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		events:   events,
		snapshot: snapshot,
		spinner:  sp,
		styles:   defaultStyles(),
		state:    engine.StateIdle,
		width:    100,
	}
}

type eventMsg engine.Event

type streamClosedMsg struct{}

// waitForEvent blocks on the next engine event. A closed channel means the
// run finished and its goroutine is gone.
func waitForEvent(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// Leaves the view only; the run keeps going in the background.
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case eventMsg:
		ev := engine.Event(msg)
		m.state = ev.State
		if ev.Round > m.round {
			m.round = ev.Round
		}
		m.recent = append(m.recent, ev)
		if len(m.recent) > maxRecentEvents {
			m.recent = m.recent[len(m.recent)-maxRecentEvents:]
		}
		if ev.State == engine.StateDone || ev.State == engine.StateAborted {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.title.Render("datasage") + "  " + m.styles.dim.Render("live analysis"))
	b.WriteString("\n\n")

	indicator := m.spinner.View()
	if m.done {
		indicator = " "
	}
	b.WriteString(fmt.Sprintf("%s %s  round %d\n\n",
		indicator, m.styles.state.Render(stateLabel(m.state)), m.round))

	if snap := m.snapshot(); snap != nil {
		b.WriteString(m.viewPlan(snap))
	}
	b.WriteString(m.viewRecent())

	if !m.done {
		b.WriteString(m.styles.dim.Render("q to leave the view; the run continues"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewPlan(snap *project.ProjectState) string {
	var b strings.Builder
	counts := snap.Plan.CountByStatus()
	b.WriteString(fmt.Sprintf("Plan: %d steps  %s %d  %s %d  %s %d\n",
		len(snap.Plan.Steps),
		m.styles.ok.Render("done"), counts[project.StepCompleted],
		m.styles.bad.Render("failed"), counts[project.StepFailed],
		m.styles.dim.Render("pending"), counts[project.StepPlanned]+counts[project.StepInProgress]))

	for i := range snap.Plan.Steps {
		step := &snap.Plan.Steps[i]
		line := fmt.Sprintf("%s %s", m.statusGlyph(step.Status), trimTo(step.Description, m.width-8))
		b.WriteString(m.styles.step.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) viewRecent() string {
	if len(m.recent) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.styles.dim.Render("Recent:"))
	b.WriteString("\n")
	for _, ev := range m.recent {
		line := stateLabel(ev.State)
		if ev.StepID != "" {
			line += " " + ev.StepID
		}
		if ev.Outcome != "" {
			line += " → " + strings.TrimPrefix(string(ev.Outcome), "/")
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		b.WriteString("  " + m.styles.eventTS.Render(ev.Timestamp.Format("15:04:05")) + " " + line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusGlyph(s project.StepStatus) string {
	switch s {
	case project.StepCompleted:
		return m.styles.ok.Render("✓")
	case project.StepFailed:
		return m.styles.bad.Render("✗")
	case project.StepInProgress:
		return m.styles.state.Render("◐")
	case project.StepSkipped:
		return m.styles.dim.Render("⊘")
	default:
		return m.styles.dim.Render("·")
	}
}

func stateLabel(s engine.EngineState) string {
	return strings.TrimPrefix(string(s), "/")
}

func trimTo(s string, n int) string {
	if n < 10 {
		n = 10
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
