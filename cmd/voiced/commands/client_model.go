package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/koscakluka/ema-voice/core/protocol"
	"github.com/muesli/reflow/wordwrap"
)

const maxLogLines = 50

type (
	serverMessage    protocol.Message
	connectionClosed struct{ err error }
	logLine          string
	playbackStalled  struct {
		turnID uint64
		late   time.Duration
	}
)

var (
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff"))
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	thoughtStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#6e7681"))
	statusStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")).Padding(0, 1)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
)

type role int

const (
	roleUser role = iota
	roleAgent
	roleThought
)

type entry struct {
	role    role
	turnID  uint64
	text    string
	partial bool
	note    string
}

type clientModel struct {
	ctx  context.Context
	conn *clientConn

	input    textinput.Model
	viewport viewport.Model

	entries []entry
	logs    []string
	status  string
	latency string
	stalls  int

	recording bool
	err       error
	width     int
	height    int
}

func newClientModel(ctx context.Context, conn *clientConn) clientModel {
	input := textinput.New()
	input.Placeholder = "输入文字，回车发送"
	input.Focus()

	return clientModel{
		ctx:      ctx,
		conn:     conn,
		input:    input,
		viewport: viewport.New(80, 20),
		status:   protocol.StatusIdle,
	}
}

func (m clientModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m clientModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			if text := strings.TrimSpace(m.input.Value()); text != "" {
				m.err = m.conn.send(protocol.Message{Type: protocol.TypeTextInput, Text: text})
				m.input.Reset()
			}
		case tea.KeyEsc:
			m.err = m.conn.send(protocol.Message{Type: protocol.TypeInterrupt})
		case tea.KeyCtrlR:
			m.recording, m.err = m.conn.toggleRecording(m.ctx)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)

	case serverMessage:
		m.apply(protocol.Message(msg))

	case playbackStalled:
		m.stalls++

	case logLine:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}

	case connectionClosed:
		m.err = msg.err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
	return m, tea.Batch(cmds...)
}

// apply folds a server message into the transcript.
func (m *clientModel) apply(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeUserPartial:
		m.upsert(roleUser, msg.TurnID, func(e *entry) {
			e.text = msg.Text
			e.partial = true
		})

	case protocol.TypeUserFinal:
		m.upsert(roleUser, msg.TurnID, func(e *entry) {
			e.text = msg.Text
			e.partial = false
		})

	case protocol.TypeThought:
		m.entries = append(m.entries, entry{role: roleThought, turnID: msg.TurnID, text: msg.Name + ": " + msg.Content})

	case protocol.TypeAgentStart:
		m.upsert(roleAgent, msg.TurnID, func(*entry) {})
		m.latency = "首字 " + msg.Latency

	case protocol.TypeAgentStream:
		m.upsert(roleAgent, msg.TurnID, func(e *entry) { e.text += msg.Text })

	case protocol.TypeStatus:
		m.status = msg.State

	case protocol.TypeMetrics:
		m.latency = formatMetrics(msg)

	case protocol.TypeTurnEnd:
		if msg.Reason == protocol.EndReasonCompleted {
			return
		}
		for i := len(m.entries) - 1; i >= 0; i-- {
			if m.entries[i].role == roleAgent && m.entries[i].turnID == msg.TurnID {
				m.entries[i].note = msg.Reason
				break
			}
		}

	case protocol.TypeError:
		m.err = fmt.Errorf("%s", msg.Error)
	}
}

// upsert updates the newest entry of role for turnID, adding one if the
// turn has none yet. Partial user transcripts arrive before their turn
// exists, so a partial entry is claimed by the next final one.
func (m *clientModel) upsert(r role, turnID uint64, update func(*entry)) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := &m.entries[i]
		if e.role != r {
			continue
		}
		if e.turnID == turnID || (r == roleUser && e.partial) {
			e.turnID = turnID
			update(e)
			return
		}
		break
	}
	m.entries = append(m.entries, entry{role: r, turnID: turnID})
	update(&m.entries[len(m.entries)-1])
}

func formatMetrics(msg protocol.Message) string {
	var parts []string
	if msg.TTFTMs != nil {
		parts = append(parts, fmt.Sprintf("首字 %.0fms", *msg.TTFTMs))
	}
	if msg.TTFAMs != nil {
		parts = append(parts, fmt.Sprintf("首音 %.0fms", *msg.TTFAMs))
	}
	return strings.Join(parts, " · ")
}

func (m clientModel) render() string {
	width := max(m.width-2, 20)
	var lines []string
	for _, e := range m.entries {
		switch e.role {
		case roleUser:
			text := e.text
			if e.partial {
				text += "…"
			}
			lines = append(lines, userStyle.Render("你")+" "+wordwrap.String(text, width-3))
		case roleAgent:
			line := agentStyle.Render("助理") + " " + wordwrap.String(e.text, width-5)
			if e.note != "" {
				line += " " + dimStyle.Render("["+e.note+"]")
			}
			lines = append(lines, line)
		case roleThought:
			lines = append(lines, thoughtStyle.Render(wordwrap.String("  "+e.text, width)))
		}
	}
	for _, l := range m.logs {
		lines = append(lines, dimStyle.Render(wordwrap.String(l, width)))
	}
	return strings.Join(lines, "\n")
}

func (m clientModel) View() string {
	status := m.status
	if m.recording {
		status = "● recording"
	}
	header := statusStyle.Render(status) + dimStyle.Render(m.latency)
	if m.stalls > 0 {
		header += dimStyle.Render(fmt.Sprintf(" · stalls %d", m.stalls))
	}

	footer := dimStyle.Render("enter send · ctrl+r record · esc interrupt · ctrl+c quit")
	if m.err != nil {
		footer = errorStyle.Render(m.err.Error())
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		footer,
	)
}
