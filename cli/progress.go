package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"p2pdrop/models"
	"p2pdrop/network"
	"p2pdrop/session"
	"p2pdrop/transfer"
)

const (
	accent = "#ffffaf"
	muted  = "#6c6c6c"
	danger = "#ff5f5f"
)

var (
	containerStyle = lipgloss.NewStyle().Padding(1, 2)
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(accent))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(muted))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(danger))
)

type (
	stateMsg        network.State
	metadataMsg     transfer.Metadata
	progressMsg     transfer.Progress
	reconnectingMsg struct{ attempt, limit int }
	doneMsg         struct {
		result *session.Result
		err    error
	}
)

// controls are the session commands reachable from the keyboard.
type controls interface {
	Pause()
	Resume()
}

// progressModel renders one transfer.
type progressModel struct {
	role     models.Role
	roomID   string
	shareURL string
	controls controls
	cancel   func()

	bar          progress.Model
	state        network.State
	meta         *transfer.Metadata
	last         transfer.Progress
	reconnecting *reconnectingMsg
	paused       bool
	done         *doneMsg
}

func newProgressModel(role models.Role, roomID, shareURL string, ctl controls, cancel func()) progressModel {
	return progressModel{
		role:     role,
		roomID:   roomID,
		shareURL: shareURL,
		controls: ctl,
		cancel:   cancel,
		bar:      progress.New(progress.WithSolidFill(accent)),
		state:    network.StateIdle,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.SetWindowTitle("p2pdrop")
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = max(msg.Width-8, 10)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.done != nil {
				return m, tea.Quit
			}
			if m.cancel != nil {
				m.cancel()
			}
		case "p", " ":
			if m.done != nil || m.controls == nil {
				return m, nil
			}
			if m.paused {
				m.controls.Resume()
			} else {
				m.controls.Pause()
			}
			m.paused = !m.paused
		}
	case stateMsg:
		m.state = network.State(msg)
		if m.state == network.StateEstablished {
			m.reconnecting = nil
		}
	case metadataMsg:
		meta := transfer.Metadata(msg)
		m.meta = &meta
	case progressMsg:
		m.last = transfer.Progress(msg)
	case reconnectingMsg:
		m.reconnecting = &msg
	case doneMsg:
		m.done = &msg
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("p2pdrop %s", m.role)))
	s.WriteString(mutedStyle.Render("  room " + m.roomID))
	s.WriteString("\n\n")

	if m.meta != nil {
		s.WriteString(fmt.Sprintf("%s (%s)\n\n", m.meta.Name, humanBytes(m.meta.Size)))
	}

	switch {
	case m.done != nil && m.done.err != nil:
		s.WriteString(errorStyle.Render("Transfer failed: " + m.done.err.Error()))
		s.WriteString("\n")
		return containerStyle.Render(s.String())
	case m.done != nil && m.done.result != nil:
		s.WriteString(m.bar.ViewAs(1))
		s.WriteString("\n\nTransfer complete: " + m.done.result.Path + "\n")
		return containerStyle.Render(s.String())
	case m.done != nil:
		s.WriteString("Transfer cancelled\n")
		return containerStyle.Render(s.String())
	}

	switch {
	case m.reconnecting != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("Connection lost; reconnecting (%d/%d)", m.reconnecting.attempt, m.reconnecting.limit)))
		s.WriteString("\n\n")
	case m.state != network.StateEstablished:
		s.WriteString(m.waitingText())
		s.WriteString("\n\n")
	}

	if m.meta != nil {
		s.WriteString(m.bar.ViewAs(m.last.Percent / 100))
		s.WriteString("\n")
		s.WriteString(mutedStyle.Render(fmt.Sprintf("%d/%d chunks  %s  eta %s",
			m.last.CurrentChunk, m.last.TotalChunks, humanRate(m.last.SpeedBps), humanETA(m.last.ETASeconds))))
		s.WriteString("\n")
	}

	help := "q: cancel"
	if m.controls != nil {
		help = "p: pause/resume • " + help
	}
	if m.paused {
		s.WriteString("\nPaused\n")
	}
	s.WriteString("\n" + mutedStyle.Render(help))
	return containerStyle.Render(s.String())
}

func (m progressModel) waitingText() string {
	switch m.state {
	case network.StateNegotiating:
		return "Connecting to peer..."
	case network.StateSignalingConnected:
		if m.role == models.RoleSender && m.shareURL != "" {
			return "Share this link with the receiver:\n" + titleStyle.Render(m.shareURL) + "\n\nWaiting for receiver..."
		}
		return "Waiting for peer..."
	default:
		return "Connecting to relay..."
	}
}
