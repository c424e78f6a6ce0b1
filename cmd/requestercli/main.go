// Command requestercli is an interactive terminal client that drives the
// requester side of the bus against a live broker: it is the "short-lived
// web front-end" referenced in spec.md §1, built instead as a small
// Bubbletea program so the request/response round trip can be driven and
// inspected by hand.
package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"iprpc/internal/config"
	"iprpc/internal/requesterclient"
	"iprpc/internal/wire"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	gray   = lipgloss.Color("241")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(purple).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(gray).Width(12)
	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
	resultStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
)

const (
	fieldBotID = iota
	fieldIdentifier
	fieldEndpoint
	fieldKwargs
	fieldCount
)

type model struct {
	requester *requesterclient.Requester
	fields    [fieldCount]textinput.Model
	focus     int
	result    string
	isErr     bool
}

func newModel(r *requesterclient.Requester) model {
	placeholders := [fieldCount]string{
		fieldBotID:      "bot id, e.g. 42",
		fieldIdentifier: `shard id, or "all" to fan out`,
		fieldEndpoint:   "endpoint name, e.g. ping",
		fieldKwargs:     "kwargs as JSON, e.g. {}",
	}
	m := model{requester: r}
	for i := range m.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = 256
		m.fields[i] = ti
	}
	m.fields[0].Focus()
	return m
}

func (m model) Init() tea.Cmd { return textinput.Blink }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "down":
			m.focus = (m.focus + 1) % fieldCount
			return m, m.refocus()
		case "shift+tab", "up":
			m.focus = (m.focus - 1 + fieldCount) % fieldCount
			return m, m.refocus()
		case "enter":
			return m, m.submit()
		}
	case resultMsg:
		m.result = msg.text
		m.isErr = msg.isErr
		return m, nil
	}

	var cmd tea.Cmd
	m.fields[m.focus], cmd = m.fields[m.focus].Update(msg)
	return m, cmd
}

func (m model) refocus() tea.Cmd {
	var cmd tea.Cmd
	for i := range m.fields {
		if i == m.focus {
			cmd = m.fields[i].Focus()
		} else {
			m.fields[i].Blur()
		}
	}
	return cmd
}

type resultMsg struct {
	text  string
	isErr bool
}

func (m model) submit() tea.Cmd {
	botID := strings.TrimSpace(m.fields[fieldBotID].Value())
	identifier := strings.TrimSpace(m.fields[fieldIdentifier].Value())
	endpoint := strings.TrimSpace(m.fields[fieldEndpoint].Value())
	kwargsRaw := strings.TrimSpace(m.fields[fieldKwargs].Value())
	if kwargsRaw == "" {
		kwargsRaw = "{}"
	}

	return func() tea.Msg {
		var kwargs map[string]any
		if err := json.Unmarshal([]byte(kwargsRaw), &kwargs); err != nil {
			return resultMsg{text: fmt.Sprintf("invalid kwargs JSON: %v", err), isErr: true}
		}

		var (
			reply map[string]any
			err   error
		)
		if identifier == wire.IdentifierAll {
			reply, err = m.requester.RequestAll(botID, endpoint, true, kwargs)
		} else {
			reply, err = m.requester.Request(botID, identifier, endpoint, kwargs)
		}
		if err != nil {
			return resultMsg{text: err.Error(), isErr: true}
		}
		pretty, _ := json.MarshalIndent(reply, "", "  ")
		return resultMsg{text: string(pretty)}
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("requester console") + "\n\n")

	labels := [fieldCount]string{"bot id", "identifier", "endpoint", "kwargs"}
	for i, ti := range m.fields {
		b.WriteString(labelStyle.Render(labels[i]) + ti.View() + "\n")
	}

	b.WriteString("\n" + hintStyle.Render("tab/shift+tab to move, enter to send, esc to quit") + "\n\n")

	if m.result != "" {
		style := resultStyle
		if m.isErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.result) + "\n")
	}
	return b.String()
}

func main() {
	cfg := config.LoadRequester()
	requester := requesterclient.New(cfg.BrokerURL, cfg.SecretKey, cfg.RetryWait)

	if _, err := tea.NewProgram(newModel(requester)).Run(); err != nil {
		fmt.Println("error running requester console:", err)
	}
}
