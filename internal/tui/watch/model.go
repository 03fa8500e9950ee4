package watch

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/buildtap/internal/events"
)

const maxEventLog = 200

// buildRow is one in-flight or recently finished build.
type buildRow struct {
	id        string
	status    string // running | completed | failed
	admitted  time.Time
	finished  time.Time
	eventsN   int
	updatedAt time.Time
}

// Model is the bubbletea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health    healthMsg
	connected bool
	builds    map[string]*buildRow
	order     []string // build IDs in admission order
	eventLog  []events.Event

	buildTable table.Model
	theme      Theme
	hubEvents  chan events.Event
	lastError  string
}

// New creates a watch TUI model pointed at the status API.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Build", Width: 24},
			{Title: "Status", Width: 10},
			{Title: "Events", Width: 7},
			{Title: "Elapsed", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		builds:     make(map[string]*buildRow),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		buildTable: t,
		theme:      NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.buildTable, cmd = m.buildTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case healthMsg:
		m.health = msg
		m.connected = true
		return m, nil

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case tickMsg:
		m.refreshTable()
		return m, tea.Batch(
			func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
			tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case sseDisconnectedMsg:
		m.connected = false
		// Retry after a beat; the API may be restarting.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)()
		})

	case errMsg:
		m.lastError = msg.Error()
		m.connected = false
		return m, nil
	}

	return m, nil
}

// applyEvent folds one dispatcher activity event into the model.
func (m *Model) applyEvent(ev events.Event) {
	m.eventLog = append(m.eventLog, ev)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[len(m.eventLog)-maxEventLog:]
	}

	var payload struct {
		BuildID string `json:"build_id"`
		Outcome string `json:"outcome"`
		Events  int    `json:"events"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.BuildID == "" {
		return
	}

	switch ev.Type {
	case "build.admitted":
		m.builds[payload.BuildID] = &buildRow{
			id:        payload.BuildID,
			status:    "running",
			admitted:  ev.At,
			updatedAt: ev.At,
		}
		m.order = append(m.order, payload.BuildID)
	case "build.finished":
		if row, ok := m.builds[payload.BuildID]; ok {
			row.status = "completed"
			if payload.Outcome != "completed" {
				row.status = "failed"
			}
			row.eventsN = payload.Events
			row.finished = ev.At
			row.updatedAt = ev.At
		}
	}
	m.refreshTable()
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.order))
	// Newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		row, ok := m.builds[m.order[i]]
		if !ok {
			continue
		}
		icon := "▶"
		elapsed := time.Since(row.admitted)
		switch row.status {
		case "completed":
			icon = "✓"
			elapsed = row.finished.Sub(row.admitted)
		case "failed":
			icon = "✗"
			elapsed = row.finished.Sub(row.admitted)
		}
		eventsCol := "-"
		if row.eventsN > 0 {
			eventsCol = strconv.Itoa(row.eventsN)
		}
		rows = append(rows, table.Row{
			icon,
			row.id,
			row.status,
			eventsCol,
			elapsed.Round(time.Second).String(),
		})
	}
	m.buildTable.SetRows(rows)
}
