package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Source supplies the data the dashboard renders, decoupling the bubbletea
// model from internal/lifecycle and internal/registry directly, the same
// separation the teacher's DataFetcher gave its tui package. cmd/snapfsd
// supplies the concrete adapter.
type Source interface {
	FetchChain(ctx context.Context) ([]ChainRow, error)
	FetchEvents(ctx context.Context, limit int) ([]LogEntry, error)
}

// LogEntry represents a recorded lifecycle event for display.
type LogEntry struct {
	Timestamp time.Time
	Level     string // ok, error
	Message   string
}

// DashboardUpdateMsg is sent when a periodic refresh completes.
type DashboardUpdateMsg struct {
	Chain  []ChainRow
	Events []LogEntry
	Err    error
}

// TickMsg is sent periodically to trigger a refresh.
type TickMsg time.Time

// DashboardModel is the main TUI dashboard model.
type DashboardModel struct {
	title           string
	width           int
	height          int
	refreshInterval time.Duration

	spinner spinner.Model
	logView viewport.Model

	source Source

	chain           []ChainRow
	events          []LogEntry
	lastRefresh     time.Time
	connectionError error

	focused   string // "chain", "events"
	styles    *Styles
	startTime time.Time
	quitting  bool
}

// DashboardConfig holds configuration for the dashboard.
type DashboardConfig struct {
	Title           string
	RefreshInterval time.Duration
	Source          Source
}

// DefaultDashboardConfig returns default dashboard configuration.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Title:           "snapfs dashboard",
		RefreshInterval: time.Second,
	}
}

// NewDashboardModel creates a dashboard model using DefaultDashboardConfig.
func NewDashboardModel(source Source) *DashboardModel {
	cfg := DefaultDashboardConfig()
	cfg.Source = source
	return NewDashboardModelWithConfig(cfg)
}

// NewDashboardModelWithConfig creates a new dashboard model with custom configuration.
func NewDashboardModelWithConfig(cfg DashboardConfig) *DashboardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.Title == "" {
		cfg.Title = "snapfs dashboard"
	}

	return &DashboardModel{
		title:           cfg.Title,
		refreshInterval: cfg.RefreshInterval,
		source:          cfg.Source,
		spinner:         s,
		logView:         viewport.New(80, 10),
		focused:         "chain",
		styles:          DefaultStyles(),
		startTime:       time.Now(),
	}
}

// Init initializes the dashboard.
func (m *DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickEvery(m.refreshInterval), m.fetch())
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// fetch creates a command that refreshes chain state and recent events.
func (m *DashboardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		if m.source == nil {
			return DashboardUpdateMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		chainRows, err := m.source.FetchChain(ctx)
		if err != nil {
			return DashboardUpdateMsg{Err: err}
		}
		events, err := m.source.FetchEvents(ctx, 100)
		if err != nil {
			return DashboardUpdateMsg{Err: err}
		}
		return DashboardUpdateMsg{Chain: chainRows, Events: events}
	}
}

// Update handles messages.
func (m *DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = msg.Width - 4
		m.logView.Height = msg.Height/2 - 4

	case TickMsg:
		cmds = append(cmds, tickEvery(m.refreshInterval), m.fetch())

	case DashboardUpdateMsg:
		m.lastRefresh = time.Now()
		m.connectionError = msg.Err
		if msg.Err == nil {
			m.chain = msg.Chain
			m.events = msg.Events
			m.logView.SetContent(m.renderEvents())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *DashboardModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab":
		if m.focused == "chain" {
			m.focused = "events"
		} else {
			m.focused = "chain"
		}

	case "j", "down":
		if m.focused == "events" {
			m.logView.LineDown(1)
		}

	case "k", "up":
		if m.focused == "events" {
			m.logView.LineUp(1)
		}

	case "g":
		if m.focused == "events" {
			m.logView.GotoTop()
		}

	case "G":
		if m.focused == "events" {
			m.logView.GotoBottom()
		}

	case "r":
		return m, m.fetch()
	}

	return m, nil
}

// View renders the dashboard.
func (m *DashboardModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		Background(lipgloss.Color("#1E1E2E")).
		Padding(0, 2).
		Width(m.width)

	connStatus := m.styles.Success.Render("●")
	if m.connectionError != nil {
		connStatus = m.styles.Error.Render("●")
	}

	title := fmt.Sprintf("%s  %s %s  Uptime: %s",
		m.spinner.View(), m.title, connStatus, FormatDuration(time.Since(m.startTime)))
	b.WriteString(titleStyle.Render(title) + "\n\n")

	if m.connectionError != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("control surface error: %v", m.connectionError)) + "\n\n")
	}

	chainRows := make([]ChainRow, len(m.chain))
	copy(chainRows, m.chain)
	b.WriteString(RenderChainTable(chainRows) + "\n")

	b.WriteString(m.renderEventsPanel())
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m *DashboardModel) renderEventsPanel() string {
	style := m.styles.Panel
	if m.focused == "events" {
		style = m.styles.ActivePanel
	}
	header := m.styles.SectionHead.Render("Recent events")
	return style.Render(header+"\n"+m.logView.View()) + "\n\n"
}

func (m *DashboardModel) renderEvents() string {
	var b strings.Builder
	for _, e := range m.events {
		icon := m.styles.StatusIcon("success")
		if e.Level == "error" {
			icon = m.styles.StatusIcon("error")
		}
		b.WriteString(fmt.Sprintf("%s %s  %s\n", icon, e.Timestamp.Format(time.RFC3339), e.Message))
	}
	return b.String()
}

func (m *DashboardModel) renderHelp() string {
	helpStyle := lipgloss.NewStyle().Foreground(ColorMuted).Padding(0, 2)

	keys := []struct{ key, desc string }{
		{"Tab", "switch panel"},
		{"j/k", "scroll events"},
		{"g/G", "top/bottom"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", m.styles.HelpKey.Render(k.key), m.styles.HelpDesc.Render(k.desc)))
	}
	return helpStyle.Render(strings.Join(parts, "  •  "))
}
