package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/persona/pkg/hub"
	"github.com/daviddao/persona/pkg/model"
)

func newTopCmd(a *app) *cobra.Command {
	var server string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live view of agent energy, mood and throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := tea.NewProgram(newTopModel(newClient(server), interval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", envOr("PERSONA_SERVER", "http://localhost:8080"), "server URL")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}

var (
	topTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	topMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	topErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	topBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))

	moodColors = map[model.Mood]lipgloss.Color{
		model.MoodIdle:        "245",
		model.MoodActive:      "10",
		model.MoodTired:       "208",
		model.MoodOverwhelmed: "9",
	}
)

type agentsMsg struct {
	agents []hub.AgentView
	err    error
	at     time.Time
}

type refreshMsg time.Time

type topModel struct {
	client   *client
	interval time.Duration

	table   table.Model
	spinner spinner.Model

	agents  []hub.AgentView
	err     error
	updated time.Time
}

func newTopModel(c *client, interval time.Duration) topModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Agent", Width: 14},
			{Title: "Phase", Width: 14},
			{Title: "Mood", Width: 12},
			{Title: "Energy", Width: 16},
			{Title: "Attn", Width: 5},
			{Title: "Queue", Width: 6},
			{Title: "Done", Width: 6},
			{Title: "Failed", Width: 6},
			{Title: "Won", Width: 5},
			{Title: "Yielded", Width: 7},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return topModel{client: c, interval: interval, table: t, spinner: sp}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m topModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		agents, err := m.client.agents(ctx)
		return agentsMsg{agents: agents, err: err, at: time.Now()}
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(3, msg.Height-8))
		return m, nil
	case agentsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.agents = msg.agents
			m.updated = msg.at
			m.table.SetRows(agentRows(msg.agents))
		}
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return refreshMsg(t) })
	case refreshMsg:
		return m, m.fetch()
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func agentRows(agents []hub.AgentView) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, v := range agents {
		rows = append(rows, table.Row{
			v.ID,
			string(v.Phase),
			string(v.State.Mood),
			fmt.Sprintf("%s %.2f", energyBar(v.State.Energy), v.State.Energy),
			fmt.Sprintf("%.2f", v.State.Attention),
			fmt.Sprintf("%d/%d", v.Inbox.Depth, v.Inbox.Capacity),
			humanize.Comma(v.Loop.Executed),
			humanize.Comma(v.Loop.Failed),
			humanize.Comma(v.Loop.Won),
			humanize.Comma(v.Loop.Yielded),
		})
	}
	return rows
}

// moodSummary renders a coloured count of agents per mood.
func moodSummary(agents []hub.AgentView) string {
	counts := make(map[model.Mood]int)
	for _, v := range agents {
		counts[v.State.Mood]++
	}
	var parts []string
	for _, mood := range model.Moods() {
		if n := counts[mood]; n > 0 {
			style := lipgloss.NewStyle().Foreground(moodColors[mood])
			parts = append(parts, style.Render(fmt.Sprintf("%s %d", mood, n)))
		}
	}
	return strings.Join(parts, "  ")
}

func (m topModel) View() string {
	var sb strings.Builder
	sb.WriteString(topTitleStyle.Render("persona top"))
	sb.WriteString(" " + m.spinner.View() + " ")
	sb.WriteString(topMutedStyle.Render(m.client.base))
	sb.WriteString("\n\n")
	sb.WriteString(topBoxStyle.Render(m.table.View()))
	sb.WriteString("\n")
	if len(m.agents) > 0 {
		sb.WriteString(moodSummary(m.agents) + "\n")
	}
	if m.err != nil {
		sb.WriteString(topErrorStyle.Render("error: "+m.err.Error()) + "\n")
	}
	status := "waiting for server"
	if !m.updated.IsZero() {
		status = "updated " + humanize.Time(m.updated)
	}
	sb.WriteString(topMutedStyle.Render(status + " | r refresh | q quit"))
	return sb.String()
}
