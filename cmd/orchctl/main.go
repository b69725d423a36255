// Command orchctl is a minimal operator dashboard: it subscribes to an
// orchestratord's realtime gateway over websocket and renders a
// continuously refreshed status view, grounded on internal/tui.tui.go's
// tick-driven bubbletea model and internal/tui.activity.go's lipgloss
// styling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8790/ws", "orchestratord websocket address")
	token := flag.String("token", os.Getenv("ORCHESTRATOR_AUTH_TOKEN"), "bearer token for Authenticate")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newWatchClient(*addr, *token, []string{"global", "approvals", "tasks"})
	go client.Run(ctx)

	m := dashboardModel{client: client}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
	case err := <-done:
		if err != nil {
			fmt.Fprintln(os.Stderr, "orchctl:", err)
			os.Exit(1)
		}
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type dashboardModel struct {
	client *watchClient
	snap   snapshot
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd()
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.client.Snapshot()
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m dashboardModel) View() string {
	connLine := badStyle.Render("disconnected")
	if m.snap.Connected {
		connLine = okStyle.Render("connected")
		if m.snap.AuthenticatedAs != "" {
			connLine += dimStyle.Render(" (session " + m.snap.AuthenticatedAs + ")")
		}
	}

	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastRoom := m.snap.LastRoom
	if lastRoom == "" {
		lastRoom = "(none)"
	}

	approvalLine := fmt.Sprintf("Pending Approvals: %d", m.snap.PendingApprovals)
	if m.snap.PendingApprovals > 0 {
		approvalLine = badStyle.Render(approvalLine)
	}

	return fmt.Sprintf(
		"%s\n\nStatus: %s\nUptime: %s\nRoom Events Seen: %d\nLast Event: %s (%s)\n%s\nLast Error: %s\n\nPress q to quit.\n",
		titleStyle.Render("orchctl — swarm dashboard"),
		connLine,
		m.snap.Uptime.Truncate(time.Second),
		m.snap.RoomEvents,
		m.snap.LastKind,
		lastRoom,
		approvalLine,
		lastErr,
	)
}
