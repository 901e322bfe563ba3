package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/dataops-go/internal/client"
	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

const pollInterval = time.Second

// Theme holds the color scheme for job output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

// jobStatusStyle colors a status by outcome.
func (t Theme) jobStatusStyle(s models.JobStatus) lipgloss.Style {
	switch s {
	case models.StatusSucceed:
		return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
	case models.StatusTerminated:
		return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
	}
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// statusCell pads a status to width and colors it when color is set.
// Padding comes first so escape codes do not break column alignment.
func statusCell(s models.JobStatus, width int, color bool) string {
	cell := fmt.Sprintf("%-*s", width, s)
	if !color {
		return cell
	}
	return defaultTheme.jobStatusStyle(s).Render(cell)
}

// tickMsg triggers polling the job
type tickMsg time.Time

// jobUpdateMsg carries the polled job
type jobUpdateMsg struct {
	job *models.Job
	err error
}

// progressModel is the bubbletea model for one job's progress.
type progressModel struct {
	client   *client.Client
	filter   service.JobFilter
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, f service.JobFilter) progressModel {
	return progressModel{
		client: c,
		filter: f,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.fetchJob(), m.progress.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		m.job = msg.job

		switch m.job.Status {
		case models.StatusSucceed:
			m.done = true
			return m, tea.Quit
		case models.StatusTerminated:
			m.done = true
			if reason, ok := m.job.Payload["error"].Str(); ok && reason != "" {
				m.err = errors.New(reason)
			} else {
				m.err = errors.New("job terminated without an error message")
			}
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.jobStatusStyle(m.job.Status).Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(float64(m.job.Progress) / 100)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching; the job keeps running")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, m.job.Source, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'dataops jobs --job %s' to check status.\n",
			m.filter.JobID, m.filter.JobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if m.job != nil {
		out += fmt.Sprintf("  Source: %s\n", m.job.Source)
		if dest, ok := m.job.Payload["output_path"].Str(); ok {
			out += fmt.Sprintf("  Output: %s\n", dest)
		}
	}
	return out
}

// fetchJob polls the newest record of the watched job. It runs as a command
// so Update never blocks.
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		jobs, err := m.client.ListJobs(ctx, m.filter)
		if err != nil {
			return jobUpdateMsg{err: err}
		}
		if len(jobs) == 0 {
			return jobUpdateMsg{err: fmt.Errorf("job %s not found in session %s", m.filter.JobID, m.filter.SessionID)}
		}
		return jobUpdateMsg{job: &jobs[0]}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runJobProgress shows a progress bar for the job selected by f until it
// finishes. Ctrl+C stops watching without error; a terminated job is
// returned as an error.
func runJobProgress(c *client.Client, f service.JobFilter) error {
	finalModel, err := tea.NewProgram(newProgressModel(c, f)).Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(progressModel); ok && !m.quitting && m.err != nil {
		return m.err
	}
	return nil
}
