// Package app contains the Bubble Tea UI showing the progress of
// running synchronizations and their final reports.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

const maxRecentHunks = 8

// accountResult is one finished account run.
type accountResult struct {
	name   string
	report *sync.Report
	err    error
}

// Model is the root Bubble Tea model for a sync invocation.
type Model struct {
	runner *Runner
	cancel context.CancelFunc
	keys   *keys.KeyMap

	spinner  spinner.Model
	progress progress.Model

	account     string
	folder      string
	folderTotal int
	folderDone  int
	verbose     bool
	recent      []string

	results []accountResult
	done    bool
	width   int
}

// New builds the UI model; cancel aborts the underlying sync runs
// when the user quits early.
func New(runner *Runner, cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		runner:   runner,
		cancel:   cancel,
		keys:     keys.DefaultKeyMap(),
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runner.waitForMsg())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Verbose):
			m.verbose = !m.verbose
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(msg.Width-8, 60)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd

	case eventMsg:
		cmd := m.applyEvent(msg)
		return m, tea.Batch(cmd, m.runner.waitForMsg())

	case accountDoneMsg:
		m.results = append(m.results, accountResult{name: msg.account, report: msg.report, err: msg.err})
		m.folder = ""
		m.folderTotal = 0
		m.folderDone = 0
		return m, m.runner.waitForMsg()

	case allDoneMsg:
		m.done = true
		return m, tea.Quit
	}

	return m, nil
}

// applyEvent folds one progress event into the view state.
func (m *Model) applyEvent(msg eventMsg) tea.Cmd {
	m.account = msg.account
	e := msg.event

	switch e.Kind {
	case sync.EventListedFolders:
		m.folderTotal = e.Folders
		m.folderDone = 0

	case sync.EventFolderStarted:
		m.folder = e.Folder

	case sync.EventHunkApplied:
		if e.Hunk != nil {
			line := fmt.Sprintf("%s %s %s", e.Hunk.Kind, e.Folder, theme.DimmedStyle.Render(string(e.Hunk.ID)))
			if e.Err != nil {
				line = theme.ErrorStyle.Render("✗ ") + line
			}
			m.recent = append(m.recent, line)
			if len(m.recent) > maxRecentHunks {
				m.recent = m.recent[len(m.recent)-maxRecentHunks:]
			}
		}

	case sync.EventFolderDone:
		m.folderDone++
		if m.folderTotal > 0 {
			return m.progress.SetPercent(float64(m.folderDone) / float64(m.folderTotal))
		}
	}
	return nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(theme.HeaderStyle.Render("mailsync"))
	b.WriteString("\n\n")

	for _, res := range m.results {
		b.WriteString(RenderReport(res.name, res.report, res.err))
		b.WriteString("\n")
	}

	if !m.done && m.account != "" {
		status := fmt.Sprintf("%s syncing %s", m.spinner.View(), theme.FolderStyle.Render(m.account))
		if m.folder != "" {
			status += fmt.Sprintf(" · %s", m.folder)
		}
		if m.folderTotal > 0 {
			status += theme.DimmedStyle.Render(fmt.Sprintf(" (%d/%d folders)", m.folderDone, m.folderTotal))
		}
		b.WriteString(status)
		b.WriteString("\n")
		if m.folderTotal > 0 {
			b.WriteString(m.progress.View())
			b.WriteString("\n")
		}

		if m.verbose && len(m.recent) > 0 {
			b.WriteString("\n")
			for _, line := range m.recent {
				b.WriteString("  " + line + "\n")
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(theme.HelpStyle.Render("q quit · v toggle hunk detail"))
	b.WriteString("\n")
	return b.String()
}
