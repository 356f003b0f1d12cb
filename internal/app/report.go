package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

var reportColumns = []string{"created", "deleted", "flagged", "conflicted", "failed"}

// RenderReport renders one account's final report, usable both from
// the TUI and from plain terminal output.
func RenderReport(account string, rep *sync.Report, err error) string {
	var b strings.Builder

	title := theme.FolderStyle.Render(account)
	if err != nil {
		b.WriteString(fmt.Sprintf("%s %s\n", title, theme.ErrorStyle.Render(err.Error())))
		if rep == nil {
			return b.String()
		}
	}
	if rep == nil {
		return b.String()
	}

	if rep.DryRun {
		title += theme.DimmedStyle.Render(" (dry run)")
	}
	if err == nil {
		b.WriteString(title)
		b.WriteString("\n")
	}

	if rep.Empty() {
		b.WriteString(theme.DimmedStyle.Render("  already in sync"))
		b.WriteString("\n")
		return b.String()
	}

	rows := [][]string{}
	for _, name := range rep.FolderNames() {
		c := rep.Folders[name]
		if c.Zero() {
			continue
		}
		rows = append(rows, []string{
			name,
			fmt.Sprintf("%d", c.Created),
			fmt.Sprintf("%d", c.Deleted),
			fmt.Sprintf("%d", c.Flagged),
			fmt.Sprintf("%d", c.Conflicted),
			fmt.Sprintf("%d", c.Failed),
		})
	}
	totals := rep.Totals()
	rows = append(rows, []string{
		"total",
		fmt.Sprintf("%d", totals.Created),
		fmt.Sprintf("%d", totals.Deleted),
		fmt.Sprintf("%d", totals.Flagged),
		fmt.Sprintf("%d", totals.Conflicted),
		fmt.Sprintf("%d", totals.Failed),
	})

	b.WriteString(renderTable(rows))

	for _, c := range rep.Conflicts {
		b.WriteString(fmt.Sprintf("  %s %s %s: left %s, right %s, resolved by %s\n",
			theme.CountStyle("conflicted").Render("conflict"),
			c.Folder,
			theme.DimmedStyle.Render(string(c.ID)),
			c.Left, c.Right, c.Resolution))
	}

	for _, h := range rep.Hunks {
		if h.Err == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s %s: %v\n",
			theme.ErrorStyle.Render("failed"), h.Hunk.String(), h.Err))
	}

	return b.String()
}

// renderTable lays out the per-folder counts with a styled header.
func renderTable(rows [][]string) string {
	widths := []int{12, 8, 8, 8, 11, 7}
	for _, row := range rows {
		if len(row[0]) > widths[0] {
			widths[0] = len(row[0])
		}
	}

	var b strings.Builder

	header := []string{"folder"}
	header = append(header, reportColumns...)
	for i, cell := range header {
		style := theme.DimmedStyle
		if i > 0 {
			style = theme.CountStyle(cell)
		}
		b.WriteString(style.Render(pad(cell, widths[i])))
	}
	b.WriteString("\n")

	for _, row := range rows {
		for i, cell := range row {
			style := lipgloss.NewStyle()
			if row[0] == "total" {
				style = style.Bold(true)
			}
			if i > 0 && cell != "0" {
				style = style.Foreground(theme.CountStyle(reportColumns[i-1]).GetForeground())
			}
			b.WriteString(style.Render(pad(cell, widths[i])))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-len(s))
}
