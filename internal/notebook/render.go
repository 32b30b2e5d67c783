package notebook

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"isokb/internal/engine"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	cellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	goalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().Padding(0, 1)
)

// Render writes human-readable results to w.
func Render(w io.Writer, results []CellResult) error {
	var b strings.Builder
	for _, res := range results {
		b.WriteString(cellStyle.Render(fmt.Sprintf("▸ %s", res.Cell)))
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  session=%s ns=%s %s", res.Session, res.Namespace, res.Elapsed.Round(time.Microsecond))))
		b.WriteString("\n")
		if res.Retracted > 0 {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("  retracted %d clause(s)", res.Retracted)))
			b.WriteString("\n")
		}
		if res.Err != nil {
			b.WriteString(errorStyle.Render("  error: " + res.Err.Error()))
			b.WriteString("\n")
		}
		for _, q := range res.Queries {
			b.WriteString(RenderQuery(q))
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RenderQuery formats one query result as a table.
func RenderQuery(q QueryResult) string {
	var b strings.Builder
	b.WriteString(goalStyle.Render("  ?- " + q.Goal))
	b.WriteString("\n")
	if q.Err != nil {
		b.WriteString(errorStyle.Render("  error: " + q.Err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	switch {
	case len(q.Solutions) == 0:
		b.WriteString(mutedStyle.Render("  false."))
		b.WriteString("\n")
		return b.String()
	case len(q.Variables) == 0:
		b.WriteString(mutedStyle.Render("  true."))
		b.WriteString("\n")
		return b.String()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(q.Variables...).
		Rows(Rows(q.Variables, q.Solutions)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d solution(s)", len(q.Solutions))))
	b.WriteString("\n")
	return b.String()
}

// Rows converts solutions into sorted table rows in variable order.
func Rows(vars []string, sols []engine.Solution) [][]string {
	rows := make([][]string, 0, len(sols))
	for _, sol := range sols {
		row := make([]string, len(vars))
		for i, v := range vars {
			row[i] = fmt.Sprint(sol[v])
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return strings.Join(rows[i], "\x00") < strings.Join(rows[j], "\x00")
	})
	return rows
}
