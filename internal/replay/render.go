package replay

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cleared-dev/budgetgrid/internal/export"
	"github.com/cleared-dev/budgetgrid/internal/model"
	"github.com/cleared-dev/budgetgrid/internal/sheet"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87CEEB"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	totalStyle  = cellStyle.Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c"))
)

// Render writes a titled table of st followed by its notices and cell errors.
func Render(w io.Writer, title string, st *sheet.State) error {
	records := export.Records(st)
	last := len(records) - 1
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(export.Header(st.Kind)...).
		Rows(records...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch row {
			case table.HeaderRow:
				return headerStyle
			case last:
				return totalStyle
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s (%s %d)", title, st.Parent.Kind, st.Parent.ID)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	for _, n := range st.Notices {
		b.WriteString(noticeStyle.Render("notice: " + n))
		b.WriteString("\n")
	}
	for _, fe := range st.Errors {
		b.WriteString(errorStyle.Render("error: " + describe(st, fe)))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// describe names the row of fe by its grid position.
func describe(st *sheet.State, fe model.FieldError) string {
	row := fe.Row.String()
	for i, r := range st.Rows {
		if r.RowID() == fe.Row {
			row = fmt.Sprintf("%d", i+1)
			break
		}
	}
	if fe.Field == "" {
		return fmt.Sprintf("row %s: %s", row, fe.Message)
	}
	return fmt.Sprintf("row %s %s: %s", row, fe.Field, fe.Message)
}
