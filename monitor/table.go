package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// SetRows sets all rows at once
func (t *Table) SetRows(rows []Row) {
	t.rows = rows
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	// Header
	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		cell := t.styles.TableHeader.Width(col.Width).Render(col.Title)
		headerCells[i] = cell
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	// Separator
	for _, col := range t.columns {
		b.WriteString(strings.Repeat("─", col.Width) + " ")
	}
	b.WriteString("\n")

	// Rows
	for _, row := range t.rows {
		rowCells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			// Truncate if too long
			if len(cell) > col.Width {
				cell = cell[:col.Width-3] + "..."
			}
			rowCells[i] = t.styles.TableCell.Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(rowCells, " ") + "\n")
	}

	return b.String()
}

// RenderSimple renders a simple table without borders
func RenderSimple(headers []string, rows [][]string, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}

	var b strings.Builder

	// Calculate column widths
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	// Header
	for i, h := range headers {
		cell := styles.TableHeader.Width(widths[i] + 2).Render(h)
		b.WriteString(cell)
	}
	b.WriteString("\n")

	// Rows
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				styled := styles.TableRow.Width(widths[i] + 2).Render(cell)
				b.WriteString(styled)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

// ChainRow represents one chain node for table display.
type ChainRow struct {
	Inode      string
	Flags      string
	Status     string // derived from Flags, drives the row's status icon
	Generation string
	DiskSize   string
}

// RenderChainTable renders a table of the snapshot chain, newest first.
func RenderChainTable(rows []ChainRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Snapshot Chain") + "\n\n")

	if len(rows) == 0 {
		b.WriteString(styles.Muted.Render("  Chain is empty\n"))
		return b.String()
	}

	columns := []Column{
		{Title: "STATUS", Width: 8},
		{Title: "INODE", Width: 10},
		{Title: "GENERATION", Width: 12},
		{Title: "DISK SIZE", Width: 12},
		{Title: "FLAGS", Width: 36},
	}

	var headerLine string
	for _, col := range columns {
		headerLine += styles.TableHeader.Width(col.Width).Render(col.Title) + " "
	}
	b.WriteString(headerLine + "\n")

	for _, col := range columns {
		b.WriteString(styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range rows {
		icon := styles.StatusIcon(row.Status)
		cells := []string{icon, row.Inode, row.Generation, row.DiskSize, row.Flags}
		for i, col := range columns {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(lipgloss.NewStyle().Width(col.Width).Render(cell) + " ")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("\n%s %d snapshots\n", styles.Muted.Render("Total:"), len(rows)))
	return b.String()
}
