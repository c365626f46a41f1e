package commands

import (
	"os"

	"metabigor/internal/runner"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func printSummary(summaries []runner.Summary) {
	if len(summaries) == 0 {
		return
	}
	t := newTable()
	t.AppendHeader(table.Row{"Source", "Query", "Session", "Pages", "Refinements", "Results", "Output"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Query", WidthMax: 48},
		{Name: "Pages", Align: text.AlignRight},
		{Name: "Refinements", Align: text.AlignRight},
		{Name: "Results", Align: text.AlignRight},
	})

	total := 0
	for _, s := range summaries {
		output := s.Output
		switch {
		case s.Skipped:
			output = "skipped"
		case s.Err != nil && output == "":
			output = s.Err.Error()
		}
		t.AppendRow(table.Row{s.Source, s.Query, s.Session, s.Pages, s.Refinements, s.Lines, output})
		total += s.Lines
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", total, ""})
	t.Render()
}
