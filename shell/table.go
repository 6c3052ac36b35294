package shell

import (
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// maxColumnWidth caps a column, flow keys are the widest cells we print.
const maxColumnWidth = 48

// tableView is one `show` listing: a header, its rows and the noun used in the count below the table.
type tableView struct {
	header []string
	rows   [][]string
	noun   string
}

// columnWidths sizes each column to its widest cell, header included.
func (v tableView) columnWidths() tw.Mapper[int, int] {
	widths := tw.NewMapper[int, int]()
	for i, h := range v.header {
		widths.Set(i, min(runewidth.StringWidth(h), maxColumnWidth))
	}
	for _, row := range v.rows {
		for i, cell := range row {
			if w := min(runewidth.StringWidth(cell), maxColumnWidth); w > widths.Get(i) {
				widths.Set(i, w)
			}
		}
	}
	return widths
}

func (v tableView) render(w io.Writer) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Symbols: tw.NewSymbols(tw.StyleASCII),
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.On,
					ShowFooterLine: tw.Off,
					ShowTop:        tw.Off,
					ShowBottom:     tw.Off,
				},
				Separators: tw.Separators{
					ShowHeader:     tw.Off,
					ShowFooter:     tw.Off,
					BetweenRows:    tw.Off,
					BetweenColumns: tw.Off,
				},
			},
		}),
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{ColMaxWidths: tw.CellWidth{PerColumn: v.columnWidths()}},
		}),
	)
	table.Caption(tw.Caption{Text: fmt.Sprintf("%d %s", len(v.rows), v.noun), Spot: tw.SpotBottomLeft})

	table.Header(v.header)
	if err := table.Bulk(v.rows); err != nil {
		return err
	}
	return table.Render()
}
