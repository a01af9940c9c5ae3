package query

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"procodus.dev/beacon-station/internal/store"
)

// WriteTable prints the points of v as an aligned table, one row per point.
func WriteTable(w io.Writer, v View) {
	rows := make([][]string, 0, len(v.Points))
	for _, p := range v.Points {
		panicState := ""
		if p.Record.Panic {
			panicState = "PANIC"
		}
		rows = append(rows, []string{
			strconv.Itoa(int(p.Record.SenderID)),
			strconv.Itoa(int(p.Record.MessageID)),
			p.Record.Timestamp.UTC().Format(store.TimeLayout),
			strconv.FormatFloat(float64(p.Record.Latitude), 'f', 6, 32),
			strconv.FormatFloat(float64(p.Record.Longitude), 'f', 6, 32),
			fmt.Sprintf("%d%%", p.Record.Battery),
			panicState,
			strconv.FormatFloat(p.Opacity, 'f', 1, 64),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"SENDER", "MESSAGE", "TIME", "LATITUDE", "LONGITUDE", "BATTERY", "STATE", "OPACITY"})
	table.AppendBulk(rows)
	table.Render()

	fmt.Fprintf(w, "%d %s point(s), %d path(s)\n", len(v.Points), v.Mode, len(v.Paths))
}
