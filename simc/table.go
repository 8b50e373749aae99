package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/davidbalbert/routesim/rpc"
)

const defaultWidth = 80

func terminalWidth(w io.Writer) int {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetHeader(header)
	return table
}

func renderState(w io.Writer, st rpc.State) {
	table := newTable(w, "TICK", "STATE", "MODE", "SENDING", "ROUTERS", "HOSTS")
	table.Append([]string{
		strconv.FormatUint(st.Tick, 10),
		st.State,
		st.Mode,
		strconv.FormatBool(st.Sending),
		strconv.Itoa(st.Routers),
		strconv.Itoa(st.Hosts),
	})
	table.Render()
}

// renderRoutes prints a routing table. AS paths are cut short so a row fits
// in width columns.
func renderRoutes(w io.Writer, routes []rpc.Route, width int) {
	table := newTable(w, "DESTINATION", "NEXT HOP", "METRIC", "PROTOCOL", "PORT", "AS PATH")

	rows := make([][]string, len(routes))
	fixed := 0
	for i, r := range routes {
		rows[i] = []string{r.Dest, r.NextHop, strconv.Itoa(r.Metric), r.Protocol, r.Port, ""}
		n := 0
		for _, c := range rows[i][:5] {
			n += len(c) + 2
		}
		fixed = max(fixed, n)
	}

	room := max(width-fixed, len("..."))
	for i, r := range routes {
		rows[i][5] = truncate(asPath(r.ASPath), room)
	}

	table.AppendBulk(rows)
	table.Render()
}

func asPath(path []int) string {
	parts := make([]string, len(path))
	for i, as := range path {
		parts[i] = strconv.Itoa(as)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func renderMetrics(w io.Writer, m rpc.Metrics) {
	table := newTable(w, "SENT", "RECEIVED", "DROPPED", "HOPS (MIN/AVG/MAX)", "WAIT (AVG/MAX)")
	table.Append([]string{
		strconv.FormatUint(m.Sent, 10),
		strconv.FormatUint(m.Received, 10),
		strconv.FormatUint(m.Dropped, 10),
		fmt.Sprintf("%d/%.2f/%d", m.MinHops, m.AvgHops, m.MaxHops),
		fmt.Sprintf("%.2f/%d", m.AvgWait, m.MaxWait),
	})
	table.Render()

	if len(m.Usage) == 0 {
		return
	}

	fmt.Fprintln(w)
	usage := newTable(w, "ROUTER", "FORWARDED")
	for _, u := range m.Usage {
		usage.Append([]string{u.Router, strconv.FormatUint(u.Count, 10)})
	}
	usage.Render()
}
