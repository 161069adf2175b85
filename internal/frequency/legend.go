package frequency

import (
	"bytes"
	"fmt"
	"html/template"
)

// LegendTitle heads the rendered legend.
const LegendTitle = "Trips per day"

type LegendRow struct {
	Label string `json:"label"`
	Style Style  `json:"style"`
}

// Legend lists the bands most frequent first. The top band reads "≥ N",
// every other band "N – M-1" where M is the band above it.
func Legend(t Table) []LegendRow {
	rows := make([]LegendRow, 0, len(t))
	for i, b := range t {
		label := fmt.Sprintf("≥ %d", b.MinCount)
		if i > 0 {
			label = fmt.Sprintf("%d – %d", b.MinCount, t[i-1].MinCount-1)
		}
		rows = append(rows, LegendRow{Label: label, Style: b.Style})
	}
	return rows
}

var legendTmpl = template.Must(template.New("legend").Parse(
	`<div class="frequency-legend" style="padding: 1em"><b>{{.Title}}</b>` +
		`{{range .Rows}}<div><span style="display: inline-block; background-color: {{.Color}}; width: 3em; height: 0.25em; vertical-align: middle"></span> {{.Label}}</div>{{end}}` +
		`</div>`))

type legendItem struct {
	Label string
	Color template.CSS
}

// RenderLegend renders the legend as an HTML fragment.
func RenderLegend(t Table) (template.HTML, error) {
	rows := Legend(t)
	items := make([]legendItem, 0, len(rows))
	for _, r := range rows {
		// colours are validated hex values
		items = append(items, legendItem{Label: r.Label, Color: template.CSS(r.Style.Color)})
	}
	var buf bytes.Buffer
	err := legendTmpl.Execute(&buf, struct {
		Title string
		Rows  []legendItem
	}{LegendTitle, items})
	if err != nil {
		return "", fmt.Errorf("render legend: %w", err)
	}
	return template.HTML(buf.String()), nil
}
