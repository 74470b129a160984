// Package render draws the shown trails: an interactive detail chart, a
// static path plot and per-entity summary statistics.
package render

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/racetrail/internal/trail"
)

// viridis is the colour ramp used for detail values.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Series is the shown trail of one entity.
type Series struct {
	Entity trail.EntityID
	Fixes  []trail.Fix
}

// SeriesFromStore collects the shown window of each entity that has one.
func SeriesFromStore(store *trail.Store, entities []trail.EntityID) []Series {
	out := make([]Series, 0, len(entities))
	for _, id := range entities {
		if fixes := store.WindowFixes(id); len(fixes) > 0 {
			out = append(out, Series{Entity: id, Fixes: fixes})
		}
	}
	return out
}

// ChartOptions configures WriteDetailChart.
type ChartOptions struct {
	Title      string
	Subtitle   string
	AssetsHost string
}

// WriteDetailChart renders detail value over time for each series as an
// HTML line chart. When bounds holds a range, a visual map colours values
// against it so every entity shares one scale.
func WriteDetailChart(w io.Writer, series []Series, bounds *trail.Boundaries, o ChartOptions) error {
	if o.Title == "" {
		o.Title = "Trail detail"
	}
	points := 0
	line := charts.NewLine()
	global := []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  o.Title,
			Theme:      "dark",
			Width:      "1000px",
			Height:     "520px",
			AssetsHost: o.AssetsHost,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "Time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Detail", NameLocation: "middle", NameGap: 40}),
	}
	if bounds != nil {
		if lo, hi, ok := bounds.Range(); ok {
			global = append(global, charts.WithVisualMapOpts(opts.VisualMap{
				Show:       opts.Bool(true),
				Calculable: opts.Bool(true),
				Min:        float32(lo),
				Max:        float32(hi),
				Dimension:  "1",
				InRange:    &opts.VisualMapInRange{Color: viridis},
			}))
		}
	}

	for _, s := range series {
		data := make([]opts.LineData, 0, len(s.Fixes))
		for _, f := range s.Fixes {
			v, ok := f.Detail()
			if !ok {
				continue
			}
			data = append(data, opts.LineData{Value: []interface{}{f.Timestamp.UnixMilli(), v}})
		}
		points += len(data)
		line.AddSeries(string(s.Entity), data)
	}

	subtitle := o.Subtitle
	if subtitle == "" {
		subtitle = fmt.Sprintf("entities=%d points=%d rendered=%s", len(series), points, time.Now().UTC().Format(time.RFC3339))
	}
	global = append(global, charts.WithTitleOpts(opts.Title{Title: o.Title, Subtitle: subtitle}))
	line.SetGlobalOptions(global...)

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render detail chart: %w", err)
	}
	return nil
}
