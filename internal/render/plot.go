package render

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotSize is the default path plot size.
const PlotSize = 8 * vg.Inch

// WritePathPlot draws each series as a longitude/latitude line and writes
// the plot to w as a square PNG of the given size.
func WritePathPlot(w io.Writer, series []Series, title string, size vg.Length) error {
	if size <= 0 {
		size = PlotSize
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Longitude"
	p.Y.Label.Text = "Latitude"
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	colors := paletteColors(len(series))
	for i, s := range series {
		if len(s.Fixes) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.Fixes))
		for j, f := range s.Fixes {
			pts[j] = plotter.XY{X: f.Position.Lng, Y: f.Position.Lat}
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("path for %s: %w", s.Entity, err)
		}
		l.Width = vg.Points(1.5)
		l.Color = colors[i]
		p.Add(l)
		p.Legend.Add(string(s.Entity), l)

		head, err := plotter.NewScatter(pts[len(pts)-1:])
		if err != nil {
			return fmt.Errorf("head for %s: %w", s.Entity, err)
		}
		head.Color = colors[i]
		head.Radius = vg.Points(3)
		p.Add(head)
	}

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("path plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write path plot: %w", err)
	}
	return nil
}

// paletteColors spreads n colours evenly around the hue circle.
func paletteColors(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	to := func(v float64) uint8 { return uint8(math.Round(v * 255)) }
	return to(hueToRGB(p, q, h+1.0/3)), to(hueToRGB(p, q, h)), to(hueToRGB(p, q, h-1.0/3))
}

func hueToRGB(p, q, t float64) float64 {
	switch {
	case t < 0:
		t++
	case t > 1:
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}
