package server

import (
	"io"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/shaunagostinho/adcrelay/internal/samples"
)

const (
	defaultPlotWidth  = 800
	defaultPlotHeight = 300
)

// RenderPlot draws pts as a line chart spanning [newest-width, newest] with
// the configured y domain, and writes it to w as PNG.
func RenderPlot(w io.Writer, pts []samples.Sample, newest, width time.Duration, d DisplayConfig, pxW, pxH int) error {
	if pxW <= 0 {
		pxW = defaultPlotWidth
	}
	if pxH <= 0 {
		pxH = defaultPlotHeight
	}

	hi := newest.Seconds()
	lo := hi - width.Seconds()

	var series []chart.Series
	if len(pts) == 0 {
		// go-chart needs at least one visible series with points; an
		// invisible stroke across the window keeps the axes drawn.
		series = append(series, chart.ContinuousSeries{
			Style:   chart.Style{StrokeColor: drawing.Color{R: 255, G: 255, B: 255, A: 0}},
			XValues: []float64{lo, hi},
			YValues: []float64{d.YMin, d.YMin},
		})
	} else {
		xs := make([]float64, len(pts))
		ys := make([]float64, len(pts))
		for i, p := range pts {
			xs[i] = p.Seconds()
			ys[i] = float64(p.Value)
		}
		style := chart.Style{
			StrokeColor: drawing.ColorFromHex("1f77b4"),
			StrokeWidth: 1.5,
		}
		if len(pts) == 1 {
			style.DotColor = style.StrokeColor
			style.DotWidth = 3
		}
		series = append(series, chart.ContinuousSeries{
			Name:    d.Label,
			Style:   style,
			XValues: xs,
			YValues: ys,
		})
	}

	ch := chart.Chart{
		Width:      pxW,
		Height:     pxH,
		Background: chart.Style{Padding: chart.Box{Top: 14, Left: 16, Right: 12, Bottom: 24}},
		XAxis: chart.XAxis{
			Name:  "time (s)",
			Range: &chart.ContinuousRange{Min: lo, Max: hi},
		},
		YAxis: chart.YAxis{
			Name:  d.Label,
			Range: &chart.ContinuousRange{Min: d.YMin, Max: d.YMax},
		},
		Series: series,
	}
	return ch.Render(chart.PNG, w)
}
