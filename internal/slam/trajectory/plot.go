package trajectory

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// topDown projects camera centres onto the x-z ground plane.
func topDown(samples []Sample) plotter.XYs {
	pts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		t := s.Twc.Translation()
		pts = append(pts, plotter.XY{X: t.X, Y: t.Z})
	}
	return pts
}

// WritePNG renders a top-down plot of the trajectory and, if keyframes is
// non-empty, the keyframe positions.
func WritePNG(w io.Writer, title string, samples, keyframes []Sample) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"

	if len(samples) > 1 {
		line, err := plotter.NewLine(topDown(samples))
		if err != nil {
			return fmt.Errorf("trajectory line: %w", err)
		}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("frames", line)
	}
	if len(keyframes) > 0 {
		scatter, err := plotter.NewScatter(topDown(keyframes))
		if err != nil {
			return fmt.Errorf("keyframe scatter: %w", err)
		}
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
		p.Legend.Add("keyframes", scatter)
	}
	p.Add(plotter.NewGrid())

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render png: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteHTML renders an interactive scatter chart of the same projection.
func WriteHTML(w io.Writer, title string, samples, keyframes []Sample) error {
	toData := func(ss []Sample) []opts.ScatterData {
		data := make([]opts.ScatterData, 0, len(ss))
		for _, s := range ss {
			t := s.Twc.Translation()
			data = append(data, opts.ScatterData{Value: []interface{}{t.X, t.Z, s.Timestamp}})
		}
		return data
	}

	pad := 1.0
	for _, ss := range [][]Sample{samples, keyframes} {
		for _, s := range ss {
			t := s.Twc.Translation()
			pad = math.Max(pad, math.Max(math.Abs(t.X), math.Abs(t.Z))*1.1)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("frames=%d keyframes=%d", len(samples), len(keyframes))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("frames", toData(samples), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("keyframes", toData(keyframes), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	return scatter.Render(w)
}
