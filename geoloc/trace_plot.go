package geoloc

import (
	"fmt"
	"image/color"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var traceColors = []color.Color{
	color.RGBA{R: 33, G: 150, B: 243, A: 255},
	color.RGBA{R: 244, G: 67, B: 54, A: 255},
	color.RGBA{R: 76, G: 175, B: 80, A: 255},
	color.RGBA{R: 255, G: 152, B: 0, A: 255},
	color.RGBA{R: 121, G: 85, B: 72, A: 255},
}

// TracePlot charts the elevation sampled at each solver iteration for one or
// more results.
type TracePlot struct {
	Title  string
	Width  vg.Length
	Height vg.Length
	series []traceSeries
}

type traceSeries struct {
	label  string
	result ConvergenceResult
}

// NewTracePlot returns a 6x4 inch plot.
func NewTracePlot(title string) *TracePlot {
	return &TracePlot{Title: title, Width: 6 * vg.Inch, Height: 4 * vg.Inch}
}

// Add appends one result. Results with an empty trace are kept but draw nothing.
func (t *TracePlot) Add(label string, res ConvergenceResult) {
	t.series = append(t.series, traceSeries{label: label, result: res})
}

// Len reports how many results have been added.
func (t *TracePlot) Len() int { return len(t.series) }

func (t *TracePlot) build() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = t.Title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Elevation (m)"
	p.Add(plotter.NewGrid())

	drawn := 0
	for i, s := range t.series {
		pts := make(plotter.XYs, 0, len(s.result.Trace))
		for n, z := range s.result.Trace {
			if !finite(z) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(n + 1), Y: z})
		}
		if len(pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "trace %q", s.label)
		}
		c := traceColors[i%len(traceColors)]
		line.Color = c
		line.Width = vg.Points(1)
		points.Color = c
		p.Add(line, points)
		p.Legend.Add(fmt.Sprintf("%s (%s)", s.label, s.result.Status), line, points)
		drawn++
	}
	if drawn == 0 {
		return nil, ErrNothingToRender
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// RenderToPNG writes the chart as PNG.
func (t *TracePlot) RenderToPNG(w io.Writer) error {
	return t.render(w, "png")
}

// RenderToSVG writes the chart as SVG.
func (t *TracePlot) RenderToSVG(w io.Writer) error {
	return t.render(w, "svg")
}

func (t *TracePlot) render(w io.Writer, format string) error {
	p, err := t.build()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(t.Width, t.Height, format)
	if err != nil {
		return errors.Wrap(err, "plot writer")
	}
	_, err = wt.WriteTo(w)
	return err
}
