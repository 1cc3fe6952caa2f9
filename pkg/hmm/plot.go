package hmm

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Default plot dimensions.
const (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// NewTrellisPlot charts delta[t][i] for every state over time, with the
// Viterbi path overlaid as markers. Values are read from res as-is.
func NewTrellisPlot(res *Result, labels Labels) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Viterbi trellis (T=%d, P*=%.4g)", res.t, res.probability)
	p.X.Label.Text = "t"
	p.Y.Label.Text = "delta"
	p.Legend.Top = true

	for i := 0; i < res.n; i++ {
		pts := make(plotter.XYs, res.t)
		for t := range pts {
			pts[t].X = float64(t + 1)
			pts[t].Y = res.delta.At(t, i)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("state %d line: %w", i, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(labels.State(i), line)
	}

	best := make(plotter.XYs, res.t)
	for t, s := range res.path {
		best[t].X = float64(t + 1)
		best[t].Y = res.delta.At(t, s)
	}
	marks, err := plotter.NewScatter(best)
	if err != nil {
		return nil, fmt.Errorf("viterbi path markers: %w", err)
	}
	marks.GlyphStyle = draw.GlyphStyle{
		Color:  color.Black,
		Radius: vg.Points(4),
		Shape:  draw.PyramidGlyph{},
	}
	p.Add(marks)
	p.Legend.Add("viterbi path", marks)

	return p, nil
}

// WritePlot renders the trellis plot of res to output in format ("png",
// "svg", "pdf", ...).
func WritePlot(output io.Writer, res *Result, labels Labels, format string) error {
	p, err := NewTrellisPlot(res, labels)
	if err != nil {
		return err
	}
	w, err := p.WriterTo(PlotWidth, PlotHeight, format)
	if err != nil {
		return err
	}
	_, err = w.WriteTo(output)
	return err
}

// SavePlot writes the trellis plot of res to the file at path.
func SavePlot(path string, res *Result, labels Labels, format string) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if e := output.Close(); e != nil {
			err = multierror.Append(err, e)
		}
	}()
	return WritePlot(output, res, labels, format)
}
