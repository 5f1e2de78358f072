package codec

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/frame.annotator/internal/segment"
)

var groupPalette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
	{R: 140, G: 86, B: 75, A: 255},
}

// WriteTimeline renders one horizontal track per attribute, with a bar
// over every labelled frame range, as PNG.
func WriteTimeline(w io.Writer, title string, l segment.List) error {
	s := l.Scheme()
	if s == nil {
		return fmt.Errorf("%w: empty sample list", ErrShapeMismatch)
	}
	attrs := s.Attributes()

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.X.Min = 0
	p.X.Max = float64(l.Frames())

	names := make([]string, len(attrs))
	for i, a := range attrs {
		names[i] = a.Group + "/" + a.Name
	}
	p.NominalY(names...)

	for i, a := range attrs {
		for _, smp := range l {
			if !smp.Vector.Bit(a.Index) {
				continue
			}
			line, err := plotter.NewLine(plotter.XYs{
				{X: float64(smp.Start), Y: float64(i)},
				{X: float64(smp.End + 1), Y: float64(i)},
			})
			if err != nil {
				return fmt.Errorf("timeline track %s: %w", names[i], err)
			}
			line.Width = vg.Points(8)
			line.Color = groupPalette[a.Row%len(groupPalette)]
			p.Add(line)
		}
	}

	height := vg.Inch + vg.Length(len(attrs))*vg.Points(18)
	wt, err := p.WriterTo(12*vg.Inch, height, "png")
	if err != nil {
		return fmt.Errorf("render timeline: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
