package visualization

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// MarginHistogram saves a histogram of trajectory margins to filename. The
// image format follows the file extension.
func MarginHistogram(margins []float64, title, filename string) error {
	if len(margins) == 0 {
		return fmt.Errorf("no margins to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Margin (mm)"
	p.Y.Label.Text = "Trajectories"

	bins := 20
	if len(margins) < bins {
		bins = len(margins)
	}
	h, err := plotter.NewHist(plotter.Values(margins), bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("failed to save %s: %w", filename, err)
	}
	return nil
}
