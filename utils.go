package stylegan2_go

import (
	"fmt"
	"image/color"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gorgonia.org/tensor"
)

// NormRandDense Return reference to tensor.Dense filled with normally distributed float64 values
//
// rng - source of randomness
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func NormRandDense(rng *rand.Rand, batchSize, n int) *tensor.Dense {
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// SlicerOneStep Just iterator with step size = 1
type SlicerOneStep struct {
	StartIdx, EndIdx int
}

func (s SlicerOneStep) Start() int { return s.StartIdx }
func (s SlicerOneStep) End() int   { return s.EndIdx }
func (s SlicerOneStep) Step() int  { return 1 }

// PlotLossCurve Plot per-epoch losses of discriminator and generator and save chart as image (format is defined by extension)
func PlotLossCurve(lossD, lossG []float64, fname string) error {
	if len(lossD) == 0 && len(lossG) == 0 {
		return fmt.Errorf("Nothing to plot")
	}
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())
	for _, curve := range []struct {
		name   string
		values []float64
		color  color.Color
	}{
		{"D", lossD, color.RGBA{R: 255, B: 128, A: 255}},
		{"G", lossG, color.RGBA{G: 128, B: 255, A: 255}},
	} {
		if len(curve.values) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(curve.values))
		for i, v := range curve.values {
			xys[i].X = float64(i)
			xys[i].Y = v
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Can't init new line for %s", curve.name))
		}
		line.LineStyle.Color = curve.color
		p.Add(line)
		p.Legend.Add(curve.name, line)
	}
	// Save the plot to a PNG file.
	if err := p.Save(6*vg.Inch, 4*vg.Inch, fname); err != nil {
		return errors.Wrap(err, "Can't save plot")
	}
	return nil
}
