package stylegan2_go

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// SampleRenderer Writes batch of generated images to file
type SampleRenderer interface {
	Render(images *tensor.Dense, path string) error
}

// GridRenderer Lays images out in grid and writes it as PNG.
// Pixel values are min-max normalized over the whole batch.
//
// Columns - number of images in each row
// Padding - gap between images (in pixels)
//
type GridRenderer struct {
	Columns int
	Padding int
}

// NewGridRenderer Returns renderer with 2 pixels padding
func NewGridRenderer(columns int) *GridRenderer {
	return &GridRenderer{Columns: columns, Padding: 2}
}

// Render See ref. SampleRenderer.Render
//
// images - tensor of shape (batchSize, channels, height, width), channels is 1 or 3
//
func (r *GridRenderer) Render(images *tensor.Dense, path string) error {
	img, err := r.Grid(images)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "Can't create folder for samples")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "Can't create samples file")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrap(err, "Can't encode samples")
	}
	return f.Close()
}

// Grid Returns grid image for provided batch
func (r *GridRenderer) Grid(images *tensor.Dense) (*image.RGBA, error) {
	if images == nil || images.Dims() != 4 {
		return nil, errors.New("Images must have shape (batchSize, channels, height, width)")
	}
	shp := images.Shape()
	n, channels, height, width := shp[0], shp[1], shp[2], shp[3]
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("Only 1 or 3 channels images could be rendered, got %d", channels)
	}
	if n == 0 {
		return nil, errors.New("Nothing to render")
	}
	data, err := float64Data(images)
	if err != nil {
		return nil, err
	}
	columns := r.Columns
	if columns <= 0 || columns > n {
		columns = n
	}
	rows := (n + columns - 1) / columns
	pad := r.Padding
	if pad < 0 {
		pad = 0
	}
	grid := image.NewRGBA(image.Rect(0, 0, columns*width+(columns+1)*pad, rows*height+(rows+1)*pad))
	low, high := floats.Min(data), floats.Max(data)
	scale := high - low
	if scale < 1e-5 {
		scale = 1e-5
	}
	toByte := func(v float64) uint8 {
		return uint8(math.Round(math.Max(0, math.Min(1, (v-low)/scale)) * 255))
	}
	plane := height * width
	for i := 0; i < n; i++ {
		offsetX := pad + (i%columns)*(width+pad)
		offsetY := pad + (i/columns)*(height+pad)
		sample := data[i*channels*plane : (i+1)*channels*plane]
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := y*width + x
				px := color.RGBA{A: 255}
				if channels == 1 {
					px.R = toByte(sample[idx])
					px.G, px.B = px.R, px.R
				} else {
					px.R = toByte(sample[idx])
					px.G = toByte(sample[plane+idx])
					px.B = toByte(sample[2*plane+idx])
				}
				grid.SetRGBA(offsetX+x, offsetY+y, px)
			}
		}
	}
	return grid, nil
}
