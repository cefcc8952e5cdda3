package stylegan2_go

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Architecture = Architecture{
		Resolution:    4,
		Channels:      1,
		LatentSize:    8,
		FmapBase:      16,
		FmapMax:       8,
		MappingLayers: 1,
	}
	cfg.BatchSize = 2
	cfg.Epochs = 2
	cfg.OutputDir = t.TempDir()
	return cfg
}

func testNetworks(arch Architecture) (*StyleGenerator, *DiscriminatorNet) {
	g := gorgonia.NewGraph()
	return NewStyleGenerator(g, arch), NewStyleDiscriminator(g, arch)
}

// randomImages Returns batch of values in [-1; 1]
func randomImages(rng *rand.Rand, cfg Config, n int) *tensor.Dense {
	data := make([]float64, n*cfg.Channels*cfg.Resolution*cfg.Resolution)
	for i := range data {
		data[i] = 2*rng.Float64() - 1
	}
	return tensor.New(tensor.WithShape(n, cfg.Channels, cfg.Resolution, cfg.Resolution), tensor.WithBacking(data))
}

func nodeData(t *testing.T, n *gorgonia.Node) []float64 {
	dense, err := denseOf(n)
	if err != nil {
		t.Fatal(err)
	}
	data, err := float64Data(dense)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func sameBits(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
