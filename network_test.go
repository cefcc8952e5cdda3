package stylegan2_go

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// sumWeighted sum(out .* weights)
func sumWeighted(out, weights []float64) float64 {
	s := 0.0
	for i := range out {
		s += out[i] * weights[i]
	}
	return s
}

func TestInputGradientMatchesFiniteDifferences(t *testing.T) {
	g := gorgonia.NewGraph()
	net := &Network{
		Name: "mlp",
		Layers: []*Layer{
			newLinearLayer(g, "mlp_0", 3, 4, Tanh, TanhDerivative),
			newLinearLayer(g, "mlp_1", 4, 4, LeakyReLU(0.2), LeakyReLUDerivative(0.2)),
			newLinearLayer(g, "mlp_2", 4, 2, Sigmoid, SigmoidDerivative),
			{Type: LayerReshape, ReshapeDims: []int{1, 2}},
		},
	}
	rng := rand.New(rand.NewSource(17))
	seedData := []float64{0.3, -1.2, 0.7, 2.0}
	inputData := make([]float64, 6)
	for i := range inputData {
		inputData[i] = rng.NormFloat64()
	}

	input := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(2, 3), gorgonia.WithName("x"))
	seed := gorgonia.NewTensor(g, gorgonia.Float64, 3, gorgonia.WithShape(2, 1, 2), gorgonia.WithName("seed"), gorgonia.WithValue(tensor.New(tensor.WithShape(2, 1, 2), tensor.WithBacking(seedData))))
	out, grad, err := net.FwdInputGradient(input, seed, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !grad.Shape().Eq(tensor.Shape{2, 3}) {
		t.Fatalf("Gradient must have input's shape (2, 3), got %v", grad.Shape())
	}
	var outVal, gradVal gorgonia.Value
	gorgonia.Read(out, &outVal)
	gorgonia.Read(grad, &gradVal)
	ev := newEvaluator(g)
	defer ev.Close()

	eval := func(x []float64) ([]float64, []float64) {
		backing := append([]float64{}, x...)
		if err := gorgonia.Let(input, tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(backing))); err != nil {
			t.Fatal(err)
		}
		if err := ev.run(); err != nil {
			t.Fatal(err)
		}
		outDense, err := cloneDense(outVal)
		if err != nil {
			t.Fatal(err)
		}
		gradDense, err := cloneDense(gradVal)
		if err != nil {
			t.Fatal(err)
		}
		return outDense.Data().([]float64), gradDense.Data().([]float64)
	}

	_, analytic := eval(inputData)
	const h = 1e-5
	for i := range inputData {
		plus := append([]float64{}, inputData...)
		plus[i] += h
		minus := append([]float64{}, inputData...)
		minus[i] -= h
		outPlus, _ := eval(plus)
		outMinus, _ := eval(minus)
		numeric := (sumWeighted(outPlus, seedData) - sumWeighted(outMinus, seedData)) / (2 * h)
		if math.Abs(numeric-analytic[i]) > 1e-6 {
			t.Errorf("Input #%d: expected gradient %v, got %v", i, numeric, analytic[i])
		}
	}
}

func TestInputGradientUnsupportedLayers(t *testing.T) {
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(1, 1, 4, 4), gorgonia.WithName("input"))
	pooled := &Network{
		Name: "pool",
		Layers: []*Layer{
			{Type: LayerMaxpool, KernelHeight: 2, KernelWidth: 2, Padding: []int{0, 0}, Stride: []int{2, 2}},
			{Type: LayerFlatten},
		},
	}
	seed := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 4), gorgonia.WithName("seed"), gorgonia.WithInit(gorgonia.Ones()))
	if _, _, err := pooled.FwdInputGradient(input, seed, 1); err == nil {
		t.Error("Max pooling layer must be rejected")
	}

	flat := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 16), gorgonia.WithName("flat"))
	noDerivative := &Network{
		Name: "no_derivative",
		Layers: []*Layer{
			newLinearLayer(g, "no_derivative_0", 16, 1, Tanh, nil),
		},
	}
	scoreSeed := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 1), gorgonia.WithName("score_seed"), gorgonia.WithInit(gorgonia.Ones()))
	if _, _, err := noDerivative.FwdInputGradient(flat, scoreSeed, 1); err == nil {
		t.Error("Activated layer without derivative must be rejected")
	}
	if _, _, err := noDerivative.FwdInputGradient(flat, seed, 1); err == nil {
		t.Error("Seed of wrong shape must be rejected")
	}
}
