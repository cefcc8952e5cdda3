package stylegan2_go

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// R1Penalty Gradient penalty on real data: gamma/2 * ||dD(x)/dx||^2 for each sample.
// See ref. https://arxiv.org/abs/1801.04406
//
// realGrad - gradient of D(real) w.r.t. real images, see ref. Discriminator.FwdInputGradient
// Returns node of shape (batchSize, 1)
//
func R1Penalty(realGrad *gorgonia.Node, gamma float64) (*gorgonia.Node, error) {
	if realGrad.Dims() < 2 {
		return nil, errors.Errorf("Gradient w.r.t. real images must have batch axis, got shape %v", realGrad.Shape())
	}
	sqr, err := gorgonia.Square(realGrad)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	gradNorm, err := sumPerSample(sqr)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do sum(x^2) per sample")
	}
	halfGamma := gorgonia.NewScalar(realGrad.Graph(), realGrad.Dtype(), gorgonia.WithValue(gamma*0.5), gorgonia.WithName("r1_half_gamma"))
	penalty, err := gorgonia.Mul(halfGamma, gradNorm)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (gamma/2*x)")
	}
	gorgonia.WithName("r1_penalty")(penalty)
	return penalty, nil
}

// sumPerSample Reduces every axis but the first one. Returns node of shape (batchSize, 1)
func sumPerSample(x *gorgonia.Node) (*gorgonia.Node, error) {
	shp := x.Shape()
	batchSize := shp[0]
	flat, err := gorgonia.Reshape(x, tensor.Shape{batchSize, shp.TotalSize() / batchSize})
	if err != nil {
		return nil, err
	}
	summed, err := gorgonia.Sum(flat, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(summed, tensor.Shape{batchSize, 1})
}

// PathLengthRegularizer Penalizes deviation of |J^T*y| from its running mean, where J is Jacobian of generator's
// output w.r.t. disentangled latents and y is random image-space direction.
// See ref. https://arxiv.org/abs/1912.04958 (section 3.2)
//
// Penalty of the current step uses running mean accumulated by the previous steps.
type PathLengthRegularizer struct {
	decay  float64
	weight float64

	noise      *gorgonia.Node
	mean       *gorgonia.Node
	lengthsVal gorgonia.Value

	noiseShape  tensor.Shape
	noiseScale  float64
	runningMean float64
	rng         *rand.Rand
}

// NewPathLengthRegularizer Declares inputs of regularization term on provided graph
//
// imageShape - shape of G(z): (batchSize, channels, height, width)
//
func NewPathLengthRegularizer(cfg PathLengthConfig, g *gorgonia.ExprGraph, imageShape tensor.Shape, rng *rand.Rand) (*PathLengthRegularizer, error) {
	if len(imageShape) < 3 {
		return nil, errors.Errorf("Generator's output must have batch and spatial axes, got shape %v", imageShape)
	}
	pixels := 1
	for _, d := range imageShape[len(imageShape)-2:] {
		pixels *= d
	}
	shp := imageShape.Clone()
	reg := &PathLengthRegularizer{
		decay:      cfg.Decay,
		weight:     cfg.Weight,
		noiseShape: shp,
		noiseScale: 1.0 / math.Sqrt(float64(pixels)),
		rng:        rng,
	}
	reg.noise = gorgonia.NewTensor(g, gorgonia.Float64, len(shp), gorgonia.WithShape(shp...), gorgonia.WithName("pl_noise"))
	reg.mean = gorgonia.NewScalar(g, gorgonia.Float64, gorgonia.WithName("pl_mean"))
	if err := reg.Prepare(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Noise Returns node of random image-space direction y. Pass it to Generator.FwdPathGradient
func (reg *PathLengthRegularizer) Noise() *gorgonia.Node {
	return reg.noise
}

// Penalty Builds per-sample weight*(|J^T*y| - mean)^2 of shape (batchSize, 1)
//
// dlatentGrad - J^T*y, see ref. Generator.FwdPathGradient
//
func (reg *PathLengthRegularizer) Penalty(dlatentGrad *gorgonia.Node) (*gorgonia.Node, error) {
	if dlatentGrad.Dims() < 2 {
		return nil, errors.Errorf("Gradient w.r.t. disentangled latents must have batch axis, got shape %v", dlatentGrad.Shape())
	}
	sqr, err := gorgonia.Square(dlatentGrad)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	sqrSum, err := sumPerSample(sqr)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do sum(x^2) per sample")
	}
	lengths, err := gorgonia.Sqrt(sqrSum)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do √x")
	}
	gorgonia.WithName("pl_lengths")(lengths)
	gorgonia.Read(lengths, &reg.lengthsVal)

	deviation, err := gorgonia.Sub(lengths, reg.mean)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (lengths-mean)")
	}
	penalty, err := gorgonia.Square(deviation)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	weightScalar := gorgonia.NewScalar(dlatentGrad.Graph(), dlatentGrad.Dtype(), gorgonia.WithValue(reg.weight), gorgonia.WithName("pl_weight"))
	penalty, err = gorgonia.Mul(weightScalar, penalty)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (weight*x)")
	}
	gorgonia.WithName("pl_penalty")(penalty)
	return penalty, nil
}

// Prepare Feeds fresh image-space noise and current running mean into the graph. Call it before each run.
func (reg *PathLengthRegularizer) Prepare() error {
	data := make([]float64, reg.noiseShape.TotalSize())
	for i := range data {
		data[i] = reg.rng.NormFloat64() * reg.noiseScale
	}
	if err := gorgonia.Let(reg.noise, tensor.New(tensor.WithShape(reg.noiseShape...), tensor.WithBacking(data))); err != nil {
		return errors.Wrap(err, "Can't feed path length noise")
	}
	if err := gorgonia.Let(reg.mean, reg.runningMean); err != nil {
		return errors.Wrap(err, "Can't feed path length running mean")
	}
	return nil
}

// Update Moves running mean towards mean path length of the last run: mean += decay*(mean(lengths)-mean)
func (reg *PathLengthRegularizer) Update() error {
	if reg.lengthsVal == nil {
		return errors.New("Path lengths have not been evaluated yet")
	}
	lengths, ok := reg.lengthsVal.Data().([]float64)
	if !ok {
		return errors.Errorf("Path lengths must be []float64, got %T", reg.lengthsVal.Data())
	}
	reg.runningMean += reg.decay * (stat.Mean(lengths, nil) - reg.runningMean)
	return nil
}

// RunningMean Returns current running mean of path lengths
func (reg *PathLengthRegularizer) RunningMean() float64 {
	return reg.runningMean
}
