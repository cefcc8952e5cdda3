package stylegan2_go

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Discriminator Differentiable function mapping an image batch to realness score per sample.
type Discriminator interface {
	// Fwd Builds D(input) on the graph of input node. Returns node of shape (batchSize, 1)
	Fwd(input *gorgonia.Node, batchSize int) (*gorgonia.Node, error)
	// FwdInputGradient Builds D(input) together with ∂sum(D(input))/∂input made of feedforward ops only
	FwdInputGradient(input *gorgonia.Node, batchSize int) (score, inputGrad *gorgonia.Node, err error)
	// Learnables Returns ordered parameter set
	Learnables() gorgonia.Nodes
	// Mirror Declares the same discriminator on another graph sharing parameter values
	Mirror(g *gorgonia.ExprGraph) (Discriminator, error)
}

// DiscriminatorNet Abstraction for discriminator part of GAN. It's simple neural network actually.
type DiscriminatorNet struct {
	private *Network
}

// NewDiscriminator Constructor for DiscriminatorNet
func NewDiscriminator(layers ...*Layer) *DiscriminatorNet {
	return &DiscriminatorNet{private: &Network{
		Name:   "discriminator",
		Layers: layers,
	}}
}

// Learnables Returns learnables nodes
func (net *DiscriminatorNet) Learnables() gorgonia.Nodes {
	return net.private.Learnables()
}

// Fwd Initializates feedforward for provided input
//
// input - Input node
// batchSize - batch size. If it's >= 2 then broadcast function will be applied
//
func (net *DiscriminatorNet) Fwd(input *gorgonia.Node, batchSize int) (*gorgonia.Node, error) {
	out, err := net.private.Fwd(input, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "[Discriminator]")
	}
	return out, nil
}

// FwdInputGradient Gradient of sum of scores w.r.t. input images. See ref. Network.FwdInputGradient
func (net *DiscriminatorNet) FwdInputGradient(input *gorgonia.Node, batchSize int) (*gorgonia.Node, *gorgonia.Node, error) {
	ones := gorgonia.NewMatrix(input.Graph(), input.Dtype(), gorgonia.WithShape(batchSize, 1), gorgonia.WithName("discriminator_score_grad"), gorgonia.WithInit(gorgonia.Ones()))
	score, inputGrad, err := net.private.FwdInputGradient(input, ones, batchSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Discriminator]")
	}
	return score, inputGrad, nil
}

// Mirror See ref. Network.Mirror
func (net *DiscriminatorNet) Mirror(g *gorgonia.ExprGraph) (Discriminator, error) {
	mirrored, err := net.private.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "[Discriminator]")
	}
	return &DiscriminatorNet{private: mirrored}, nil
}

// NewStyleDiscriminator Defines fully-connected discriminator for images of shape (channels, resolution, resolution)
//
// input(C,R,R) => flatten(C*R*R) => linear(nf(1)) => linear(nf(2)) => linear(1)
//
// Every layer supports FwdInputGradient, so the discriminator could be used with R1 penalty.
func NewStyleDiscriminator(g *gorgonia.ExprGraph, arch Architecture) *DiscriminatorNet {
	in := arch.Channels * arch.Resolution * arch.Resolution
	h0 := arch.nf(1)
	h1 := arch.nf(2)
	return NewDiscriminator(
		&Layer{
			Type:       LayerFlatten,
			Activation: NoActivation,
		},
		newLinearLayer(g, "discriminator_0", in, h0, Tanh, TanhDerivative),
		newLinearLayer(g, "discriminator_1", h0, h1, Tanh, TanhDerivative),
		newLinearLayer(g, "discriminator_out", h1, 1, NoActivation, nil),
	)
}
