package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Generator Differentiable function mapping latent vectors to images
type Generator interface {
	// Fwd Builds G(latent) on the graph of latent node.
	// Returns generated images (batchSize, channels, height, width) and disentangled latents (batchSize, dlatentSize)
	Fwd(latent *gorgonia.Node, batchSize int) (image, dlatent *gorgonia.Node, err error)
	// FwdPathGradient Builds G(latent) together with imageGradᵀ·∂image/∂dlatent of shape (batchSize, dlatentSize).
	// The product is made of feedforward ops only
	FwdPathGradient(latent, imageGrad *gorgonia.Node, batchSize int) (image, dlatentGrad *gorgonia.Node, err error)
	// MappingLearnables Returns parameters of mapping network
	MappingLearnables() gorgonia.Nodes
	// SynthesisLearnables Returns parameters of synthesis network
	SynthesisLearnables() gorgonia.Nodes
	// Learnables Returns whole ordered parameter set: mapping first, synthesis next
	Learnables() gorgonia.Nodes
	// Mirror Declares the same generator on another graph sharing parameter values
	Mirror(g *gorgonia.ExprGraph) (Generator, error)
}

// StyleGenerator Abstraction for generator part of GAN
//
// mapping - latent => disentangled latent
// synthesis - disentangled latent => image
//
type StyleGenerator struct {
	mapping   *Network
	synthesis *Network
}

// NewGenerator Constructor for StyleGenerator
func NewGenerator(mapping, synthesis *Network) *StyleGenerator {
	return &StyleGenerator{
		mapping:   mapping,
		synthesis: synthesis,
	}
}

// MappingLearnables Returns learnables nodes of mapping network
func (net *StyleGenerator) MappingLearnables() gorgonia.Nodes {
	return net.mapping.Learnables()
}

// SynthesisLearnables Returns learnables nodes of synthesis network
func (net *StyleGenerator) SynthesisLearnables() gorgonia.Nodes {
	return net.synthesis.Learnables()
}

// Learnables Returns learnables nodes
func (net *StyleGenerator) Learnables() gorgonia.Nodes {
	return append(net.MappingLearnables(), net.SynthesisLearnables()...)
}

// Fwd Initializates feedforward for provided latent input
//
// latent - Input node
// batchSize - batch size. If it's >= 2 then broadcast function will be applied
//
func (net *StyleGenerator) Fwd(latent *gorgonia.Node, batchSize int) (*gorgonia.Node, *gorgonia.Node, error) {
	dlatent, err := net.mapping.Fwd(latent, batchSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Generator, mapping]")
	}
	image, err := net.synthesis.Fwd(dlatent, batchSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Generator, synthesis]")
	}
	return image, dlatent, nil
}

// FwdPathGradient See ref. Network.FwdInputGradient. Only synthesis network has to support it
func (net *StyleGenerator) FwdPathGradient(latent, imageGrad *gorgonia.Node, batchSize int) (*gorgonia.Node, *gorgonia.Node, error) {
	dlatent, err := net.mapping.Fwd(latent, batchSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Generator, mapping]")
	}
	image, dlatentGrad, err := net.synthesis.FwdInputGradient(dlatent, imageGrad, batchSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Generator, synthesis]")
	}
	return image, dlatentGrad, nil
}

// Mirror See ref. Network.Mirror
func (net *StyleGenerator) Mirror(g *gorgonia.ExprGraph) (Generator, error) {
	mapping, err := net.mapping.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "[Generator, mapping]")
	}
	synthesis, err := net.synthesis.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "[Generator, synthesis]")
	}
	return NewGenerator(mapping, synthesis), nil
}

// NewStyleGenerator Defines generator for images of shape (channels, resolution, resolution)
//
// mapping: latent(Z) => pixel_norm => mappingLayers x linear(Z) with leaky relu
// synthesis: dlatent(Z) => linear(nf(1)) with leaky relu => linear(C*R*R) with tanh => reshape(C,R,R)
//
func NewStyleGenerator(g *gorgonia.ExprGraph, arch Architecture) *StyleGenerator {
	mappingLayers := make([]*Layer, 0, arch.MappingLayers+1)
	mappingLayers = append(mappingLayers, &Layer{
		Type:       LayerPixelNorm,
		Activation: NoActivation,
	})
	for i := 0; i < arch.MappingLayers; i++ {
		mappingLayers = append(mappingLayers, newLinearLayer(g, fmt.Sprintf("mapping_%d", i), arch.LatentSize, arch.LatentSize, LeakyReLU(0.2), LeakyReLUDerivative(0.2)))
	}
	hidden := arch.nf(1)
	pixels := arch.Channels * arch.Resolution * arch.Resolution
	synthesisLayers := []*Layer{
		newLinearLayer(g, "synthesis_0", arch.LatentSize, hidden, LeakyReLU(0.2), LeakyReLUDerivative(0.2)),
		newLinearLayer(g, "synthesis_rgb", hidden, pixels, Tanh, TanhDerivative),
		{
			Type:        LayerReshape,
			Activation:  NoActivation,
			ReshapeDims: []int{arch.Channels, arch.Resolution, arch.Resolution},
		},
	}
	return NewGenerator(
		&Network{Name: "mapping", Layers: mappingLayers},
		&Network{Name: "synthesis", Layers: synthesisLayers},
	)
}

// newLinearLayer Prepares linear layer with weights of shape (out, in) and bias of shape (1, out)
func newLinearLayer(g *gorgonia.ExprGraph, name string, in, out int, activation ActivationFunc, derivative ActivationDerivative) *Layer {
	w := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(out, in), gorgonia.WithName(name+"_w"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))
	b := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, out), gorgonia.WithName(name+"_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	return &Layer{
		WeightNode: w,
		BiasNode:   b,
		Type:       LayerLinear,
		Activation: activation,

		ActivationDerivative: derivative,
	}
}

