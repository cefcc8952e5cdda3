package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Network Abstraction for neural network.
//
// Name - prefix for names of nodes created during feedforward
// Layers - simple sequence of layers
//
type Network struct {
	Name   string
	Layers []*Layer
}

// Learnables Returns learnables nodes
func (net *Network) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 2*len(net.Layers))
	for _, l := range net.Layers {
		if l != nil {
			if l.WeightNode != nil {
				learnables = append(learnables, l.WeightNode)
			}
			if l.BiasNode != nil {
				learnables = append(learnables, l.BiasNode)
			}
		}
	}
	return learnables
}

// Fwd Initializates feedforward for provided input and returns activated output of last layer.
// It could be called several times on the same graph: every call shares the same learnables.
//
// input - Input node
// batchSize - batch size. If it's >= 2 then broadcast function will be applied
//
func (net *Network) Fwd(input *gorgonia.Node, batchSize int) (*gorgonia.Node, error) {
	trace, err := net.fwd(input, batchSize)
	if err != nil {
		return nil, err
	}
	return trace[len(trace)-1].activated, nil
}

// layerTrace Nodes of single layer visited during feedforward
type layerTrace struct {
	input        *gorgonia.Node
	nonActivated *gorgonia.Node
	activated    *gorgonia.Node
}

func (net *Network) fwd(input *gorgonia.Node, batchSize int) ([]layerTrace, error) {
	networkName := "network"
	if net.Name != "" {
		networkName = net.Name
	}
	if len(net.Layers) == 0 {
		return nil, fmt.Errorf("Network must have one layer atleast")
	}
	trace := make([]layerTrace, 0, len(net.Layers))
	lastActivatedLayer := input
	for i := range net.Layers {
		if net.Layers[i] == nil {
			return nil, fmt.Errorf("Network's layer #%d is nil", i)
		}
		// Feedforward input through i-th layer
		layerNonActivated, err := net.Layers[i].Fwd(batchSize, lastActivatedLayer)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("[Network, Layer #%d] Can't feedforward input before activation", i))
		}
		gorgonia.WithName(fmt.Sprintf("%s_%s_%d", networkName, input.Name(), i))(layerNonActivated)
		activation := net.Layers[i].Activation
		if activation == nil {
			activation = NoActivation
		}
		// Activate i-th layer's output
		layerActivated, err := activation(layerNonActivated)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't apply activation function to non-activated output of Network's layer #%d", i))
		}
		if layerActivated != layerNonActivated {
			gorgonia.WithName(fmt.Sprintf("%s_%s_activated_%d", networkName, input.Name(), i))(layerActivated)
		}
		trace = append(trace, layerTrace{
			input:        lastActivatedLayer,
			nonActivated: layerNonActivated,
			activated:    layerActivated,
		})
		lastActivatedLayer = layerActivated
	}
	return trace, nil
}

// FwdInputGradient Does feedforward for provided input and builds vector-Jacobian product outputGradᵀ·∂output/∂input,
// i.e. gradient of sum(output .* outputGrad) w.r.t. input.
//
// The product is made of ordinary feedforward ops (no gorgonia.Grad call), so a loss holding it still could be
// differentiated w.r.t. learnables by single gorgonia.Grad call.
// Supported layers: linear, flatten and reshape. Activated layers must have ActivationDerivative.
//
// outputGrad - node of output's shape
//
func (net *Network) FwdInputGradient(input, outputGrad *gorgonia.Node, batchSize int) (output, inputGrad *gorgonia.Node, err error) {
	trace, err := net.fwd(input, batchSize)
	if err != nil {
		return nil, nil, err
	}
	output = trace[len(trace)-1].activated
	if !outputGrad.Shape().Eq(output.Shape()) {
		return nil, nil, fmt.Errorf("Gradient of output must have shape %v, got %v", output.Shape(), outputGrad.Shape())
	}
	grad := outputGrad
	for i := len(trace) - 1; i >= 0; i-- {
		grad, err = net.Layers[i].backward(trace[i], grad)
		if err != nil {
			return nil, nil, errors.Wrap(err, fmt.Sprintf("[Network, Layer #%d] Can't propagate gradient to layer's input", i))
		}
	}
	return output, grad, nil
}

// Mirror Defines the same network on provided graph.
// Learnables of the mirror share values with learnables of the original, so parameters update made
// through one graph is observed by every other graph holding a mirror.
func (net *Network) Mirror(g *gorgonia.ExprGraph) (*Network, error) {
	mirrored := &Network{
		Name:   net.Name,
		Layers: make([]*Layer, len(net.Layers)),
	}
	for i, l := range net.Layers {
		if l == nil {
			return nil, fmt.Errorf("Network's layer #%d is nil", i)
		}
		if l.WeightNode == nil && !noWeightsAllowed(l.Type) {
			return nil, fmt.Errorf("Network's Layer %d has nil weight node", i)
		}
		copied, err := l.mirror(g)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't mirror Network's layer #%d", i))
		}
		mirrored.Layers[i] = copied
	}
	return mirrored, nil
}
