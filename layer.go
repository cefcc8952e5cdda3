package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Layer Just an alias to Weight+Bias+ActivationFunction combo
//
// BiasNode is expected to have shape (1, N) for linear layers so it could be broadcasted along batch axis
// ReshapeDims - per-sample shape, batch axis is prepended during feedforward
//
type Layer struct {
	WeightNode *gorgonia.Node
	BiasNode   *gorgonia.Node
	Activation ActivationFunc
	Type       LayerType

	// ActivationDerivative is needed to build gradient w.r.t. layer's input (see Network.FwdInputGradient)
	ActivationDerivative ActivationDerivative

	KernelHeight int
	KernelWidth  int
	Padding      []int
	Stride       []int
	Dilation     []int
	ReshapeDims  []int
}

type LayerType uint16

const (
	LayerLinear = LayerType(iota)
	LayerFlatten
	LayerConvolutional
	LayerMaxpool
	LayerReshape
	LayerPixelNorm
)

func (lt LayerType) String() string {
	switch lt {
	case LayerLinear:
		return "linear"
	case LayerFlatten:
		return "flatten"
	case LayerConvolutional:
		return "convolutional"
	case LayerMaxpool:
		return "maxpool"
	case LayerReshape:
		return "reshape"
	case LayerPixelNorm:
		return "pixel_norm"
	default:
		return fmt.Sprintf("layer_type_%d", uint16(lt))
	}
}

var (
	allowedNoWeights = []LayerType{LayerMaxpool, LayerFlatten, LayerReshape, LayerPixelNorm}
)

// pixelNormEpsilon See ref. https://arxiv.org/abs/1710.10196 (section 4.2)
const pixelNormEpsilon = 1e-8

func noWeightsAllowed(checkType LayerType) bool {
	return checkLayerType(checkType, allowedNoWeights...)
}

func checkLayerType(checkType LayerType, t ...LayerType) bool {
	for _, typeOf := range t {
		if checkType == typeOf {
			return true
		}
	}
	return false
}

// Fwd Feedforward input through the layer. Activation is not applied here.
//
// batchSize - size of first axis of input
// input - Input node
//
func (l *Layer) Fwd(batchSize int, input *gorgonia.Node) (*gorgonia.Node, error) {
	if l.WeightNode == nil && !noWeightsAllowed(l.Type) {
		return nil, fmt.Errorf("Layer of type '%s' has nil weight node", l.Type)
	}
	var out *gorgonia.Node
	var err error
	switch l.Type {
	case LayerLinear:
		tOp, err := gorgonia.Transpose(l.WeightNode)
		if err != nil {
			return nil, errors.Wrap(err, "Can't transpose weights")
		}
		out, err = gorgonia.Mul(input, tOp)
		if err != nil {
			return nil, errors.Wrap(err, "Can't multiply input and weights")
		}
	case LayerConvolutional:
		out, err = gorgonia.Conv2d(input, l.WeightNode, tensor.Shape{l.KernelHeight, l.KernelWidth}, l.Padding, l.Stride, l.Dilation)
		if err != nil {
			return nil, errors.Wrap(err, "Can't convolve[2D] input by kernel")
		}
	case LayerMaxpool:
		out, err = gorgonia.MaxPool2D(input, tensor.Shape{l.KernelHeight, l.KernelWidth}, l.Padding, l.Stride)
		if err != nil {
			return nil, errors.Wrap(err, "Can't maxpool[2D] input by kernel")
		}
	case LayerFlatten:
		out, err = gorgonia.Reshape(input, tensor.Shape{batchSize, input.Shape().TotalSize() / batchSize})
		if err != nil {
			return nil, errors.Wrap(err, "Can't flatten input")
		}
	case LayerReshape:
		out, err = gorgonia.Reshape(input, append(tensor.Shape{batchSize}, l.ReshapeDims...))
		if err != nil {
			return nil, errors.Wrap(err, "Can't reshape input")
		}
	case LayerPixelNorm:
		out, err = pixelNorm(input, batchSize)
		if err != nil {
			return nil, errors.Wrap(err, "Can't normalize input")
		}
	default:
		return nil, fmt.Errorf("Layer type '%d' (uint16) is not handled", l.Type)
	}
	if l.BiasNode == nil {
		return out, nil
	}
	if batchSize < 2 {
		out, err = gorgonia.Add(out, l.BiasNode)
		if err != nil {
			return nil, errors.Wrap(err, "Can't add bias to non-activated output")
		}
		return out, nil
	}
	out, err = gorgonia.BroadcastAdd(out, l.BiasNode, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("Can't add [in broadcast term with batch_size = %d] bias to non-activated output", batchSize))
	}
	return out, nil
}

// pixelNorm Normalizes each sample of (batch, features) input to unit average magnitude
func pixelNorm(input *gorgonia.Node, batchSize int) (*gorgonia.Node, error) {
	sqr, err := gorgonia.Square(input)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	meanSqr, err := gorgonia.Mean(sqr, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do mean(x^2) along features axis")
	}
	meanSqr, err = gorgonia.Reshape(meanSqr, tensor.Shape{batchSize, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape mean(x^2) to column")
	}
	epsScalar := gorgonia.NewScalar(input.Graph(), input.Dtype(), gorgonia.WithValue(pixelNormEpsilon), gorgonia.WithName("pixel_norm_eps"))
	shifted, err := gorgonia.Add(meanSqr, epsScalar)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x+eps)")
	}
	norm, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do √x")
	}
	return gorgonia.BroadcastHadamardDiv(input, norm, nil, []byte{1})
}

// backward Turns gradient w.r.t. layer's activated output into gradient w.r.t. layer's input
func (l *Layer) backward(trace layerTrace, grad *gorgonia.Node) (*gorgonia.Node, error) {
	if trace.activated != trace.nonActivated {
		if l.ActivationDerivative == nil {
			return nil, fmt.Errorf("Layer of type '%s' is activated, but has no activation derivative", l.Type)
		}
		derivative, err := l.ActivationDerivative(trace.nonActivated, trace.activated)
		if err != nil {
			return nil, errors.Wrap(err, "Can't prepare derivative of activation function")
		}
		grad, err = gorgonia.HadamardProd(grad, derivative)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do (grad.*f'(x))")
		}
	}
	switch l.Type {
	case LayerLinear:
		// output = input·Wᵀ + b, so ∂/∂input = grad·W
		inputGrad, err := gorgonia.Mul(grad, l.WeightNode)
		if err != nil {
			return nil, errors.Wrap(err, "Can't multiply gradient and weights")
		}
		return inputGrad, nil
	case LayerFlatten, LayerReshape:
		inputGrad, err := gorgonia.Reshape(grad, trace.input.Shape().Clone())
		if err != nil {
			return nil, errors.Wrap(err, "Can't reshape gradient to input's shape")
		}
		return inputGrad, nil
	default:
		return nil, fmt.Errorf("Gradient w.r.t. input of layer of type '%s' is not supported", l.Type)
	}
}

// mirror Copies layer's configuration onto another graph. Learnables of the copy share values with the original layer.
func (l *Layer) mirror(g *gorgonia.ExprGraph) (*Layer, error) {
	copied := &Layer{
		Activation:           l.Activation,
		ActivationDerivative: l.ActivationDerivative,
		Type:                 l.Type,
		KernelHeight:         l.KernelHeight,
		KernelWidth:          l.KernelWidth,
		Padding:              l.Padding,
		Stride:               l.Stride,
		Dilation:             l.Dilation,
		ReshapeDims:          l.ReshapeDims,
	}
	for _, pair := range []struct {
		src *gorgonia.Node
		dst **gorgonia.Node
	}{{l.WeightNode, &copied.WeightNode}, {l.BiasNode, &copied.BiasNode}} {
		if pair.src == nil {
			continue
		}
		if pair.src.Value() == nil {
			return nil, fmt.Errorf("Learnable '%s' has no value. Initialize it before mirroring", pair.src.Name())
		}
		*pair.dst = mirrorNode(g, pair.src)
	}
	return copied, nil
}

func mirrorNode(g *gorgonia.ExprGraph, n *gorgonia.Node) *gorgonia.Node {
	return gorgonia.NewTensor(g, n.Dtype(), n.Dims(), gorgonia.WithShape(n.Shape()...), gorgonia.WithName(n.Name()), gorgonia.WithValue(n.Value()))
}
