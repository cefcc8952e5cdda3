package stylegan2_go

import (
	"gorgonia.org/gorgonia"
)

// ActivationFunc Just an alias to Gorgonia'a api_gen.go - https://github.com/gorgonia/gorgonia/blob/master/api_gen.go#L1
type ActivationFunc func(a *gorgonia.Node) (*gorgonia.Node, error)

func NoActivation(a *gorgonia.Node) (*gorgonia.Node, error) { return a, nil }
func Tanh(a *gorgonia.Node) (*gorgonia.Node, error)         { return gorgonia.Tanh(a) }
func Sigmoid(a *gorgonia.Node) (*gorgonia.Node, error)      { return gorgonia.Sigmoid(a) }
func Softplus(a *gorgonia.Node) (*gorgonia.Node, error)     { return gorgonia.Softplus(a) }
func Rectify(a *gorgonia.Node) (*gorgonia.Node, error)      { return gorgonia.Rectify(a) }

// LeakyReLU Returns leaky rectifier with provided negative slope.
// StyleGAN2 uses alpha = 0.2 for both mapping and synthesis networks
func LeakyReLU(alpha float64) ActivationFunc {
	return func(a *gorgonia.Node) (*gorgonia.Node, error) {
		return gorgonia.LeakyRelu(a, alpha)
	}
}

// ActivationDerivative Builds f'(x) from non-activated x and activated f(x).
// Only feedforward ops are used, so the result is differentiable by gorgonia.Grad itself.
type ActivationDerivative func(x, fx *gorgonia.Node) (*gorgonia.Node, error)

// TanhDerivative 1 - tanh(x)^2
func TanhDerivative(x, fx *gorgonia.Node) (*gorgonia.Node, error) {
	sqr, err := gorgonia.Square(fx)
	if err != nil {
		return nil, err
	}
	return gorgonia.Sub(gorgonia.NewConstant(1.0), sqr)
}

// SigmoidDerivative sigmoid(x) * (1 - sigmoid(x))
func SigmoidDerivative(x, fx *gorgonia.Node) (*gorgonia.Node, error) {
	complement, err := gorgonia.Sub(gorgonia.NewConstant(1.0), fx)
	if err != nil {
		return nil, err
	}
	return gorgonia.HadamardProd(fx, complement)
}

// LeakyReLUDerivative alpha + (1-alpha) * [x > 0]. The step is a comparison op, so no gradient flows through it.
func LeakyReLUDerivative(alpha float64) ActivationDerivative {
	return func(x, fx *gorgonia.Node) (*gorgonia.Node, error) {
		positive, err := gorgonia.Gt(x, gorgonia.NewConstant(0.0), true)
		if err != nil {
			return nil, err
		}
		scaled, err := gorgonia.Mul(gorgonia.NewConstant(1-alpha), positive)
		if err != nil {
			return nil, err
		}
		return gorgonia.Add(gorgonia.NewConstant(alpha), scaled)
	}
}
