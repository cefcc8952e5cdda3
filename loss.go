package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// LossVariant Closed set of adversarial objectives
type LossVariant uint16

const (
	LossUnknown = LossVariant(iota)
	// LossStyleGAN Non-saturating logistic loss with R1 penalty for D and optional path length regularization for G
	LossStyleGAN
	// LossRelativisticHinge Relativistic average hinge loss. See ref. https://arxiv.org/abs/1807.00734
	LossRelativisticHinge
	// LossVanilla Binary cross entropy with logits
	LossVanilla
)

func (lv LossVariant) String() string {
	switch lv {
	case LossStyleGAN:
		return "styleGAN"
	case LossRelativisticHinge:
		return "relativistic-average-hinge"
	case LossVanilla:
		return "vanilla-GAN"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(lv))
	}
}

func (lv LossVariant) valid() bool {
	return lv == LossStyleGAN || lv == LossRelativisticHinge || lv == LossVanilla
}

// ParseLossVariant Converts name of loss variant into LossVariant.
// Short names of the reference trainer ('Rah', 'GAN') are accepted too.
func ParseLossVariant(name string) (LossVariant, error) {
	switch name {
	case "styleGAN":
		return LossStyleGAN, nil
	case "relativistic-average-hinge", "Rah":
		return LossRelativisticHinge, nil
	case "vanilla-GAN", "GAN":
		return LossVanilla, nil
	default:
		return LossUnknown, &ConfigurationError{Field: "loss", Reason: fmt.Sprintf("loss type '%s' does not exist", name)}
	}
}

type LossReduction uint16

const (
	LossReductionSum = LossReduction(iota)
	LossReductionMean
)

func reduce(x *gorgonia.Node, reduction []LossReduction) (*gorgonia.Node, error) {
	reductionDefault := LossReductionMean
	if len(reduction) != 0 {
		reductionDefault = reduction[0]
	}
	switch reductionDefault {
	case LossReductionSum:
		return gorgonia.Sum(x)
	case LossReductionMean:
		return gorgonia.Mean(x)
	default:
		return nil, fmt.Errorf("Reduction type %d is not supported", reductionDefault)
	}
}

// BinaryCrossEntropyWithLogitsLoss Numerically stable binary cross entropy on raw scores: softplus(a) - a*b
// See ref. https://en.wikipedia.org/wiki/Cross_entropy#Cross-entropy_loss_function_and_logistic_regression
// Default reduction is 'mean'
func BinaryCrossEntropyWithLogitsLoss(a, b *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	softplus, err := gorgonia.Softplus(a)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(A)")
	}
	hprod, err := gorgonia.HadamardProd(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (A.*B)")
	}
	sub, err := gorgonia.Sub(softplus, hprod)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x-y)")
	}
	return reduce(sub, reduction)
}

// HingeLoss Computes max(0, margin + sign*x)
// Default reduction is 'mean'
func HingeLoss(x *gorgonia.Node, margin float64, sign float64, reduction ...LossReduction) (*gorgonia.Node, error) {
	marginScalar := gorgonia.NewScalar(x.Graph(), x.Dtype(), gorgonia.WithValue(margin))
	signed := x
	var err error
	if sign < 0 {
		signed, err = gorgonia.Neg(x)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do -1*x")
		}
	}
	shifted, err := gorgonia.Add(marginScalar, signed)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (margin+x)")
	}
	rectified, err := gorgonia.Rectify(shifted)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do max(0, x)")
	}
	return reduce(rectified, reduction)
}

// labels Returns constant-like node of the same shape as provided node filled by ones or zeros
func labels(like *gorgonia.Node, name string, ones bool) *gorgonia.Node {
	init := gorgonia.Zeroes()
	if ones {
		init = gorgonia.Ones()
	}
	return gorgonia.NewTensor(like.Graph(), like.Dtype(), like.Dims(), gorgonia.WithShape(like.Shape()...), gorgonia.WithName(name), gorgonia.WithInit(init))
}

// LossEngine Builds scalar loss expressions of discriminator and generator for selected variant.
// It never touches parameters: that's OptimizationStep's job.
type LossEngine struct {
	variant LossVariant
	r1Gamma float64
}

// NewLossEngine Returns engine for provided variant. Unknown variant is *ConfigurationError
//
// r1Gamma - weight of R1 penalty. Zero disables it. Used by LossStyleGAN only
//
func NewLossEngine(variant LossVariant, r1Gamma float64) (*LossEngine, error) {
	if !variant.valid() {
		return nil, &ConfigurationError{Field: "loss", Reason: fmt.Sprintf("loss type '%s' does not exist", variant)}
	}
	if r1Gamma < 0 {
		return nil, &ConfigurationError{Field: "r1_gamma", Reason: "must not be negative"}
	}
	return &LossEngine{
		variant: variant,
		r1Gamma: r1Gamma,
	}, nil
}

// Variant Returns selected loss variant
func (le *LossEngine) Variant() LossVariant {
	return le.variant
}

// GeneratorNeedsRealScore Returns true if generator loss depends on D(real)
func (le *LossEngine) GeneratorNeedsRealScore() bool {
	return le.variant == LossRelativisticHinge
}

// NeedsRealGradient Returns true if discriminator loss holds R1 penalty, i.e. depends on dD(real)/d(real)
func (le *LossEngine) NeedsRealGradient() bool {
	return le.variant == LossStyleGAN && le.r1Gamma > 0
}

// SupportsPathLength Returns true if path length regularization is a part of generator loss
func (le *LossEngine) SupportsPathLength() bool {
	return le.variant == LossStyleGAN
}

// DiscriminatorLoss Builds discriminator loss
//
// realScore - D(real), shape (batchSize, 1)
// fakeScore - D(G(z)) with G's output treated as constant, shape (batchSize, 1)
// realGrad - dD(real)/d(real) for R1 penalty. Could be nil unless NeedsRealGradient() is true
//
func (le *LossEngine) DiscriminatorLoss(realScore, fakeScore, realGrad *gorgonia.Node) (*gorgonia.Node, error) {
	switch le.variant {
	case LossStyleGAN:
		fakePart, err := gorgonia.Softplus(fakeScore)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do softplus(D(fake))")
		}
		negReal, err := gorgonia.Neg(realScore)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do -D(real)")
		}
		realPart, err := gorgonia.Softplus(negReal)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do softplus(-D(real))")
		}
		perSample, err := gorgonia.Add(fakePart, realPart)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do (x+y)")
		}
		if le.NeedsRealGradient() {
			if realGrad == nil {
				return nil, fmt.Errorf("R1 penalty requires gradient of D(real) w.r.t. real images")
			}
			penalty, err := R1Penalty(realGrad, le.r1Gamma)
			if err != nil {
				return nil, errors.Wrap(err, "Can't prepare R1 penalty")
			}
			perSample, err = gorgonia.Add(perSample, penalty)
			if err != nil {
				return nil, errors.Wrap(err, "Can't add R1 penalty")
			}
		}
		return gorgonia.Mean(perSample)
	case LossRelativisticHinge:
		realFakeDiff, fakeRealDiff, err := relativisticDiffs(realScore, fakeScore)
		if err != nil {
			return nil, err
		}
		realPart, err := HingeLoss(realFakeDiff, 1, -1)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do mean(max(0, 1-(real-mean(fake))))")
		}
		fakePart, err := HingeLoss(fakeRealDiff, 1, 1)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do mean(max(0, 1+(fake-mean(real))))")
		}
		return gorgonia.Add(realPart, fakePart)
	case LossVanilla:
		realPart, err := BinaryCrossEntropyWithLogitsLoss(realScore, labels(realScore, "discriminator_real_labels", true))
		if err != nil {
			return nil, errors.Wrap(err, "Can't do BCE(D(real), 1)")
		}
		fakePart, err := BinaryCrossEntropyWithLogitsLoss(fakeScore, labels(fakeScore, "discriminator_fake_labels", false))
		if err != nil {
			return nil, errors.Wrap(err, "Can't do BCE(D(fake), 0)")
		}
		return gorgonia.Add(realPart, fakePart)
	default:
		return nil, &ConfigurationError{Field: "loss", Reason: fmt.Sprintf("loss type '%s' does not exist", le.variant)}
	}
}

// GeneratorLoss Builds generator loss
//
// realScore - D(real) evaluated by updated discriminator. Could be nil unless GeneratorNeedsRealScore() is true
// fakeScore - D(G(z)) evaluated by updated discriminator, shape (batchSize, 1)
// regularization - optional per-sample term of shape (batchSize, 1) (path length penalty). Ignored if nil
//
func (le *LossEngine) GeneratorLoss(realScore, fakeScore, regularization *gorgonia.Node) (*gorgonia.Node, error) {
	switch le.variant {
	case LossStyleGAN:
		negFake, err := gorgonia.Neg(fakeScore)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do -D(fake)")
		}
		perSample, err := gorgonia.Softplus(negFake)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do softplus(-D(fake))")
		}
		if regularization != nil {
			perSample, err = gorgonia.Add(perSample, regularization)
			if err != nil {
				return nil, errors.Wrap(err, "Can't add regularization")
			}
		}
		return gorgonia.Mean(perSample)
	case LossRelativisticHinge:
		if realScore == nil {
			return nil, fmt.Errorf("Relativistic loss requires D(real)")
		}
		realFakeDiff, fakeRealDiff, err := relativisticDiffs(realScore, fakeScore)
		if err != nil {
			return nil, err
		}
		realPart, err := HingeLoss(realFakeDiff, 1, 1)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do mean(max(0, 1+(real-mean(fake))))")
		}
		fakePart, err := HingeLoss(fakeRealDiff, 1, -1)
		if err != nil {
			return nil, errors.Wrap(err, "Can't do mean(max(0, 1-(fake-mean(real))))")
		}
		return gorgonia.Add(realPart, fakePart)
	case LossVanilla:
		loss, err := BinaryCrossEntropyWithLogitsLoss(fakeScore, labels(fakeScore, "generator_fake_labels", true))
		if err != nil {
			return nil, errors.Wrap(err, "Can't do BCE(D(fake), 1)")
		}
		return loss, nil
	default:
		return nil, &ConfigurationError{Field: "loss", Reason: fmt.Sprintf("loss type '%s' does not exist", le.variant)}
	}
}

// relativisticDiffs Returns (real - mean(fake)) and (fake - mean(real))
func relativisticDiffs(realScore, fakeScore *gorgonia.Node) (*gorgonia.Node, *gorgonia.Node, error) {
	meanFake, err := gorgonia.Mean(fakeScore)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't do mean(D(fake))")
	}
	meanReal, err := gorgonia.Mean(realScore)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't do mean(D(real))")
	}
	realFakeDiff, err := gorgonia.Sub(realScore, meanFake)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't do (real-mean(fake))")
	}
	fakeRealDiff, err := gorgonia.Sub(fakeScore, meanReal)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't do (fake-mean(real))")
	}
	return realFakeDiff, fakeRealDiff, nil
}
