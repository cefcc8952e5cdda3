package stylegan2_go

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Every graph below holds mirrors of the same Generator and Discriminator. Mirrors share values with the
// definition, so an update applied by one graph's solver is observed by every other graph.

// discriminatorGraph D-update graph.
//
// G's output is computed here, but gradients are taken w.r.t. D's learnables only, so fake images
// are treated as constant (detached).
type discriminatorGraph struct {
	graph  *gorgonia.ExprGraph
	real   *gorgonia.Node
	latent *gorgonia.Node
	step   *OptimizationStep
}

func newDiscriminatorGraph(cfg Config, engine *LossEngine, gen Generator, dis Discriminator) (*discriminatorGraph, error) {
	g := gorgonia.NewGraph()
	genMirror, err := gen.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror generator")
	}
	disMirror, err := dis.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror discriminator")
	}
	dg := &discriminatorGraph{
		graph:  g,
		real:   imageInput(g, cfg, "real"),
		latent: latentInput(g, cfg, "latent"),
	}
	fake, _, err := genMirror.Fwd(dg.latent, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't feedforward generator")
	}
	var realScore, realGrad *gorgonia.Node
	if engine.NeedsRealGradient() {
		realScore, realGrad, err = disMirror.FwdInputGradient(dg.real, cfg.BatchSize)
	} else {
		realScore, err = disMirror.Fwd(dg.real, cfg.BatchSize)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't feedforward discriminator on real images")
	}
	fakeScore, err := disMirror.Fwd(fake, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't feedforward discriminator on fake images")
	}
	loss, err := engine.DiscriminatorLoss(realScore, fakeScore, realGrad)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare discriminator loss")
	}
	dg.step, err = NewOptimizationStep("discriminator", loss, []ParamGroup{
		{Name: "discriminator", Learnables: disMirror.Learnables(), LearnRate: cfg.LearnRateD},
	}, cfg.Beta1, cfg.Beta2)
	if err != nil {
		return nil, err
	}
	return dg, nil
}

// update Does D-update for provided real images and latents
func (dg *discriminatorGraph) update(real, latent *tensor.Dense) (float64, error) {
	if err := gorgonia.Let(dg.real, real); err != nil {
		return 0, errors.Wrap(err, "Can't feed real images")
	}
	if err := gorgonia.Let(dg.latent, latent); err != nil {
		return 0, errors.Wrap(err, "Can't feed latents")
	}
	return dg.step.Update()
}

// generatorGraph G-update graph.
//
// D is evaluated here once more, so G's loss sees D's parameters after the D-update of the same iteration.
// Gradients are taken w.r.t. G's learnables only: mapping and synthesis networks are separate parameter groups.
type generatorGraph struct {
	graph      *gorgonia.ExprGraph
	real       *gorgonia.Node
	latent     *gorgonia.Node
	pathLength *PathLengthRegularizer
	step       *OptimizationStep
}

func newGeneratorGraph(cfg Config, engine *LossEngine, gen Generator, dis Discriminator, rng *rand.Rand) (*generatorGraph, error) {
	g := gorgonia.NewGraph()
	genMirror, err := gen.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror generator")
	}
	disMirror, err := dis.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror discriminator")
	}
	gg := &generatorGraph{
		graph:  g,
		latent: latentInput(g, cfg, "latent"),
	}
	var fake, regularization *gorgonia.Node
	if cfg.PathLength.Enabled && engine.SupportsPathLength() {
		imageShape := tensor.Shape{cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution}
		gg.pathLength, err = NewPathLengthRegularizer(cfg.PathLength, g, imageShape, rng)
		if err != nil {
			return nil, errors.Wrap(err, "Can't prepare path length regularization")
		}
		var dlatentGrad *gorgonia.Node
		fake, dlatentGrad, err = genMirror.FwdPathGradient(gg.latent, gg.pathLength.Noise(), cfg.BatchSize)
		if err != nil {
			return nil, errors.Wrap(err, "Can't feedforward generator with path gradient")
		}
		regularization, err = gg.pathLength.Penalty(dlatentGrad)
		if err != nil {
			return nil, errors.Wrap(err, "Can't prepare path length penalty")
		}
	} else {
		fake, _, err = genMirror.Fwd(gg.latent, cfg.BatchSize)
		if err != nil {
			return nil, errors.Wrap(err, "Can't feedforward generator")
		}
	}
	fakeScore, err := disMirror.Fwd(fake, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't feedforward discriminator on fake images")
	}
	var realScore *gorgonia.Node
	if engine.GeneratorNeedsRealScore() {
		gg.real = imageInput(g, cfg, "real")
		realScore, err = disMirror.Fwd(gg.real, cfg.BatchSize)
		if err != nil {
			return nil, errors.Wrap(err, "Can't feedforward discriminator on real images")
		}
	}
	loss, err := engine.GeneratorLoss(realScore, fakeScore, regularization)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare generator loss")
	}
	gg.step, err = NewOptimizationStep("generator", loss, []ParamGroup{
		{Name: "synthesis", Learnables: genMirror.SynthesisLearnables(), LearnRate: cfg.LearnRateG},
		{Name: "mapping", Learnables: genMirror.MappingLearnables(), LearnRate: cfg.LearnRateG * cfg.MappingLearnRateScale},
	}, cfg.Beta1, cfg.Beta2)
	if err != nil {
		return nil, err
	}
	return gg, nil
}

// update Does G-update. Real images are used by relativistic loss only
func (gg *generatorGraph) update(real, latent *tensor.Dense) (float64, error) {
	if gg.real != nil {
		if err := gorgonia.Let(gg.real, real); err != nil {
			return 0, errors.Wrap(err, "Can't feed real images")
		}
	}
	if err := gorgonia.Let(gg.latent, latent); err != nil {
		return 0, errors.Wrap(err, "Can't feed latents")
	}
	if gg.pathLength != nil {
		if err := gg.pathLength.Prepare(); err != nil {
			return 0, err
		}
	}
	loss, err := gg.step.Update()
	if err != nil {
		return 0, err
	}
	if gg.pathLength != nil {
		if err := gg.pathLength.Update(); err != nil {
			return 0, errors.Wrap(err, "Can't update path length mean")
		}
	}
	return loss, nil
}

// sampleGraph Forward-only G(latent) graph
type sampleGraph struct {
	graph    *gorgonia.ExprGraph
	latent   *gorgonia.Node
	imageVal gorgonia.Value
	eval     *evaluator
}

func newSampleGraph(cfg Config, gen Generator) (*sampleGraph, error) {
	g := gorgonia.NewGraph()
	genMirror, err := gen.Mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror generator")
	}
	sg := &sampleGraph{
		graph:  g,
		latent: latentInput(g, cfg, "sample_latent"),
	}
	image, _, err := genMirror.Fwd(sg.latent, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't feedforward generator")
	}
	gorgonia.Read(image, &sg.imageVal)
	sg.eval = newEvaluator(g)
	return sg, nil
}

// generate Returns G(latent) computed with current values of generator's learnables
func (sg *sampleGraph) generate(latent *tensor.Dense) (*tensor.Dense, error) {
	if err := gorgonia.Let(sg.latent, latent); err != nil {
		return nil, errors.Wrap(err, "Can't feed latents")
	}
	if err := sg.eval.run(); err != nil {
		return nil, errors.Wrap(err, "Can't run generator")
	}
	return cloneDense(sg.imageVal)
}

func imageInput(g *gorgonia.ExprGraph, cfg Config, name string) *gorgonia.Node {
	return gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution), gorgonia.WithName(name))
}

func latentInput(g *gorgonia.ExprGraph, cfg Config, name string) *gorgonia.Node {
	return gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(cfg.BatchSize, cfg.LatentSize), gorgonia.WithName(name))
}

// checkBatchShape Checks that tensor has shape (batchSize, channels, resolution, resolution)
func checkBatchShape(cfg Config, batch *tensor.Dense) error {
	expected := tensor.Shape{cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution}
	if batch == nil {
		return errors.New("Batch is nil")
	}
	if !batch.Shape().Eq(expected) {
		return fmt.Errorf("Batch must have shape %v, got %v", expected, batch.Shape())
	}
	return nil
}
