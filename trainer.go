package stylegan2_go

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// StepResult Losses of single training iteration
//
// GeneratorUpdated - false when G-update has been skipped due to critic iterations
//
type StepResult struct {
	LossD            float64
	LossG            float64
	GeneratorUpdated bool
}

// Trainer Alternating adversarial training of Generator and Discriminator.
//
// Single goroutine drives it: D-update, G-update and EMA update of one iteration are strictly sequential.
// Trainer is not safe for concurrent use.
type Trainer struct {
	cfg           Config
	generator     Generator
	discriminator Discriminator
	engine        *LossEngine

	logger   *logrus.Entry
	renderer SampleRenderer
	store    *CheckpointStore
	rng      *rand.Rand

	dGraph      *discriminatorGraph
	gGraph      *generatorGraph
	sGraph      *sampleGraph
	ema         *EMA
	fixedLatent *tensor.Dense

	startEpoch int
	resumed    bool
	restored   bool
	iteration  int
	lossD      []float64
	lossG      []float64
}

// TrainerOption Option of Trainer
type TrainerOption func(*Trainer)

// WithLogger Sets logger. Default is standard logrus logger with field component=trainer
func WithLogger(logger *logrus.Entry) TrainerOption {
	return func(t *Trainer) {
		t.logger = logger
	}
}

// WithRenderer Sets renderer of samples. Default is GridRenderer with Config.SampleColumns columns
func WithRenderer(renderer SampleRenderer) TrainerOption {
	return func(t *Trainer) {
		t.renderer = renderer
	}
}

// NewTrainer Validates configuration and prepares training graphs.
// Nothing is mutated if configuration is invalid: *ConfigurationError is returned before any graph is built.
//
// gen, dis - networks defined on the same (definition) graph with initialized learnables
//
func NewTrainer(cfg Config, gen Generator, dis Discriminator, options ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := NewLossEngine(cfg.Loss, cfg.R1Gamma)
	if err != nil {
		return nil, err
	}
	if gen == nil || dis == nil {
		return nil, errors.New("Generator and discriminator must be provided")
	}
	t := &Trainer{
		cfg:           cfg,
		generator:     gen,
		discriminator: dis,
		engine:        engine,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		lossD:         []float64{},
		lossG:         []float64{},
	}
	for _, o := range options {
		o(t)
	}
	if t.logger == nil {
		t.logger = logrus.WithField("component", "trainer")
	}
	if t.renderer == nil {
		t.renderer = NewGridRenderer(cfg.SampleColumns)
	}
	t.store, err = NewCheckpointStore(cfg.OutputDir)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare output folder")
	}
	t.dGraph, err = newDiscriminatorGraph(cfg, engine, gen, dis)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare discriminator graph")
	}
	t.gGraph, err = newGeneratorGraph(cfg, engine, gen, dis, t.rng)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare generator graph")
	}
	t.sGraph, err = newSampleGraph(cfg, gen)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare sample graph")
	}
	if cfg.EMA {
		t.ema, err = NewEMA(gen.Learnables(), cfg.EMADecay)
		if err != nil {
			return nil, errors.Wrap(err, "Can't prepare EMA")
		}
	}
	t.fixedLatent = NormRandDense(t.rng, cfg.BatchSize, cfg.LatentSize)
	t.logger.WithFields(logrus.Fields{
		"loss":       engine.Variant().String(),
		"batch_size": cfg.BatchSize,
		"resolution": cfg.Resolution,
		"ema":        cfg.EMA,
		"pl":         t.gGraph.pathLength != nil,
	}).Info("Trainer is ready")
	return t, nil
}

// Config Returns copy of configuration
func (t *Trainer) Config() Config {
	return t.cfg
}

// Store Returns checkpoint store
func (t *Trainer) Store() *CheckpointStore {
	return t.store
}

// StartEpoch Returns epoch Train starts from
func (t *Trainer) StartEpoch() int {
	return t.startEpoch
}

// History Returns copies of per-epoch mean losses of discriminator and generator
func (t *Trainer) History() (lossD, lossG []float64) {
	lossD = append([]float64{}, t.lossD...)
	lossG = append([]float64{}, t.lossG...)
	return lossD, lossG
}

// EMA Returns EMA of generator's parameters. Nil when EMA is disabled
func (t *Trainer) EMA() *EMA {
	return t.ema
}

// LearnRates Returns current learn rates of discriminator's and generator's parameter groups
func (t *Trainer) LearnRates() (map[string]float64, map[string]float64) {
	return t.dGraph.step.LearnRates(), t.gGraph.step.LearnRates()
}

// Resume Loads training state from Config.Resume if the file exists. Training will start from saved epoch + 1.
// Parameters of networks are not touched if stored state doesn't match them (*StateMismatchError).
// State is loaded once: repeated calls (including the one made by Train) just return the first result.
func (t *Trainer) Resume() (bool, error) {
	if t.resumed {
		return t.restored, nil
	}
	restored, err := t.resume()
	if err != nil {
		return false, err
	}
	t.resumed, t.restored = true, restored
	return restored, nil
}

func (t *Trainer) resume() (bool, error) {
	if t.cfg.Resume == "" {
		return false, nil
	}
	if _, err := os.Stat(t.cfg.Resume); err != nil {
		if os.IsNotExist(err) {
			t.logger.WithField("path", t.cfg.Resume).Warn("Checkpoint does not exist. Training from scratch")
			return false, nil
		}
		return false, errors.Wrap(err, "Can't access checkpoint")
	}
	state, err := LoadState(t.cfg.Resume)
	if err != nil {
		return false, err
	}
	if err := state.Restore(t.generator, t.discriminator); err != nil {
		return false, err
	}
	t.startEpoch = state.NextEpoch()
	t.lossD = append([]float64{}, state.LossD...)
	t.lossG = append([]float64{}, state.LossG...)
	if t.cfg.EMA {
		t.ema, err = NewEMA(t.generator.Learnables(), t.cfg.EMADecay)
		if err != nil {
			return false, errors.Wrap(err, "Can't reinitialize EMA")
		}
	}
	t.logger.WithFields(logrus.Fields{
		"path":  t.cfg.Resume,
		"epoch": t.startEpoch,
	}).Info("Training state has been restored")
	return true, nil
}

// Step Does single training iteration on batch of real images:
// D-update, G-update against updated D (every CriticIterations-th iteration) and EMA update.
// Both updates see the same batch of latents.
func (t *Trainer) Step(real *tensor.Dense) (StepResult, error) {
	res := StepResult{}
	if err := checkBatchShape(t.cfg, real); err != nil {
		return res, err
	}
	latent := NormRandDense(t.rng, t.cfg.BatchSize, t.cfg.LatentSize)
	var err error
	res.LossD, err = t.dGraph.update(real, latent)
	if err != nil {
		return res, errors.Wrap(err, "Can't update discriminator")
	}
	t.iteration++
	if t.iteration%t.cfg.CriticIterations != 0 {
		return res, nil
	}
	res.LossG, err = t.gGraph.update(real, latent)
	if err != nil {
		return res, errors.Wrap(err, "Can't update generator")
	}
	res.GeneratorUpdated = true
	if t.ema != nil {
		if err := t.ema.Update(t.generator.Learnables()); err != nil {
			return res, errors.Wrap(err, "Can't update EMA")
		}
	}
	return res, nil
}

// RunEpoch Iterates over every batch of the epoch. Returns mean losses
func (t *Trainer) RunEpoch(src DataSource, epoch int) (meanD, meanG float64, err error) {
	it, err := src.Epoch(epoch)
	if err != nil {
		return 0, 0, errors.Wrap(err, "Can't start epoch")
	}
	lossesD := []float64{}
	lossesG := []float64{}
	for it.Next() {
		res, err := t.Step(it.Batch())
		if err != nil {
			return 0, 0, errors.Wrap(err, fmt.Sprintf("Batch #%d", len(lossesD)))
		}
		lossesD = append(lossesD, res.LossD)
		if res.GeneratorUpdated {
			lossesG = append(lossesG, res.LossG)
		}
		t.logger.WithFields(logrus.Fields{
			"epoch":  epoch,
			"batch":  len(lossesD) - 1,
			"loss_d": res.LossD,
			"loss_g": res.LossG,
		}).Debug("Step")
	}
	if err := it.Err(); err != nil {
		return 0, 0, errors.Wrap(err, "Can't iterate batches")
	}
	if len(lossesD) == 0 {
		return 0, 0, errors.New("Data source produced no complete batches")
	}
	if len(lossesG) > 0 {
		meanG = stat.Mean(lossesG, nil)
	}
	return stat.Mean(lossesD, nil), meanG, nil
}

// Train Runs epochs [StartEpoch; Config.Epochs). Each epoch ends with checkpoint, samples grid, EMA generator export
// and learn rates decay. Context is checked between epochs only: a started epoch always finishes.
// Loss curve is plotted into '<output>/loss_curve.png' when training is over or stopped.
func (t *Trainer) Train(ctx context.Context, src DataSource) error {
	if src.BatchSize() != t.cfg.BatchSize {
		return &ConfigurationError{Field: "batch_size", Reason: fmt.Sprintf("data source yields %d samples per batch, but %d is configured", src.BatchSize(), t.cfg.BatchSize)}
	}
	if _, err := t.Resume(); err != nil {
		return errors.Wrap(err, "Can't resume")
	}
	defer t.plotHistory()
	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			t.logger.WithField("epoch", epoch).Info("Training has been stopped")
			return err
		}
		st := time.Now()
		meanD, meanG, err := t.RunEpoch(src, epoch)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Epoch #%d", epoch))
		}
		t.lossD = append(t.lossD, meanD)
		t.lossG = append(t.lossG, meanG)
		if err := t.EndEpoch(epoch); err != nil {
			return errors.Wrap(err, fmt.Sprintf("Epoch #%d", epoch))
		}
		t.logger.WithFields(logrus.Fields{
			"epoch":  epoch,
			"loss_d": meanD,
			"loss_g": meanG,
			"taken":  time.Since(st),
		}).Info("Epoch is done")
	}
	return nil
}

// EndEpoch Saves checkpoint, renders samples, exports EMA generator and decays learn rates
func (t *Trainer) EndEpoch(epoch int) error {
	state, err := t.State(epoch)
	if err != nil {
		return err
	}
	path, err := t.store.Save(state)
	if err != nil {
		return errors.Wrap(err, "Can't save checkpoint")
	}
	t.logger.WithField("path", path).Debug("Checkpoint has been saved")
	if err := t.Sample(epoch); err != nil {
		return err
	}
	t.dGraph.step.DecayLearnRate(t.cfg.LearnRateDecay)
	t.gGraph.step.DecayLearnRate(t.cfg.LearnRateDecay)
	return nil
}

// State Returns training state for provided (finished) epoch
func (t *Trainer) State(epoch int) (*TrainingState, error) {
	dis, err := snapshotOf(t.discriminator.Learnables(), "discriminator")
	if err != nil {
		return nil, err
	}
	gen, err := snapshotOf(t.generator.Learnables(), "generator")
	if err != nil {
		return nil, err
	}
	lossD, lossG := t.History()
	return &TrainingState{
		Epoch:         epoch,
		Discriminator: dis,
		Generator:     gen,
		LossD:         lossD,
		LossG:         lossG,
	}, nil
}

// Sample Renders G(fixed latents) into ImagePath(epoch) and exports generator into AveragePath(epoch).
// With EMA enabled both are done with shadow parameters installed into generator; live parameters are restored afterwards
// whatever happens.
func (t *Trainer) Sample(epoch int) error {
	export := func() error {
		images, err := t.sGraph.generate(t.fixedLatent)
		if err != nil {
			return errors.Wrap(err, "Can't generate samples")
		}
		if err := t.renderer.Render(images, t.store.ImagePath(epoch)); err != nil {
			return errors.Wrap(err, "Can't render samples")
		}
		params, err := snapshotOf(t.generator.Learnables(), "generator")
		if err != nil {
			return err
		}
		if _, err := t.store.SaveGenerator(epoch, params); err != nil {
			return errors.Wrap(err, "Can't save averaged generator")
		}
		return nil
	}
	if t.ema == nil {
		return export()
	}
	return t.ema.Borrow(t.generator.Learnables(), export)
}

// Generate Returns G(latent) computed with live parameters. Latent must have shape (batchSize, latentSize)
func (t *Trainer) Generate(latent *tensor.Dense) (*tensor.Dense, error) {
	return t.sGraph.generate(latent)
}

// GenerateAverage Returns G(latent) computed with EMA parameters (live ones when EMA is disabled)
func (t *Trainer) GenerateAverage(latent *tensor.Dense) (*tensor.Dense, error) {
	if t.ema == nil {
		return t.Generate(latent)
	}
	var images *tensor.Dense
	err := t.ema.Borrow(t.generator.Learnables(), func() error {
		var err error
		images, err = t.sGraph.generate(latent)
		return err
	})
	return images, err
}

func (t *Trainer) plotHistory() {
	if len(t.lossD) == 0 {
		return
	}
	path := filepath.Join(t.store.Dir(), "loss_curve.png")
	if err := PlotLossCurve(t.lossD, t.lossG, path); err != nil {
		t.logger.WithError(err).Warn("Can't plot loss curve")
		return
	}
	t.logger.WithField("path", path).Info("Loss curve has been saved")
}

// Close Releases tape machines
func (t *Trainer) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{t.dGraph.step, t.gGraph.step, t.sGraph.eval} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
