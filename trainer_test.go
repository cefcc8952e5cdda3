package stylegan2_go

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type failingRenderer struct{}

func (failingRenderer) Render(images *tensor.Dense, path string) error {
	return errors.New("disk is full")
}

func testSource(t *testing.T, cfg Config, n int) *TensorSource {
	src, err := NewTensorSource(randomImages(rand.New(rand.NewSource(7)), cfg, n), cfg.BatchSize)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func TestNewTrainerRejectsUnknownLoss(t *testing.T) {
	cfg := testConfig(t)
	_, err := ParseLossVariant("foo")
	if err == nil {
		t.Fatal("'foo' must not be parsed")
	}
	cfg.Loss = LossUnknown
	gen, dis := testNetworks(cfg.Architecture)
	genBefore, _ := Snapshot(gen.Learnables())
	disBefore, _ := Snapshot(dis.Learnables())
	_, err = NewTrainer(cfg, gen, dis)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *ConfigurationError, got %v", err)
	}
	if cfgErr.Field != "loss" {
		t.Errorf("Expected error for field 'loss', got '%s'", cfgErr.Field)
	}
	for i, n := range gen.Learnables() {
		if !sameBits(nodeData(t, n), genBefore.Tensor(i).Data().([]float64)) {
			t.Errorf("Generator's tensor #%d must not be touched", i)
		}
	}
	for i, n := range dis.Learnables() {
		if !sameBits(nodeData(t, n), disBefore.Tensor(i).Data().([]float64)) {
			t.Errorf("Discriminator's tensor #%d must not be touched", i)
		}
	}
}

// zeroGenerator Generator which output is always zero
func zeroGenerator(g *gorgonia.ExprGraph, cfg Config) *StyleGenerator {
	pixels := cfg.Channels * cfg.Resolution * cfg.Resolution
	synthesisW := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(pixels, cfg.LatentSize), gorgonia.WithName("synthesis_w"), gorgonia.WithInit(gorgonia.Zeroes()))
	return NewGenerator(
		&Network{Name: "mapping", Layers: []*Layer{
			newLinearLayer(g, "mapping_0", cfg.LatentSize, cfg.LatentSize, LeakyReLU(0.2), LeakyReLUDerivative(0.2)),
		}},
		&Network{Name: "synthesis", Layers: []*Layer{
			{WeightNode: synthesisW, Type: LayerLinear},
			{Type: LayerReshape, ReshapeDims: []int{cfg.Channels, cfg.Resolution, cfg.Resolution}},
		}},
	)
}

// Generator's output is always zero and discriminator's score is just its bias, so D(G(z)) before and after
// the D-update are distinguishable by bias value only
func TestGeneratorLossSeesUpdatedDiscriminator(t *testing.T) {
	cfg := testConfig(t)
	cfg.EMA = false
	cfg.LearnRateD = 0.1
	pixels := cfg.Channels * cfg.Resolution * cfg.Resolution

	g := gorgonia.NewGraph()
	gen := zeroGenerator(g, cfg)
	disW := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, pixels), gorgonia.WithName("discriminator_w"), gorgonia.WithInit(gorgonia.Zeroes()))
	disB := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 1), gorgonia.WithName("discriminator_b"), gorgonia.WithInit(gorgonia.Ones()))
	dis := NewDiscriminator(
		&Layer{Type: LayerFlatten},
		&Layer{WeightNode: disW, BiasNode: disB, Type: LayerLinear},
	)

	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	real := tensor.New(tensor.WithShape(cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution), tensor.WithBacking(make([]float64, cfg.BatchSize*pixels)))
	res, err := trainer.Step(real)
	if err != nil {
		t.Fatal(err)
	}
	softplus := func(x float64) float64 { return math.Log1p(math.Exp(x)) }

	// D-loss is computed with initial bias: softplus(-1) + softplus(1). R1 penalty is zero for zero weights
	if expected := softplus(-1) + softplus(1); math.Abs(res.LossD-expected) > 1e-6 {
		t.Errorf("Expected D loss %v, got %v", expected, res.LossD)
	}
	biasAfter := nodeData(t, disB)[0]
	if math.Abs(biasAfter-1) < 1e-4 {
		t.Fatalf("Discriminator's bias must be updated, got %v", biasAfter)
	}
	if expected := softplus(-biasAfter); math.Abs(res.LossG-expected) > 1e-6 {
		t.Errorf("G loss must be computed by updated discriminator: expected %v, got %v", expected, res.LossG)
	}
	if stale := softplus(-1); math.Abs(res.LossG-stale) < 1e-6 {
		t.Errorf("G loss %v matches discriminator state before its update", res.LossG)
	}
}

// Discriminator is linear, so its gradient w.r.t. every image is its weights vector: R1 = gamma/2*|w|^2
func TestR1PenaltyInDiscriminatorLoss(t *testing.T) {
	cfg := testConfig(t)
	cfg.EMA = false
	pixels := cfg.Channels * cfg.Resolution * cfg.Resolution

	g := gorgonia.NewGraph()
	gen := zeroGenerator(g, cfg)
	weights := make([]float64, pixels)
	for i := range weights {
		weights[i] = 0.5
	}
	disW := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, pixels), gorgonia.WithName("discriminator_w"), gorgonia.WithValue(tensor.New(tensor.WithShape(1, pixels), tensor.WithBacking(weights))))
	disB := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 1), gorgonia.WithName("discriminator_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	dis := NewDiscriminator(
		&Layer{Type: LayerFlatten},
		&Layer{WeightNode: disW, BiasNode: disB, Type: LayerLinear},
	)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	real := tensor.New(tensor.WithShape(cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution), tensor.WithBacking(make([]float64, cfg.BatchSize*pixels)))
	res, err := trainer.Step(real)
	if err != nil {
		t.Fatal(err)
	}
	// D(real) = D(fake) = 0: softplus(0) + softplus(0) + gamma/2*|w|^2
	expected := 2*math.Ln2 + cfg.R1Gamma/2*0.25*float64(pixels)
	if math.Abs(res.LossD-expected) > 1e-6 {
		t.Errorf("Expected D loss %v, got %v", expected, res.LossD)
	}
	// Images are zero, so weights get gradient from the penalty only
	for i, w := range nodeData(t, disW) {
		if w >= 0.5 {
			t.Errorf("Weight #%d must be shrunk by R1 penalty, got %v", i, w)
		}
	}
}

func TestPathLengthRegularizedStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.PathLength.Enabled = true
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	reg := trainer.gGraph.pathLength
	if reg == nil {
		t.Fatal("Path length regularization must be a part of generator graph")
	}
	genBefore, _ := Snapshot(gen.Learnables())
	res, err := trainer.Step(randomImages(rand.New(rand.NewSource(9)), cfg, cfg.BatchSize))
	if err != nil {
		t.Fatal(err)
	}
	if !isFinite(res.LossG) || !res.GeneratorUpdated {
		t.Fatalf("Expected finite generator loss after update, got %v", res.LossG)
	}
	lengths, ok := reg.lengthsVal.Data().([]float64)
	if !ok || len(lengths) != cfg.BatchSize {
		t.Fatalf("Expected %d path lengths, got %v", cfg.BatchSize, reg.lengthsVal)
	}
	mean := 0.0
	for _, l := range lengths {
		if !isFinite(l) || l <= 0 {
			t.Errorf("Path length must be positive, got %v", l)
		}
		mean += l / float64(len(lengths))
	}
	// Running mean starts from zero
	if expected := cfg.PathLength.Decay * mean; math.Abs(reg.RunningMean()-expected) > 1e-12 {
		t.Errorf("Expected running mean %v, got %v", expected, reg.RunningMean())
	}
	changed := false
	for i, n := range gen.Learnables() {
		if !sameBits(nodeData(t, n), genBefore.Tensor(i).Data().([]float64)) {
			changed = true
		}
	}
	if !changed {
		t.Error("Generator must be updated")
	}
}

func TestCriticIterations(t *testing.T) {
	cfg := testConfig(t)
	cfg.CriticIterations = 2
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	rng := rand.New(rand.NewSource(3))
	for i, expected := range []bool{false, true, false, true} {
		genBefore, _ := Snapshot(gen.Learnables())
		res, err := trainer.Step(randomImages(rng, cfg, cfg.BatchSize))
		if err != nil {
			t.Fatal(err)
		}
		if res.GeneratorUpdated != expected {
			t.Errorf("Step #%d: expected generator update = %v", i, expected)
		}
		if !expected {
			for j, n := range gen.Learnables() {
				if !sameBits(nodeData(t, n), genBefore.Tensor(j).Data().([]float64)) {
					t.Errorf("Step #%d: generator's tensor #%d must not be touched", i, j)
				}
			}
		}
	}
}

func TestStepRejectsWrongBatch(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	if _, err := trainer.Step(randomImages(rand.New(rand.NewSource(1)), cfg, cfg.BatchSize+1)); err == nil {
		t.Error("Batch of wrong size must be rejected")
	}
}

func TestTrainSavesEveryEpochAndResumes(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	if err := trainer.Train(context.Background(), testSource(t, cfg, 4)); err != nil {
		t.Fatal(err)
	}
	trainer.Close()
	lossD, lossG := trainer.History()
	if len(lossD) != cfg.Epochs || len(lossG) != cfg.Epochs {
		t.Fatalf("Expected %d epochs in history, got %d and %d", cfg.Epochs, len(lossD), len(lossG))
	}
	store := trainer.Store()
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, path := range []string{store.ModelPath(epoch), store.AveragePath(epoch), store.ImagePath(epoch)} {
			if _, err := os.Stat(path); err != nil {
				t.Errorf("Epoch %d: %v", epoch, err)
			}
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "loss_curve.png")); err != nil {
		t.Errorf("Loss curve must be plotted: %v", err)
	}
	state, err := LoadState(store.ModelPath(cfg.Epochs - 1))
	if err != nil {
		t.Fatal(err)
	}
	if !sameBits(state.LossD, lossD) || !sameBits(state.LossG, lossG) {
		t.Errorf("Checkpoint must hold loss histories")
	}
	// Averaged generator is loadable into generator of the same architecture
	avgGen, _ := testNetworks(cfg.Architecture)
	if err := LoadGenerator(store.AveragePath(cfg.Epochs-1), avgGen); err != nil {
		t.Error(err)
	}

	// Resume with one more epoch
	resumed := cfg
	resumed.Epochs = cfg.Epochs + 1
	resumed.Resume = store.ModelPath(cfg.Epochs - 1)
	gen2, dis2 := testNetworks(cfg.Architecture)
	logger, hook := logtest.NewNullLogger()
	trainer2, err := NewTrainer(resumed, gen2, dis2, WithLogger(logrus.NewEntry(logger)))
	if err != nil {
		t.Fatal(err)
	}
	defer trainer2.Close()
	ok, err := trainer2.Resume()
	if err != nil || !ok {
		t.Fatalf("Expected successful resume, got %v", err)
	}
	if trainer2.StartEpoch() != cfg.Epochs {
		t.Errorf("Expected start epoch %d, got %d", cfg.Epochs, trainer2.StartEpoch())
	}
	for i, n := range gen2.Learnables() {
		if !sameBits(nodeData(t, n), state.Generator.Tensor(i).Data().([]float64)) {
			t.Errorf("Generator's tensor #%d has not been restored", i)
		}
	}
	if err := trainer2.Train(context.Background(), testSource(t, cfg, 4)); err != nil {
		t.Fatal(err)
	}
	restores := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Training state has been restored" {
			restores++
		}
	}
	if restores != 1 {
		t.Errorf("State must be restored once, got %d restores", restores)
	}
	lossD2, _ := trainer2.History()
	if len(lossD2) != cfg.Epochs+1 || !sameBits(lossD2[:cfg.Epochs], lossD) {
		t.Errorf("History must continue the restored one, got %v", lossD2)
	}
	if _, err := os.Stat(store.ModelPath(cfg.Epochs)); err != nil {
		t.Error(err)
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resume = filepath.Join(cfg.OutputDir, "missing.ckpt")
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	ok, err := trainer.Resume()
	if err != nil || ok {
		t.Errorf("Missing checkpoint means training from scratch, got %v, %v", ok, err)
	}
	if trainer.StartEpoch() != 0 {
		t.Errorf("Expected start epoch 0, got %d", trainer.StartEpoch())
	}
}

func TestTrainStopsAtEpochBoundary(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = trainer.Train(ctx, testSource(t, cfg, 4))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(trainer.Store().ModelPath(0)); !os.IsNotExist(err) {
		t.Errorf("No epoch must be started after cancellation")
	}
}

func TestTrainRejectsMismatchedSource(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	src, err := NewTensorSource(randomImages(rand.New(rand.NewSource(1)), cfg, 8), cfg.BatchSize*2)
	if err != nil {
		t.Fatal(err)
	}
	var cfgErr *ConfigurationError
	if err := trainer.Train(context.Background(), src); !errors.As(err, &cfgErr) {
		t.Errorf("Expected *ConfigurationError, got %v", err)
	}
}

func TestSampleRestoresLiveParameters(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis, WithRenderer(failingRenderer{}))
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 2; i++ {
		if _, err := trainer.Step(randomImages(rng, cfg, cfg.BatchSize)); err != nil {
			t.Fatal(err)
		}
	}
	live, _ := Snapshot(gen.Learnables())
	if err := trainer.Sample(0); err == nil {
		t.Fatal("Renderer's error must be returned")
	}
	for i, n := range gen.Learnables() {
		if !sameBits(nodeData(t, n), live.Tensor(i).Data().([]float64)) {
			t.Errorf("Generator's tensor #%d must be restored", i)
		}
	}
	if _, err := os.Stat(trainer.Store().AveragePath(0)); !os.IsNotExist(err) {
		t.Error("Averaged generator must not be exported when rendering fails")
	}
}

func TestGenerateAverageUsesShadow(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	rng := rand.New(rand.NewSource(11))
	latent := NormRandDense(rng, cfg.BatchSize, cfg.LatentSize)
	// Shadow equals live parameters right after construction
	live, err := trainer.Generate(latent)
	if err != nil {
		t.Fatal(err)
	}
	average, err := trainer.GenerateAverage(latent)
	if err != nil {
		t.Fatal(err)
	}
	if !sameBits(live.Data().([]float64), average.Data().([]float64)) {
		t.Error("Shadow initialized from live parameters must produce the same images")
	}
	if !live.Shape().Eq(tensor.Shape{cfg.BatchSize, cfg.Channels, cfg.Resolution, cfg.Resolution}) {
		t.Errorf("Unexpected shape of generated images %v", live.Shape())
	}
}

func TestEndEpochDecaysLearnRates(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	trainer, err := NewTrainer(cfg, gen, dis)
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Close()
	if err := trainer.EndEpoch(0); err != nil {
		t.Fatal(err)
	}
	ratesD, ratesG := trainer.LearnRates()
	expected := map[string]float64{
		"discriminator": cfg.LearnRateD * cfg.LearnRateDecay,
		"synthesis":     cfg.LearnRateG * cfg.LearnRateDecay,
		"mapping":       cfg.LearnRateG * cfg.MappingLearnRateScale * cfg.LearnRateDecay,
	}
	got := map[string]float64{}
	for k, v := range ratesD {
		got[k] = v
	}
	for k, v := range ratesG {
		got[k] = v
	}
	for name, rate := range expected {
		if math.Abs(got[name]-rate) > 1e-15 {
			t.Errorf("Group '%s': expected learn rate %v, got %v", name, rate, got[name])
		}
	}
}
