package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	stylegan "github.com/LdDl/stylegan2-go"
	"github.com/sirupsen/logrus"
	"gorgonia.org/gorgonia"
)

func main() {
	defaults := stylegan.DefaultConfig()

	path := flag.String("path", "", "folder with training images (png/jpeg)")
	resolution := flag.Int("resolution", defaults.Resolution, "height and width of generated images")
	channels := flag.Int("channels", defaults.Channels, "number of image channels (1 or 3)")
	batchSize := flag.Int("batch_size", defaults.BatchSize, "batch size")
	epochs := flag.Int("epoch", defaults.Epochs, "number of epochs")
	fmapBase := flag.Int("fmap_base", defaults.FmapBase, "base width of hidden layers")
	mappingLayers := flag.Int("mapping_layers", defaults.MappingLayers, "depth of mapping network")
	resume := flag.String("resume", "", "checkpoint to resume training from")
	det := flag.String("det", defaults.OutputDir, "folder for models, samples and loss curve")
	device := flag.String("device", defaults.Device, "computation device")
	loss := flag.String("loss", defaults.Loss.String(), "loss: styleGAN, relativistic-average-hinge (Rah) or vanilla-GAN (GAN)")
	pathLength := flag.Bool("pl", defaults.PathLength.Enabled, "enable path length regularization")
	seed := flag.Int64("seed", defaults.Seed, "seed of random generators")
	shuffle := flag.Bool("shuffle", true, "shuffle images every epoch")
	logLevel := flag.String("log-level", "info", "logging level: debug, info, warn, error")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Can't parse log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.WithField("component", "trainer")

	if *path == "" {
		logger.Fatal("Flag 'path' must be provided")
	}
	lossVariant, err := stylegan.ParseLossVariant(*loss)
	if err != nil {
		logger.WithError(err).Fatal("Can't parse loss")
	}

	cfg := defaults
	cfg.Resolution = *resolution
	cfg.Channels = *channels
	cfg.BatchSize = *batchSize
	cfg.Epochs = *epochs
	cfg.FmapBase = *fmapBase
	cfg.MappingLayers = *mappingLayers
	cfg.Resume = *resume
	cfg.OutputDir = *det
	cfg.Device = *device
	cfg.Loss = lossVariant
	cfg.PathLength.Enabled = *pathLength
	cfg.Seed = *seed
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Bad configuration")
	}

	// Initialize seed with constant value to reproduce results
	rand.Seed(cfg.Seed)

	options := []stylegan.TensorSourceOption{}
	if *shuffle {
		options = append(options, stylegan.WithShuffle(cfg.Seed))
	}
	source, err := stylegan.NewImageFolder(*path, cfg.Resolution, cfg.Channels, cfg.BatchSize, options...)
	if err != nil {
		logger.WithError(err).Fatal("Can't load images")
	}
	logger.WithFields(logrus.Fields{
		"images":  source.Len(),
		"batches": source.Batches(),
	}).Info("Images have been loaded")

	g := gorgonia.NewGraph()
	generator := stylegan.NewStyleGenerator(g, cfg.Architecture)
	discriminator := stylegan.NewStyleDiscriminator(g, cfg.Architecture)

	trainer, err := stylegan.NewTrainer(cfg, generator, discriminator, stylegan.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("Can't prepare trainer")
	}
	defer trainer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := trainer.Train(ctx, source); err != nil {
		if ctx.Err() != nil {
			logger.WithError(err).Warn("Training has been interrupted")
			return
		}
		logger.WithError(err).Error("Training failed")
		trainer.Close()
		os.Exit(1)
	}
	logger.Info("Training is done")
}
