package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	stylegan "github.com/LdDl/stylegan2-go"
	"github.com/sirupsen/logrus"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	imgSize  = 10
	faceData = []float64{
		0, 1, 1, 0, 0, 0, 1, 1, 0, 0,
		0, 1, 1, 0, 0, 0, 1, 1, 0, 0,
		0, 1, 1, 0, 0, 0, 1, 1, 0, 0,
		0, 1, 1, 0, 0, 0, 1, 1, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0, 0, 0,
		0, 0, 0, 1, 1, 1, 0, 0, 0, 0,
		1, 1, 0, 0, 0, 0, 0, 1, 1, 0,
		0, 1, 1, 1, 0, 1, 1, 1, 0, 0,
		0, 0, 0, 1, 1, 1, 0, 0, 0, 0,
	}
	numSamples = 16
	numEpoches = 300
	evalPrint  = 50
)

// genSyntheticData Returns numSamples noisy copies of smiley face in range [-1; 1]
func genSyntheticData(rng *rand.Rand) *tensor.Dense {
	fmt.Println("Actual smiley face:")
	printImage(faceData)
	data := make([]float64, 0, numSamples*len(faceData))
	for i := 0; i < numSamples; i++ {
		for _, v := range faceData {
			data = append(data, 2*v-1+0.05*rng.NormFloat64())
		}
	}
	return tensor.New(tensor.WithShape(numSamples, 1, imgSize, imgSize), tensor.WithBacking(data))
}

func printImage(data []float64) {
	for x := 0; x < imgSize; x++ {
		fmt.Printf("\t")
		for y := 0; y < imgSize; y++ {
			char := "x"
			if data[x*imgSize+y] < 0.5 {
				char = " "
			}
			fmt.Printf("%s ", char)
		}
		fmt.Println()
	}
}

func main() {
	// Initialize seed with constant value to reproduce results
	rand.Seed(1337)
	rng := rand.New(rand.NewSource(1337))

	cfg := stylegan.DefaultConfig()
	cfg.Architecture = stylegan.Architecture{
		Resolution:    imgSize,
		Channels:      1,
		LatentSize:    16,
		FmapBase:      128,
		FmapMax:       64,
		MappingLayers: 2,
	}
	cfg.BatchSize = 4
	cfg.Epochs = numEpoches
	cfg.LearnRateD = 0.001
	cfg.LearnRateG = 0.001
	cfg.OutputDir = "./smiley_face"

	source, err := stylegan.NewTensorSource(genSyntheticData(rng), cfg.BatchSize, stylegan.WithShuffle(cfg.Seed))
	if err != nil {
		panic(err)
	}

	// Define Generator and Discriminator on the same definition graph
	g := gorgonia.NewGraph()
	generator := stylegan.NewStyleGenerator(g, cfg.Architecture)
	discriminator := stylegan.NewStyleDiscriminator(g, cfg.Architecture)

	logrus.SetLevel(logrus.WarnLevel)
	trainer, err := stylegan.NewTrainer(cfg, generator, discriminator)
	if err != nil {
		panic(err)
	}
	defer trainer.Close()

	latent := stylegan.NormRandDense(rng, cfg.BatchSize, cfg.LatentSize)
	st := time.Now()
	for epoch := 0; epoch < numEpoches; epoch++ {
		meanD, meanG, err := trainer.RunEpoch(source, epoch)
		if err != nil {
			panic(err)
		}
		if epoch%evalPrint != 0 && epoch != numEpoches-1 {
			continue
		}
		fmt.Printf("Epoch %d:\n", epoch)
		fmt.Printf("\tDiscriminator's loss: %v\n", meanD)
		fmt.Printf("\tGenerator's loss: %v\n", meanG)
		fmt.Printf("\tTaken time: %v\n", time.Since(st))
		st = time.Now()
		samples, err := trainer.GenerateAverage(latent)
		if err != nil {
			panic(err)
		}
		printImage(samples.Data().([]float64)[:imgSize*imgSize])
		// Grid of EMA samples into './smiley_face/images/<epoch>.png'
		if err := trainer.Sample(epoch); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
