package stylegan2_go

// Architecture Shapes consumed by the reference networks.
//
// Resolution - height and width of images
// Channels - number of image channels
// LatentSize - size of latent vector and of disentangled latent vector
// FmapBase, FmapMax - width of hidden layers is min(FmapBase / 2^stage, FmapMax)
// MappingLayers - depth of mapping network
//
type Architecture struct {
	Resolution    int
	Channels      int
	LatentSize    int
	FmapBase      int
	FmapMax       int
	MappingLayers int
}

func (arch Architecture) nf(stage int) int {
	n := arch.FmapBase >> uint(stage)
	if arch.FmapMax > 0 && n > arch.FmapMax {
		n = arch.FmapMax
	}
	if n < 1 {
		n = 1
	}
	return n
}

// PathLengthConfig Settings of path length regularization.
// See ref. https://arxiv.org/abs/1912.04958 (section 3.2)
type PathLengthConfig struct {
	Enabled bool
	Decay   float64
	Weight  float64
}

// Config Immutable training configuration. Trainer copies it on construction.
type Config struct {
	Architecture

	BatchSize int
	Epochs    int
	Seed      int64

	// Resume - path of checkpoint to resume from. Ignored when file does not exist
	Resume string
	// OutputDir - root for 'models' and 'images' folders
	OutputDir string
	// Device - computation device. Only 'cpu' is supported
	Device string

	Loss LossVariant

	LearnRateD float64
	LearnRateG float64
	// MappingLearnRateScale - mapping network's learn rate is LearnRateG*MappingLearnRateScale
	MappingLearnRateScale float64
	Beta1                 float64
	Beta2                 float64
	// LearnRateDecay - multiplicative factor applied to both optimizers once per epoch
	LearnRateDecay float64

	EMA      bool
	EMADecay float64

	R1Gamma    float64
	PathLength PathLengthConfig

	// CriticIterations - generator is updated once per this number of discriminator updates
	CriticIterations int
	// SampleColumns - number of images in each row of sample grid
	SampleColumns int
}

// DefaultConfig Returns configuration of StyleGAN2 training
func DefaultConfig() Config {
	return Config{
		Architecture: Architecture{
			Resolution:    32,
			Channels:      3,
			LatentSize:    512,
			FmapBase:      1024,
			FmapMax:       512,
			MappingLayers: 8,
		},
		BatchSize:             4,
		Epochs:                500,
		Seed:                  1337,
		OutputDir:             "./result",
		Device:                "cpu",
		Loss:                  LossStyleGAN,
		LearnRateD:            0.003,
		LearnRateG:            0.003,
		MappingLearnRateScale: 0.01,
		Beta1:                 0.9,
		Beta2:                 0.999,
		LearnRateDecay:        0.99,
		EMA:                   true,
		EMADecay:              0.999,
		R1Gamma:               10.0,
		PathLength: PathLengthConfig{
			Enabled: false,
			Decay:   0.01,
			Weight:  2.0,
		},
		CriticIterations: 1,
		SampleColumns:    5,
	}
}

// Validate Checks configuration. Returns *ConfigurationError for the first invalid field
func (cfg Config) Validate() error {
	positive := []struct {
		field string
		value int
	}{
		{"resolution", cfg.Resolution},
		{"channels", cfg.Channels},
		{"latent_size", cfg.LatentSize},
		{"fmap_base", cfg.FmapBase},
		{"batch_size", cfg.BatchSize},
		{"epoch", cfg.Epochs},
		{"critic_iterations", cfg.CriticIterations},
		{"sample_columns", cfg.SampleColumns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationError{Field: p.field, Reason: "must be positive"}
		}
	}
	if cfg.MappingLayers < 0 {
		return &ConfigurationError{Field: "mapping_layers", Reason: "must not be negative"}
	}
	if !cfg.Loss.valid() {
		return &ConfigurationError{Field: "loss", Reason: "unknown loss variant"}
	}
	if cfg.Device != "" && cfg.Device != "cpu" {
		return &ConfigurationError{Field: "device", Reason: "only 'cpu' is supported"}
	}
	rates := []struct {
		field string
		value float64
	}{
		{"lr_d", cfg.LearnRateD},
		{"lr_g", cfg.LearnRateG},
		{"mapping_lr_scale", cfg.MappingLearnRateScale},
	}
	for _, r := range rates {
		if r.value <= 0 {
			return &ConfigurationError{Field: r.field, Reason: "must be positive"}
		}
	}
	unit := []struct {
		field string
		value float64
	}{
		{"beta1", cfg.Beta1},
		{"beta2", cfg.Beta2},
		{"lr_decay", cfg.LearnRateDecay},
	}
	for _, u := range unit {
		if u.value <= 0 || u.value >= 1 {
			return &ConfigurationError{Field: u.field, Reason: "must be in (0, 1)"}
		}
	}
	if cfg.EMA && (cfg.EMADecay <= 0 || cfg.EMADecay >= 1) {
		return &ConfigurationError{Field: "ema_decay", Reason: "must be in (0, 1)"}
	}
	if cfg.R1Gamma < 0 {
		return &ConfigurationError{Field: "r1_gamma", Reason: "must not be negative"}
	}
	if cfg.PathLength.Enabled && (cfg.PathLength.Decay <= 0 || cfg.PathLength.Decay > 1 || cfg.PathLength.Weight <= 0) {
		return &ConfigurationError{Field: "path_length", Reason: "decay must be in (0, 1] and weight must be positive"}
	}
	return nil
}
