package stylegan2_go

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gorgonia.org/tensor"
)

// DataSource Restartable per epoch sequence of fixed size image batches
type DataSource interface {
	// Epoch Returns iterator over batches of provided epoch
	Epoch(epoch int) (BatchIterator, error)
	// BatchSize Returns number of samples in every batch
	BatchSize() int
}

// BatchIterator Finite sequence of batches. Usage:
//
//	for it.Next() {
//		batch := it.Batch()
//	}
//	if err := it.Err(); err != nil {...}
//
type BatchIterator interface {
	Next() bool
	// Batch Returns tensor of shape (batchSize, channels, height, width)
	Batch() *tensor.Dense
	Err() error
}

// TensorSource DataSource over in-memory tensor of shape (samples, channels, height, width)
type TensorSource struct {
	data           *tensor.Dense
	batchSize      int
	keepIncomplete bool
	shuffle        bool
	seed           int64
}

// TensorSourceOption Option of TensorSource
type TensorSourceOption func(*TensorSource)

// WithShuffle Permutes samples every epoch. Permutation depends on seed and epoch only
func WithShuffle(seed int64) TensorSourceOption {
	return func(src *TensorSource) {
		src.shuffle = true
		src.seed = seed
	}
}

// WithIncompleteBatches Keeps trailing batch even if it has less than batchSize samples
func WithIncompleteBatches() TensorSourceOption {
	return func(src *TensorSource) {
		src.keepIncomplete = true
	}
}

// NewTensorSource Constructor for TensorSource. Incomplete trailing batch is dropped by default
func NewTensorSource(data *tensor.Dense, batchSize int, options ...TensorSourceOption) (*TensorSource, error) {
	if data == nil {
		return nil, errors.New("Data is nil")
	}
	if data.Dims() < 2 {
		return nil, fmt.Errorf("Data must have samples axis and sample axes, got shape %v", data.Shape())
	}
	if _, ok := data.Data().([]float64); !ok {
		return nil, fmt.Errorf("Only Float64 data is supported, got %v", data.Dtype())
	}
	if batchSize <= 0 {
		return nil, &ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	src := &TensorSource{
		data:      data,
		batchSize: batchSize,
	}
	for _, o := range options {
		o(src)
	}
	return src, nil
}

// BatchSize See ref. DataSource.BatchSize
func (src *TensorSource) BatchSize() int {
	return src.batchSize
}

// Len Returns number of samples
func (src *TensorSource) Len() int {
	return src.data.Shape()[0]
}

// Batches Returns number of batches in each epoch
func (src *TensorSource) Batches() int {
	n := src.Len() / src.batchSize
	if src.keepIncomplete && src.Len()%src.batchSize != 0 {
		n++
	}
	return n
}

// Epoch See ref. DataSource.Epoch
func (src *TensorSource) Epoch(epoch int) (BatchIterator, error) {
	it := &tensorIterator{
		src:     src,
		batches: src.Batches(),
		current: -1,
	}
	if src.shuffle {
		it.order = rand.New(rand.NewSource(src.seed + int64(epoch))).Perm(src.Len())
	}
	return it, nil
}

type tensorIterator struct {
	src     *TensorSource
	order   []int
	batches int
	current int
	batch   *tensor.Dense
	err     error
}

func (it *tensorIterator) Next() bool {
	if it.err != nil || it.current+1 >= it.batches {
		return false
	}
	it.current++
	start := it.current * it.src.batchSize
	end := start + it.src.batchSize
	if end > it.src.Len() {
		end = it.src.Len()
	}
	if it.order == nil {
		it.batch, it.err = sliceSamples(it.src.data, start, end)
	} else {
		it.batch, it.err = gatherSamples(it.src.data, it.order[start:end])
	}
	return it.err == nil
}

func (it *tensorIterator) Batch() *tensor.Dense {
	return it.batch
}

func (it *tensorIterator) Err() error {
	return it.err
}

// sliceSamples Returns copy of samples [start; end)
func sliceSamples(data *tensor.Dense, start, end int) (*tensor.Dense, error) {
	view, err := data.Slice(SlicerOneStep{StartIdx: start, EndIdx: end})
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("Can't slice samples [%d; %d)", start, end))
	}
	batch, ok := view.Materialize().(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Slice of samples [%d; %d) is not dense", start, end)
	}
	if batch == data {
		batch = batch.Clone().(*tensor.Dense)
	}
	// Slice of single sample could have squeezed samples axis
	expected := data.Shape().Clone()
	expected[0] = end - start
	if !batch.Shape().Eq(expected) {
		if err := batch.Reshape(expected...); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't reshape samples [%d; %d)", start, end))
		}
	}
	return batch, nil
}

// gatherSamples Returns copy of samples in provided order
func gatherSamples(data *tensor.Dense, indices []int) (*tensor.Dense, error) {
	backing, ok := data.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("Only Float64 data is supported, got %v", data.Dtype())
	}
	shp := data.Shape().Clone()
	sampleSize := shp.TotalSize() / shp[0]
	gathered := make([]float64, 0, len(indices)*sampleSize)
	for _, idx := range indices {
		gathered = append(gathered, backing[idx*sampleSize:(idx+1)*sampleSize]...)
	}
	shp[0] = len(indices)
	return tensor.New(tensor.WithShape(shp...), tensor.WithBacking(gathered)), nil
}

// NewImageFolder Decodes every PNG/JPEG file of folder into in-memory TensorSource.
// Images are resized to (resolution, resolution) with bilinear interpolation and normalized to [-1; 1].
//
// channels - 1 (grayscale) or 3 (RGB)
//
func NewImageFolder(dir string, resolution, channels, batchSize int, options ...TensorSourceOption) (*TensorSource, error) {
	if channels != 1 && channels != 3 {
		return nil, &ConfigurationError{Field: "channels", Reason: "only 1 or 3 channels images are supported"}
	}
	if resolution <= 0 {
		return nil, &ConfigurationError{Field: "resolution", Reason: "must be positive"}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read images folder")
	}
	files := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("No images found in '%s'", dir)
	}
	sort.Strings(files)
	sampleSize := channels * resolution * resolution
	data := make([]float64, 0, len(files)*sampleSize)
	for _, file := range files {
		sample, err := loadImage(file, resolution, channels)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't load image '%s'", file))
		}
		data = append(data, sample...)
	}
	dense := tensor.New(tensor.WithShape(len(files), channels, resolution, resolution), tensor.WithBacking(data))
	return NewTensorSource(dense, batchSize, options...)
}

// loadImage Returns CHW pixels of resized image in range [-1; 1]
func loadImage(path string, resolution, channels int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "Can't decode image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, resolution, resolution))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	plane := resolution * resolution
	sample := make([]float64, channels*plane)
	for y := 0; y < resolution; y++ {
		for x := 0; x < resolution; x++ {
			px := dst.RGBAAt(x, y)
			idx := y*resolution + x
			if channels == 1 {
				gray := 0.299*float64(px.R) + 0.587*float64(px.G) + 0.114*float64(px.B)
				sample[idx] = gray/127.5 - 1
				continue
			}
			sample[idx] = float64(px.R)/127.5 - 1
			sample[plane+idx] = float64(px.G)/127.5 - 1
			sample[2*plane+idx] = float64(px.B)/127.5 - 1
		}
	}
	return sample, nil
}
