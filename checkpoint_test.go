package stylegan2_go

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	genSnap, err := Snapshot(gen.Learnables())
	if err != nil {
		t.Fatal(err)
	}
	disSnap, err := Snapshot(dis.Learnables())
	if err != nil {
		t.Fatal(err)
	}
	state := &TrainingState{
		Epoch:         7,
		Discriminator: disSnap,
		Generator:     genSnap,
		LossD:         []float64{1.5, 1.25, 0.125},
		LossG:         []float64{0.75, -0.5, 3.0e-9},
	}
	path, err := store.Save(state)
	if err != nil {
		t.Fatal(err)
	}
	if path != store.ModelPath(7) {
		t.Errorf("Expected path '%s', got '%s'", store.ModelPath(7), path)
	}
	loaded, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Epoch != 7 || loaded.NextEpoch() != 8 {
		t.Errorf("Expected epoch 7 and next epoch 8, got %d and %d", loaded.Epoch, loaded.NextEpoch())
	}
	if !sameBits(loaded.LossD, state.LossD) || !sameBits(loaded.LossG, state.LossG) {
		t.Errorf("Loss histories differ: D %v vs %v, G %v vs %v", loaded.LossD, state.LossD, loaded.LossG, state.LossG)
	}
	for _, pair := range []struct {
		name          string
		saved, loaded *ParamSnapshot
	}{{"discriminator", disSnap, loaded.Discriminator}, {"generator", genSnap, loaded.Generator}} {
		if pair.saved.Len() != pair.loaded.Len() {
			t.Fatalf("%s: expected %d tensors, got %d", pair.name, pair.saved.Len(), pair.loaded.Len())
		}
		for i := 0; i < pair.saved.Len(); i++ {
			if pair.saved.Name(i) != pair.loaded.Name(i) {
				t.Errorf("%s #%d: expected name '%s', got '%s'", pair.name, i, pair.saved.Name(i), pair.loaded.Name(i))
			}
			saved, got := pair.saved.Tensor(i), pair.loaded.Tensor(i)
			if !saved.Shape().Eq(got.Shape()) {
				t.Errorf("%s #%d: expected shape %v, got %v", pair.name, i, saved.Shape(), got.Shape())
			}
			if !sameBits(saved.Data().([]float64), got.Data().([]float64)) {
				t.Errorf("%s #%d: values differ", pair.name, i)
			}
		}
	}

	// Restore into freshly initialized networks of the same architecture
	gen2, dis2 := testNetworks(cfg.Architecture)
	if err := loaded.Restore(gen2, dis2); err != nil {
		t.Fatal(err)
	}
	for i, n := range gen2.Learnables() {
		if !sameBits(nodeData(t, n), genSnap.Tensor(i).Data().([]float64)) {
			t.Errorf("Generator's tensor #%d has not been restored", i)
		}
	}
	for i, n := range dis2.Learnables() {
		if !sameBits(nodeData(t, n), disSnap.Tensor(i).Data().([]float64)) {
			t.Errorf("Discriminator's tensor #%d has not been restored", i)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(store.Dir(), "models", "*.tmp-*"))
	if len(matches) != 0 {
		t.Errorf("Temporary files must be cleaned up, got %v", matches)
	}
}

func TestCheckpointStateMismatch(t *testing.T) {
	cfg := testConfig(t)
	gen, dis := testNetworks(cfg.Architecture)
	genSnap, _ := Snapshot(gen.Learnables())
	disSnap, _ := Snapshot(dis.Learnables())
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path, err := store.Save(&TrainingState{Epoch: 0, Discriminator: disSnap, Generator: genSnap})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}

	wider := cfg.Architecture
	wider.Resolution = 8
	gen2, dis2 := testNetworks(wider)
	genBefore, _ := Snapshot(gen2.Learnables())
	disBefore, _ := Snapshot(dis2.Learnables())
	err = loaded.Restore(gen2, dis2)
	var mismatch *StateMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected *StateMismatchError, got %v", err)
	}
	for i, n := range gen2.Learnables() {
		if !sameBits(nodeData(t, n), genBefore.Tensor(i).Data().([]float64)) {
			t.Errorf("Generator's tensor #%d must not be touched", i)
		}
	}
	for i, n := range dis2.Learnables() {
		if !sameBits(nodeData(t, n), disBefore.Tensor(i).Data().([]float64)) {
			t.Errorf("Discriminator's tensor #%d must not be touched", i)
		}
	}
}

func TestSaveAndLoadGenerator(t *testing.T) {
	cfg := testConfig(t)
	gen, _ := testNetworks(cfg.Architecture)
	snap, _ := Snapshot(gen.Learnables())
	store, err := NewCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	path, err := store.SaveGenerator(3, snap)
	if err != nil {
		t.Fatal(err)
	}
	if path != store.AveragePath(3) {
		t.Errorf("Expected path '%s', got '%s'", store.AveragePath(3), path)
	}
	gen2, _ := testNetworks(cfg.Architecture)
	if err := LoadGenerator(path, gen2); err != nil {
		t.Fatal(err)
	}
	for i, n := range gen2.Learnables() {
		if !sameBits(nodeData(t, n), snap.Tensor(i).Data().([]float64)) {
			t.Errorf("Tensor #%d has not been loaded", i)
		}
	}
}

func TestLoadStateCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ckpt")
	if err := os.WriteFile(path, []byte{0x0a, 0xff, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Error("Corrupted checkpoint must be rejected")
	}
	if _, err := LoadState(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Error("Missing checkpoint must be rejected")
	}
}

func encodedTensor(shape []uint64, data []float64) []byte {
	packed := []byte{}
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, d)
	}
	b := protowire.AppendTag(nil, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, "w")
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	if len(data) > 0 {
		b = appendPackedDoubles(b, fieldTensorData, data)
	}
	return b
}

func TestDecodeTensorShape(t *testing.T) {
	tests := []struct {
		name  string
		shape []uint64
		data  []float64
		valid bool
	}{
		{"regular", []uint64{2, 2}, []float64{1, 2, 3, 4}, true},
		{"zero dimension", []uint64{0, 4}, nil, false},
		{"huge dimension", []uint64{1 << 62, 4}, nil, false},
		{"overflowing product", []uint64{1 << 20, 1 << 20, 1 << 20}, nil, false},
		{"values count mismatch", []uint64{2, 2}, []float64{1, 2, 3}, false},
	}
	for _, tt := range tests {
		name, dense, err := decodeTensor(encodedTensor(tt.shape, tt.data))
		if !tt.valid {
			if err == nil {
				t.Errorf("%s: tensor of shape %v must be rejected", tt.name, tt.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if name != "w" || dense.Shape().TotalSize() != len(tt.data) {
			t.Errorf("%s: unexpected tensor '%s' of shape %v", tt.name, name, dense.Shape())
		}
	}
}
