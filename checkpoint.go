package stylegan2_go

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const checkpointVersion = 1

// Wire layout of checkpoint record
//
// record:    1 version (varint), 2 epoch (varint), 3 discriminator (paramSet), 4 generator (paramSet),
//            5 generator losses (packed double), 6 discriminator losses (packed double)
// paramSet:  1 tensor (repeated)
// tensor:    1 name (string), 2 shape (packed varint), 3 data (packed double)
const (
	fieldVersion       protowire.Number = 1
	fieldEpoch         protowire.Number = 2
	fieldDiscriminator protowire.Number = 3
	fieldGenerator     protowire.Number = 4
	fieldLossG         protowire.Number = 5
	fieldLossD         protowire.Number = 6

	fieldTensor protowire.Number = 1

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// TrainingState Everything needed to resume training
//
// Epoch - epoch which has been finished when state was saved
// Discriminator, Generator - parameter sets
// LossD, LossG - per-epoch mean losses of epochs [0; Epoch]
//
type TrainingState struct {
	Epoch         int
	Discriminator *ParamSnapshot
	Generator     *ParamSnapshot
	LossD         []float64
	LossG         []float64
}

// NextEpoch Returns epoch to resume from
func (state *TrainingState) NextEpoch() int {
	return state.Epoch + 1
}

// Restore Writes stored parameter sets into networks.
// Both sets are checked before anything is written, so a mismatch never leaves networks partially loaded.
func (state *TrainingState) Restore(gen Generator, dis Discriminator) error {
	if state.Generator == nil || state.Discriminator == nil {
		return errors.New("Training state has no parameters")
	}
	if err := state.Discriminator.Match("discriminator", dis.Learnables()); err != nil {
		return err
	}
	if err := state.Generator.Match("generator", gen.Learnables()); err != nil {
		return err
	}
	if err := state.Discriminator.CopyInto(dis.Learnables()); err != nil {
		return errors.Wrap(err, "Can't restore discriminator")
	}
	if err := state.Generator.CopyInto(gen.Learnables()); err != nil {
		return errors.Wrap(err, "Can't restore generator")
	}
	return nil
}

// CheckpointStore Epoch-keyed storage of training states, averaged generators and samples
//
// Layout:
//	<dir>/models/all_model_epoch_<N>.ckpt - TrainingState
//	<dir>/models/avg_g_epoch_<N>.ckpt - parameters of EMA generator
//	<dir>/images/<N>.png - samples
//
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore Creates 'models' and 'images' folders under dir
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	for _, sub := range []string{"models", "images"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't create folder '%s'", sub))
		}
	}
	return &CheckpointStore{dir: dir}, nil
}

// Dir Returns root folder
func (store *CheckpointStore) Dir() string {
	return store.dir
}

// ModelPath Returns path of training state saved after provided epoch
func (store *CheckpointStore) ModelPath(epoch int) string {
	return filepath.Join(store.dir, "models", fmt.Sprintf("all_model_epoch_%d.ckpt", epoch))
}

// AveragePath Returns path of EMA generator saved after provided epoch
func (store *CheckpointStore) AveragePath(epoch int) string {
	return filepath.Join(store.dir, "models", fmt.Sprintf("avg_g_epoch_%d.ckpt", epoch))
}

// ImagePath Returns path of samples grid rendered after provided epoch
func (store *CheckpointStore) ImagePath(epoch int) string {
	return filepath.Join(store.dir, "images", fmt.Sprintf("%d.png", epoch))
}

// Save Atomically writes training state to ModelPath(state.Epoch)
func (store *CheckpointStore) Save(state *TrainingState) (string, error) {
	if state.Generator == nil || state.Discriminator == nil {
		return "", errors.New("Training state has no parameters")
	}
	buf, err := encodeState(state)
	if err != nil {
		return "", errors.Wrap(err, "Can't encode training state")
	}
	path := store.ModelPath(state.Epoch)
	if err := writeFileAtomic(path, buf); err != nil {
		return "", err
	}
	return path, nil
}

// SaveGenerator Atomically writes generator's parameter set to AveragePath(epoch)
func (store *CheckpointStore) SaveGenerator(epoch int, params *ParamSnapshot) (string, error) {
	buf, err := appendParamSet(nil, params)
	if err != nil {
		return "", errors.Wrap(err, "Can't encode generator")
	}
	path := store.AveragePath(epoch)
	if err := writeFileAtomic(path, buf); err != nil {
		return "", err
	}
	return path, nil
}

// LoadState Reads training state from file
func LoadState(path string) (*TrainingState, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read checkpoint")
	}
	state, err := decodeState(buf)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("Can't decode checkpoint '%s'", path))
	}
	return state, nil
}

// LoadGenerator Reads parameter set written by SaveGenerator and installs it into generator
func LoadGenerator(path string, gen Generator) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "Can't read generator")
	}
	params, err := decodeParamSet(buf)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("Can't decode generator '%s'", path))
	}
	if err := params.Match("generator", gen.Learnables()); err != nil {
		return err
	}
	return params.CopyInto(gen.Learnables())
}

// writeFileAtomic Writes data to temporary file in the same folder and renames it, so readers never see partial file
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "Can't create temporary file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "Can't write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "Can't sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "Can't close temporary file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, fmt.Sprintf("Can't move checkpoint to '%s'", path))
	}
	return nil
}

func encodeState(state *TrainingState) ([]byte, error) {
	if state.Epoch < 0 {
		return nil, fmt.Errorf("Epoch must not be negative, got %d", state.Epoch)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, checkpointVersion)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(state.Epoch))
	for _, set := range []struct {
		num    protowire.Number
		params *ParamSnapshot
	}{{fieldDiscriminator, state.Discriminator}, {fieldGenerator, state.Generator}} {
		encoded, err := appendParamSet(nil, set.params)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, set.num, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}
	b = appendPackedDoubles(b, fieldLossG, state.LossG)
	b = appendPackedDoubles(b, fieldLossD, state.LossD)
	return b, nil
}

func decodeState(b []byte) (*TrainingState, error) {
	state := &TrainingState{}
	version := uint64(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			version, n = protowire.ConsumeVarint(b)
		case num == fieldEpoch && typ == protowire.VarintType:
			var epoch uint64
			epoch, n = protowire.ConsumeVarint(b)
			state.Epoch = int(epoch)
		case (num == fieldDiscriminator || num == fieldGenerator) && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n < 0 {
				break
			}
			params, err := decodeParamSet(raw)
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("Can't decode parameter set #%d", num))
			}
			if num == fieldDiscriminator {
				state.Discriminator = params
			} else {
				state.Generator = params
			}
		case (num == fieldLossG || num == fieldLossD) && typ == protowire.BytesType:
			var values []float64
			values, n = consumePackedDoubles(b)
			if num == fieldLossG {
				state.LossG = append(state.LossG, values...)
			} else {
				state.LossD = append(state.LossD, values...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if version != checkpointVersion {
		return nil, fmt.Errorf("Unsupported checkpoint version %d", version)
	}
	if state.Generator == nil || state.Discriminator == nil {
		return nil, errors.New("Checkpoint misses parameter sets")
	}
	return state, nil
}

func appendParamSet(b []byte, params *ParamSnapshot) ([]byte, error) {
	if params == nil {
		return nil, errors.New("Parameter set is nil")
	}
	for i := 0; i < params.Len(); i++ {
		data, err := float64Data(params.values[i])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't encode tensor '%s'", params.names[i]))
		}
		var t []byte
		t = protowire.AppendTag(t, fieldTensorName, protowire.BytesType)
		t = protowire.AppendString(t, params.names[i])
		var shape []byte
		for _, d := range params.values[i].Shape() {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		t = protowire.AppendTag(t, fieldTensorShape, protowire.BytesType)
		t = protowire.AppendBytes(t, shape)
		t = appendPackedDoubles(t, fieldTensorData, data)

		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, t)
	}
	return b, nil
}

func decodeParamSet(b []byte) (*ParamSnapshot, error) {
	names := []string{}
	values := []*tensor.Dense{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldTensor || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		name, dense, err := decodeTensor(raw)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't decode tensor #%d", len(values)))
		}
		names = append(names, name)
		values = append(values, dense)
	}
	return newParamSnapshot(names, values)
}

// maxTensorSize Upper bound of tensor's dimension and number of elements accepted by decoder
const maxTensorSize = math.MaxInt32

func decodeTensor(b []byte) (string, *tensor.Dense, error) {
	name := ""
	shape := tensor.Shape{}
	data := []float64{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == fieldTensorShape && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			for len(raw) > 0 {
				d, m := protowire.ConsumeVarint(raw)
				if m < 0 {
					return "", nil, protowire.ParseError(m)
				}
				if d == 0 || d > maxTensorSize {
					return "", nil, fmt.Errorf("Tensor '%s' has invalid dimension %d", name, d)
				}
				shape = append(shape, int(d))
				raw = raw[m:]
			}
		case num == fieldTensorData && typ == protowire.BytesType:
			var values []float64
			values, n = consumePackedDoubles(b)
			data = append(data, values...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	size := 1
	for _, d := range shape {
		if size > maxTensorSize/d {
			return "", nil, fmt.Errorf("Tensor '%s' of shape %v is too large", name, shape)
		}
		size *= d
	}
	if shape.TotalSize() != len(data) {
		return "", nil, fmt.Errorf("Tensor '%s' of shape %v must have %d values, got %d", name, shape, shape.TotalSize(), len(data))
	}
	return name, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	packed := make([]byte, 0, len(values)*protowire.SizeFixed64())
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// consumePackedDoubles Returns decoded values and number of consumed bytes (negative on error)
func consumePackedDoubles(b []byte) ([]float64, int) {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	values := make([]float64, 0, len(raw)/protowire.SizeFixed64())
	for len(raw) > 0 {
		bits, m := protowire.ConsumeFixed64(raw)
		if m < 0 {
			return nil, m
		}
		values = append(values, math.Float64frombits(bits))
		raw = raw[m:]
	}
	return values, n
}

// snapshotOf Shortcut for Snapshot of network's learnables
func snapshotOf(nodes gorgonia.Nodes, network string) (*ParamSnapshot, error) {
	snap, err := Snapshot(nodes)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("Can't snapshot %s", network))
	}
	return snap, nil
}
