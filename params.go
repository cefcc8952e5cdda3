package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ParamSnapshot Detached copy of an ordered parameter set. Values are never shared with live nodes.
type ParamSnapshot struct {
	names  []string
	values []*tensor.Dense
}

// Snapshot Copies current values of provided learnables
func Snapshot(nodes gorgonia.Nodes) (*ParamSnapshot, error) {
	snap := &ParamSnapshot{
		names:  make([]string, len(nodes)),
		values: make([]*tensor.Dense, len(nodes)),
	}
	for i, n := range nodes {
		dense, err := denseOf(n)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't snapshot parameter #%d", i))
		}
		snap.names[i] = n.Name()
		snap.values[i] = dense.Clone().(*tensor.Dense)
	}
	return snap, nil
}

// newParamSnapshot Wraps already detached tensors
func newParamSnapshot(names []string, values []*tensor.Dense) (*ParamSnapshot, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("Got %d names for %d tensors", len(names), len(values))
	}
	return &ParamSnapshot{names: names, values: values}, nil
}

// Len Returns number of tensors in parameter set
func (snap *ParamSnapshot) Len() int {
	return len(snap.values)
}

// Name Returns name of i-th parameter
func (snap *ParamSnapshot) Name(i int) string {
	return snap.names[i]
}

// Tensor Returns copy of i-th parameter
func (snap *ParamSnapshot) Tensor(i int) *tensor.Dense {
	return snap.values[i].Clone().(*tensor.Dense)
}

// Clone Returns deep copy of snapshot
func (snap *ParamSnapshot) Clone() *ParamSnapshot {
	cloned := &ParamSnapshot{
		names:  make([]string, len(snap.names)),
		values: make([]*tensor.Dense, len(snap.values)),
	}
	copy(cloned.names, snap.names)
	for i := range snap.values {
		cloned.values[i] = snap.values[i].Clone().(*tensor.Dense)
	}
	return cloned
}

// Match Checks that snapshot has the same ordering and shapes as provided learnables.
// Returns *StateMismatchError describing every difference
func (snap *ParamSnapshot) Match(network string, nodes gorgonia.Nodes) error {
	mismatches := []string{}
	if len(nodes) != len(snap.values) {
		mismatches = append(mismatches, fmt.Sprintf("expected %d tensors, got %d", len(nodes), len(snap.values)))
	}
	for i := 0; i < len(nodes) && i < len(snap.values); i++ {
		if !nodes[i].Shape().Eq(snap.values[i].Shape()) {
			mismatches = append(mismatches, fmt.Sprintf("tensor #%d '%s': expected shape %v, got %v", i, nodes[i].Name(), nodes[i].Shape(), snap.values[i].Shape()))
		}
	}
	if len(mismatches) > 0 {
		return &StateMismatchError{Network: network, Mismatches: mismatches}
	}
	return nil
}

// CopyInto Writes snapshot values into provided learnables in place.
// Nothing is written unless the whole structure matches.
func (snap *ParamSnapshot) CopyInto(nodes gorgonia.Nodes) error {
	if err := snap.Match("parameter set", nodes); err != nil {
		return err
	}
	targets := make([][]float64, len(nodes))
	for i, n := range nodes {
		dense, err := denseOf(n)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Can't access parameter #%d", i))
		}
		if targets[i], err = float64Data(dense); err != nil {
			return errors.Wrap(err, fmt.Sprintf("Can't access parameter #%d", i))
		}
	}
	for i := range targets {
		src, err := float64Data(snap.values[i])
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Can't access snapshot tensor #%d", i))
		}
		copy(targets[i], src)
	}
	return nil
}

// denseOf Returns dense value bound to node
func denseOf(n *gorgonia.Node) (*tensor.Dense, error) {
	v := n.Value()
	if v == nil {
		return nil, fmt.Errorf("Node '%s' has no value", n.Name())
	}
	dense, ok := v.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Node '%s' holds %T, but *tensor.Dense is expected", n.Name(), v)
	}
	return dense, nil
}

func float64Data(d *tensor.Dense) ([]float64, error) {
	data, ok := d.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("Only Float64 tensors are supported, got %v", d.Dtype())
	}
	return data, nil
}

// EMA Exponential moving average of generator's parameters (shadow).
// Shadow never participates in gradient computation: it is installed into live learnables only by Borrow
type EMA struct {
	decay  float64
	shadow *ParamSnapshot
}

// NewEMA Initializes shadow with current values of live learnables
func NewEMA(live gorgonia.Nodes, decay float64) (*EMA, error) {
	if decay <= 0 || decay >= 1 {
		return nil, &ConfigurationError{Field: "ema_decay", Reason: "must be in (0, 1)"}
	}
	shadow, err := Snapshot(live)
	if err != nil {
		return nil, errors.Wrap(err, "Can't initialize shadow")
	}
	return &EMA{decay: decay, shadow: shadow}, nil
}

// Update Decays shadow towards live parameters: shadow = shadow*decay + live*(1-decay)
func (ema *EMA) Update(live gorgonia.Nodes) error {
	if err := ema.shadow.Match("EMA shadow", live); err != nil {
		return err
	}
	for i, n := range live {
		dense, err := denseOf(n)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("Can't access parameter #%d", i))
		}
		liveData, err := float64Data(dense)
		if err != nil {
			return err
		}
		shadowData, err := float64Data(ema.shadow.values[i])
		if err != nil {
			return err
		}
		for j := range shadowData {
			shadowData[j] = shadowData[j]*ema.decay + liveData[j]*(1-ema.decay)
		}
	}
	return nil
}

// Shadow Returns copy of current shadow
func (ema *EMA) Shadow() *ParamSnapshot {
	return ema.shadow.Clone()
}

// Borrow Installs shadow into live learnables, calls fn and restores live values on every exit path (errors and panics included)
func (ema *EMA) Borrow(live gorgonia.Nodes, fn func() error) (err error) {
	return borrow(live, ema.shadow, fn)
}

func borrow(live gorgonia.Nodes, temporary *ParamSnapshot, fn func() error) (err error) {
	backup, err := Snapshot(live)
	if err != nil {
		return errors.Wrap(err, "Can't backup live parameters")
	}
	if err = temporary.CopyInto(live); err != nil {
		return errors.Wrap(err, "Can't install temporary parameters")
	}
	defer func() {
		if restoreErr := backup.CopyInto(live); restoreErr != nil && err == nil {
			err = errors.Wrap(restoreErr, "Can't restore live parameters")
		}
	}()
	return fn()
}
