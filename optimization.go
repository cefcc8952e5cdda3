package stylegan2_go

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ParamGroup Subset of network's learnables trained with its own learn rate
type ParamGroup struct {
	Name       string
	Learnables gorgonia.Nodes
	LearnRate  float64
}

type paramGroup struct {
	name       string
	learnables gorgonia.Nodes
	learnRate  float64
	solver     *gorgonia.AdamSolver
}

// OptimizationStep Single parameter update transaction of one network: forward, backward and solver step.
// It is the only thing allowed to mutate learnables of its groups.
type OptimizationStep struct {
	name    string
	cost    *gorgonia.Node
	costVal gorgonia.Value
	machine gorgonia.VM
	groups  []*paramGroup
}

// NewOptimizationStep Prepares gradients of cost w.r.t. learnables of provided groups and compiles cost's graph.
// Every group gets its own Adam solver, so moments of different groups never mix.
//
// name - name of network (used in errors)
// cost - scalar loss node
// groups - parameter groups. Empty groups are skipped
// beta1, beta2 - Adam's decay rates of first and second moments
//
// Note: every node which is needed to be read by caller must be declared via gorgonia.Read before this call
//
func NewOptimizationStep(name string, cost *gorgonia.Node, groups []ParamGroup, beta1, beta2 float64) (*OptimizationStep, error) {
	if !cost.IsScalar() {
		return nil, fmt.Errorf("Cost of '%s' must be scalar, got shape %v", name, cost.Shape())
	}
	step := &OptimizationStep{
		name:   name,
		cost:   cost,
		groups: make([]*paramGroup, 0, len(groups)),
	}
	all := gorgonia.Nodes{}
	for _, grp := range groups {
		if len(grp.Learnables) == 0 {
			continue
		}
		if grp.LearnRate <= 0 {
			return nil, &ConfigurationError{Field: fmt.Sprintf("%s.%s learn rate", name, grp.Name), Reason: "must be positive"}
		}
		step.groups = append(step.groups, &paramGroup{
			name:       grp.Name,
			learnables: grp.Learnables,
			learnRate:  grp.LearnRate,
			solver:     gorgonia.NewAdamSolver(gorgonia.WithLearnRate(grp.LearnRate), gorgonia.WithBeta1(beta1), gorgonia.WithBeta2(beta2)),
		})
		all = append(all, grp.Learnables...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("Network '%s' has no learnables", name)
	}
	gorgonia.WithName(name + "_loss")(cost)
	_, err := gorgonia.Grad(cost, all...)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("Can't prepare gradients of '%s'", name))
	}
	gorgonia.Read(cost, &step.costVal)
	step.machine = gorgonia.NewTapeMachine(cost.Graph(), gorgonia.BindDualValues(all...))
	return step, nil
}

// Update Runs forward and backward passes and applies solvers' steps. Inputs must be fed via gorgonia.Let beforehand.
// Returns value of the loss computed before the update
func (step *OptimizationStep) Update() (float64, error) {
	defer step.machine.Reset()
	if err := step.machine.RunAll(); err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("Can't run forward/backward passes of '%s'", step.name))
	}
	loss, err := scalarValue(step.costVal)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("Can't read loss of '%s'", step.name))
	}
	for _, grp := range step.groups {
		if err := grp.solver.Step(gorgonia.NodesToValueGrads(grp.learnables)); err != nil {
			return 0, errors.Wrap(err, fmt.Sprintf("Can't do solver step for '%s.%s'", step.name, grp.name))
		}
	}
	return loss, nil
}

// DecayLearnRate Multiplies learn rate of every group by gamma. Solvers' moments are kept
func (step *OptimizationStep) DecayLearnRate(gamma float64) {
	for _, grp := range step.groups {
		grp.learnRate *= gamma
		gorgonia.WithLearnRate(grp.learnRate)(grp.solver)
	}
}

// LearnRates Returns current learn rate of each group
func (step *OptimizationStep) LearnRates() map[string]float64 {
	rates := make(map[string]float64, len(step.groups))
	for _, grp := range step.groups {
		rates[grp.name] = grp.learnRate
	}
	return rates
}

// Close Releases tape machine
func (step *OptimizationStep) Close() error {
	return step.machine.Close()
}

func scalarValue(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, errors.New("Value has not been evaluated")
	}
	switch val := v.Data().(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case []float64:
		if len(val) == 1 {
			return val[0], nil
		}
	case []float32:
		if len(val) == 1 {
			return float64(val[0]), nil
		}
	}
	return 0, fmt.Errorf("Value of type %T is not a scalar", v.Data())
}

// evaluator Forward-only runner of a graph
type evaluator struct {
	machine gorgonia.VM
}

func newEvaluator(g *gorgonia.ExprGraph) *evaluator {
	return &evaluator{machine: gorgonia.NewTapeMachine(g)}
}

func (ev *evaluator) run() error {
	defer ev.machine.Reset()
	return ev.machine.RunAll()
}

func (ev *evaluator) Close() error {
	return ev.machine.Close()
}

// cloneDense Detaches evaluated value from graph
func cloneDense(v gorgonia.Value) (*tensor.Dense, error) {
	if v == nil {
		return nil, errors.New("Value has not been evaluated")
	}
	dense, ok := v.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Value holds %T, but *tensor.Dense is expected", v)
	}
	return dense.Clone().(*tensor.Dense), nil
}
