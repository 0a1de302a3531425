package adagpr

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	T "gorgonia.org/tensor"
)

func convWeightName(l int) string { return "conv" + strconv.Itoa(l) + ".weight" }
func gprName(l int) string        { return "conv" + strconv.Itoa(l) + ".gpr" }

// glorotUniform draws from U(-a, a) with a = sqrt(6 / (fanIn + fanOut)) using rng,
// so that runs with the same seed start from the same weights.
func glorotUniform(rng *rand.Rand) G.InitWFn {
	return func(dt T.Dtype, s ...int) interface{} {
		if dt != T.Float64 {
			panic("glorotUniform only supports float64")
		}
		limit := math.Sqrt(6 / float64(s[0]+s[len(s)-1]))
		out := make([]float64, T.Shape(s).TotalSize())
		for i := range out {
			out[i] = (2*rng.Float64() - 1) * limit
		}
		return out
	}
}

// oneHop starts a 1 x K coefficient row as the plain adjacency operator A^1,
// or the identity when there is only one power.
func oneHop() G.InitWFn {
	return func(dt T.Dtype, s ...int) interface{} {
		if dt != T.Float64 {
			panic("oneHop only supports float64")
		}
		out := make([]float64, T.Shape(s).TotalSize())
		if len(out) > 1 {
			out[1] = 1
		} else {
			out[0] = 1
		}
		return out
	}
}

func cloneValue(v G.Value) *T.Dense {
	data := append([]float64(nil), v.Data().([]float64)...)
	return T.New(T.WithShape(v.Shape().Clone()...), T.WithBacking(data))
}

func (m *Model) namedWeights() map[string]*G.Node {
	nodes := map[string]*G.Node{
		"fc0.weight": m.fc0Weight,
		"fc0.bias":   m.fc0Bias,
		"fc1.weight": m.fc1Weight,
		"fc1.bias":   m.fc1Bias,
	}
	for i := range m.convWeights {
		nodes[convWeightName(i+1)] = m.convWeights[i]
		nodes[gprName(i+1)] = m.gprCoeffs[i]
	}
	return nodes
}

// Weights returns a copy of every trainable tensor keyed by name.
func (m *Model) Weights() map[string]*T.Dense {
	out := make(map[string]*T.Dense)
	for name, n := range m.namedWeights() {
		out[name] = cloneValue(n.Value())
	}
	return out
}

// LoadWeights replaces the model weights. Every weight of the model must be
// present with a matching shape; extra entries are an error too.
func (m *Model) LoadWeights(weights map[string]*T.Dense) error {
	nodes := m.namedWeights()
	if len(weights) != len(nodes) {
		return errors.Errorf("got %d weights, model has %d", len(weights), len(nodes))
	}
	for name, n := range nodes {
		w, ok := weights[name]
		if !ok {
			return errors.Errorf("missing weight %q", name)
		}
		if !w.Shape().Eq(n.Shape()) {
			return errors.Errorf("weight %q has shape %v, model expects %v", name, w.Shape(), n.Shape())
		}
	}
	for name, n := range nodes {
		if err := G.Let(n, cloneValue(weights[name])); err != nil {
			return errors.Wrapf(err, "setting %s", name)
		}
	}
	return nil
}

// CopyWeightsTo copies the weights of this model into other, which must have
// been built with the same configuration.
func (m *Model) CopyWeightsTo(other *Model) error {
	return other.LoadWeights(m.Weights())
}
