// Package adagpr implements an adaptive generalized PageRank graph network on
// top of a gorgonia expression graph.
//
// Each propagation layer mixes precomputed powers of the normalized adjacency
// matrix with its own learnable coefficients, then applies a GCNII style
// update with an initial residual connection and identity mapping.
package adagpr

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	T "gorgonia.org/tensor"
)

// Config holds the hyperparameters of the network and its objective.
type Config struct {
	NumNodes    int
	NumFeatures int
	NumClasses  int

	Layers  int
	Hidden  int
	Dropout float64
	Alpha   float64 // weight of the initial residual h0
	Lambda  float64 // identity mapping strength, theta_l = ln(lambda/l + 1)
	Variant bool    // concatenate h0 instead of mixing it into the support

	// WeightDecay1 applies to the layer weights, WeightDecay3 to the GPR
	// coefficients and WeightDecay2 to the input and output dense layers.
	WeightDecay1 float64
	WeightDecay2 float64
	WeightDecay3 float64

	Seed int64
}

func (c Config) validate() error {
	switch {
	case c.NumNodes < 1 || c.NumFeatures < 1 || c.NumClasses < 1:
		return errors.Errorf("invalid data dimensions: %d nodes, %d features, %d classes", c.NumNodes, c.NumFeatures, c.NumClasses)
	case c.Layers < 1:
		return errors.Errorf("need at least one layer, got %d", c.Layers)
	case c.Hidden < 1:
		return errors.Errorf("need at least one hidden unit, got %d", c.Hidden)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	case c.Lambda <= 0:
		return errors.Errorf("lambda must be positive, got %v", c.Lambda)
	case c.WeightDecay1 < 0 || c.WeightDecay2 < 0 || c.WeightDecay3 < 0:
		return errors.New("weight decay must not be negative")
	}
	return nil
}

// Model is one instance of the network. Training instances apply dropout and
// compute gradients; evaluation instances do neither. Both compute the same
// regularized loss so validation loss is comparable across epochs.
type Model struct {
	cfg      Config
	training bool

	g        *G.ExprGraph
	features *G.Node // N x F node features
	target   *G.Node // N x C one-hot rows of the scored nodes, scaled by 1/count

	fc0Weight, fc0Bias *G.Node
	fc1Weight, fc1Bias *G.Node
	convWeights        []*G.Node
	gprCoeffs          []*G.Node

	outputValue G.Value // N x C log probabilities
	lossValue   G.Value

	machine G.VM
}

// New builds the network graph. powers is the K x N*N stack of adjacency
// powers; it is shared read-only between instances.
func New(cfg Config, powers *T.Dense, training bool) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	shape := powers.Shape()
	if len(shape) != 2 || shape[1] != cfg.NumNodes*cfg.NumNodes {
		return nil, errors.Errorf("powers have shape %v, want (K, %d)", shape, cfg.NumNodes*cfg.NumNodes)
	}
	numPowers := shape[0]

	m := &Model{cfg: cfg, training: training, g: G.NewGraph()}
	rng := rand.New(rand.NewSource(cfg.Seed))
	n, h := cfg.NumNodes, cfg.Hidden

	m.features = G.NewMatrix(m.g, G.Float64, G.WithShape(n, cfg.NumFeatures), G.WithName("features"))
	m.target = G.NewMatrix(m.g, G.Float64, G.WithShape(n, cfg.NumClasses), G.WithName("target"))
	adjPowers := G.NewConstant(powers, G.WithName("adj_powers"))

	m.fc0Weight = G.NewMatrix(m.g, G.Float64, G.WithShape(cfg.NumFeatures, h), G.WithName("fc0.weight"), G.WithInit(glorotUniform(rng)))
	m.fc0Bias = G.NewMatrix(m.g, G.Float64, G.WithShape(1, h), G.WithName("fc0.bias"), G.WithInit(G.Zeroes()))
	m.fc1Weight = G.NewMatrix(m.g, G.Float64, G.WithShape(h, cfg.NumClasses), G.WithName("fc1.weight"), G.WithInit(glorotUniform(rng)))
	m.fc1Bias = G.NewMatrix(m.g, G.Float64, G.WithShape(1, cfg.NumClasses), G.WithName("fc1.bias"), G.WithInit(G.Zeroes()))

	convIn := h
	if cfg.Variant {
		convIn = 2 * h
	}
	for l := 1; l <= cfg.Layers; l++ {
		m.convWeights = append(m.convWeights, G.NewMatrix(m.g, G.Float64, G.WithShape(convIn, h),
			G.WithName(convWeightName(l)), G.WithInit(glorotUniform(rng))))
		m.gprCoeffs = append(m.gprCoeffs, G.NewMatrix(m.g, G.Float64, G.WithShape(1, numPowers),
			G.WithName(gprName(l)), G.WithInit(oneHop())))
	}

	// Input layer
	x := m.dropout(m.features)
	h0 := G.Must(G.Rectify(G.Must(G.BroadcastAdd(G.Must(G.Mul(x, m.fc0Weight)), m.fc0Bias, nil, []byte{0}))))

	// Propagation layers
	hidden := h0
	for l := 1; l <= cfg.Layers; l++ {
		hidden = m.propagate(l, m.dropout(hidden), h0, adjPowers)
	}

	// Output layer
	logits := G.Must(G.BroadcastAdd(G.Must(G.Mul(m.dropout(hidden), m.fc1Weight)), m.fc1Bias, nil, []byte{0}))
	output := logSoftmax(logits, n)
	G.Read(output, &m.outputValue)

	loss := G.Must(G.Add(maskedNLL(output, m.target), m.penalty()))
	G.Read(loss, &m.lossValue)

	if training {
		if _, err := G.Grad(loss, m.learnables()...); err != nil {
			return nil, errors.Wrap(err, "building gradients")
		}
		m.machine = G.NewTapeMachine(m.g, G.BindDualValues(m.learnables()...))
	} else {
		m.machine = G.NewTapeMachine(m.g)
	}
	return m, nil
}

// propagate is one AdaGPR layer:
//
//	S  = sum_k gamma_k A^k
//	hi = S h
//	r  = (1 - alpha) hi + alpha h0
//	h' = relu(theta (support W) + (1 - theta) r)
//
// where support is r, or [hi, h0] for the variant.
func (m *Model) propagate(l int, h, h0, adjPowers *G.Node) *G.Node {
	n := m.cfg.NumNodes
	op := G.Must(G.Reshape(G.Must(G.Mul(m.gprCoeffs[l-1], adjPowers)), T.Shape{n, n}))
	hi := G.Must(G.Mul(op, h))

	r := G.Must(G.Add(
		G.Must(G.Mul(hi, G.NewConstant(1-m.cfg.Alpha))),
		G.Must(G.Mul(h0, G.NewConstant(m.cfg.Alpha))),
	))
	support := r
	if m.cfg.Variant {
		support = G.Must(G.Concat(1, hi, h0))
	}

	theta := math.Log(m.cfg.Lambda/float64(l) + 1)
	out := G.Must(G.Add(
		G.Must(G.Mul(G.Must(G.Mul(support, m.convWeights[l-1])), G.NewConstant(theta))),
		G.Must(G.Mul(r, G.NewConstant(1-theta))),
	))
	return G.Must(G.Rectify(out))
}

func (m *Model) dropout(x *G.Node) *G.Node {
	if !m.training || m.cfg.Dropout == 0 {
		return x
	}
	return G.Must(G.Dropout(x, m.cfg.Dropout))
}

// logSoftmax computes x - log(sum(exp(x))) along the class axis of an n x C
// matrix. Rows are shifted by their maximum first so exp never overflows.
func logSoftmax(x *G.Node, n int) *G.Node {
	rowMax := G.Must(G.Reshape(G.Must(G.Max(x, 1)), T.Shape{n, 1}))
	shifted := G.Must(G.BroadcastSub(x, rowMax, nil, []byte{1}))
	lse := G.Must(G.Log(G.Must(G.Sum(G.Must(G.Exp(shifted)), 1))))
	lse = G.Must(G.Reshape(lse, T.Shape{n, 1}))
	return G.Must(G.BroadcastSub(shifted, lse, nil, []byte{1}))
}

// maskedNLL is the mean negative log likelihood over the rows selected by
// target, which holds one-hot rows already divided by the number of rows.
func maskedNLL(logProbs, target *G.Node) *G.Node {
	return G.Must(G.Neg(G.Must(G.Sum(G.Must(G.HadamardProd(logProbs, target))))))
}

// penalty sums the weighted squared L2 norms of both parameter groups.
// Params1 alternates layer weights (wd1) and GPR coefficients (wd3).
func (m *Model) penalty() *G.Node {
	var terms G.Nodes
	for i, p := range m.Params1() {
		wd := m.cfg.WeightDecay1
		if i%2 == 1 {
			wd = m.cfg.WeightDecay3
		}
		terms = append(terms, l2(p, wd))
	}
	for _, p := range m.Params2() {
		terms = append(terms, l2(p, m.cfg.WeightDecay2))
	}

	total := terms[0]
	for _, t := range terms[1:] {
		total = G.Must(G.Add(total, t))
	}
	return total
}

func l2(p *G.Node, wd float64) *G.Node {
	return G.Must(G.Mul(G.Must(G.Sum(G.Must(G.Square(p)))), G.NewConstant(wd)))
}

// Params1 returns the propagation parameters, interleaved as
// conv1.weight, conv1.gpr, conv2.weight, conv2.gpr, ...
func (m *Model) Params1() G.Nodes {
	nodes := make(G.Nodes, 0, 2*len(m.convWeights))
	for i := range m.convWeights {
		nodes = append(nodes, m.convWeights[i], m.gprCoeffs[i])
	}
	return nodes
}

// Params2 returns the input and output dense layer parameters.
func (m *Model) Params2() G.Nodes {
	return G.Nodes{m.fc0Weight, m.fc0Bias, m.fc1Weight, m.fc1Bias}
}

func (m *Model) learnables() G.Nodes {
	return append(m.Params1(), m.Params2()...)
}

// Step runs a forward and backward pass and updates the weights with solver.
// It returns the loss and the output computed before the update.
func (m *Model) Step(features, target T.Tensor, solver G.Solver) (float64, *T.Dense, error) {
	if !m.training {
		return 0, nil, errors.New("cannot train a model that was not created for training")
	}
	if err := m.run(features, target); err != nil {
		return 0, nil, err
	}
	if err := solver.Step(G.NodesToValueGrads(m.learnables())); err != nil {
		return 0, nil, errors.Wrap(err, "solver step")
	}
	return m.lossValue.Data().(float64), cloneValue(m.outputValue), nil
}

// Evaluate runs a forward pass and returns the loss and the log probabilities.
func (m *Model) Evaluate(features, target T.Tensor) (float64, *T.Dense, error) {
	if m.training {
		return 0, nil, errors.New("cannot evaluate with a model created for training")
	}
	if err := m.run(features, target); err != nil {
		return 0, nil, err
	}
	return m.lossValue.Data().(float64), cloneValue(m.outputValue), nil
}

func (m *Model) run(features, target T.Tensor) error {
	m.machine.Reset()
	if err := G.Let(m.features, features); err != nil {
		return errors.Wrap(err, "setting features")
	}
	if err := G.Let(m.target, target); err != nil {
		return errors.Wrap(err, "setting target")
	}
	return errors.Wrap(m.machine.RunAll(), "running graph")
}

// Close releases the machine.
func (m *Model) Close() error {
	return m.machine.Close()
}
