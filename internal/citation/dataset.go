// Package citation loads citation graphs for semi-supervised node classification.
package citation

import (
	"math/rand"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	T "gorgonia.org/tensor"

	"github.com/tophatjap/adaGPR/internal/propagation"
)

// Dataset is a normalized citation graph together with its node splits.
type Dataset struct {
	Name     string
	Adj      *T.CS     // D^-1/2 (A + I) D^-1/2
	Features *mat.Dense // row normalized, one row per node
	Labels   []int
	Classes  []string

	Train, Val, Test []int
}

// SplitConfig controls how nodes are divided into train, validation and test sets.
type SplitConfig struct {
	TrainPerClass int
	NumVal        int
	NumTest       int
	Seed          int64
}

// DefaultSplit is the usual Planetoid split: 20 labelled nodes per class,
// 500 validation nodes and 1000 test nodes.
func DefaultSplit(seed int64) SplitConfig {
	return SplitConfig{TrainPerClass: 20, NumVal: 500, NumTest: 1000, Seed: seed}
}

func (d *Dataset) NumNodes() int    { return len(d.Labels) }
func (d *Dataset) NumClasses() int  { return len(d.Classes) }
func (d *Dataset) NumFeatures() int { _, c := d.Features.Dims(); return c }

// New builds a dataset from raw features, integer labels in [0, C) and
// undirected edges between node indices. features is not modified.
func New(name string, features *mat.Dense, labels []int, edges [][2]int, split SplitConfig) (*Dataset, error) {
	n, _ := features.Dims()
	if n != len(labels) {
		return nil, errors.Errorf("%d feature rows but %d labels", n, len(labels))
	}
	numClasses := 0
	for i, l := range labels {
		if l < 0 {
			return nil, errors.Errorf("node %d has negative label %d", i, l)
		}
		if l+1 > numClasses {
			numClasses = l + 1
		}
	}
	classes := make([]string, numClasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return build(name, features, labels, classes, edges, split)
}

func build(name string, features *mat.Dense, labels []int, classes []string, edges [][2]int, split SplitConfig) (*Dataset, error) {
	n, _ := features.Dims()
	adj, err := propagation.NormalizedAdjacency(n, edges)
	if err != nil {
		return nil, errors.Wrapf(err, "normalizing adjacency of %s", name)
	}

	d := &Dataset{
		Name:     name,
		Adj:      adj,
		Features: rowNormalize(features),
		Labels:   labels,
		Classes:  classes,
	}
	if d.Train, d.Val, d.Test, err = splitNodes(labels, len(classes), split); err != nil {
		return nil, errors.Wrapf(err, "splitting %s", name)
	}
	return d, nil
}

func rowNormalize(features *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(features)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		if s := floats.Sum(row); s != 0 {
			floats.Scale(1/s, row)
		}
	}
	return out
}

func splitNodes(labels []int, numClasses int, cfg SplitConfig) (train, val, test []int, err error) {
	if cfg.TrainPerClass < 1 || cfg.NumVal < 0 || cfg.NumTest < 0 {
		return nil, nil, nil, errors.Errorf("invalid split %+v", cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	perClass := make([]int, numClasses)
	var rest []int
	for _, node := range rng.Perm(len(labels)) {
		if l := labels[node]; perClass[l] < cfg.TrainPerClass {
			perClass[l]++
			train = append(train, node)
			continue
		}
		rest = append(rest, node)
	}
	for c, count := range perClass {
		if count < cfg.TrainPerClass {
			return nil, nil, nil, errors.Errorf("class %d has %d nodes, need %d for training", c, count, cfg.TrainPerClass)
		}
	}
	if len(rest) < cfg.NumVal+cfg.NumTest {
		return nil, nil, nil, errors.Errorf("%d nodes left after training split, need %d", len(rest), cfg.NumVal+cfg.NumTest)
	}

	val = append([]int(nil), rest[:cfg.NumVal]...)
	test = append([]int(nil), rest[cfg.NumVal:cfg.NumVal+cfg.NumTest]...)
	sort.Ints(train)
	sort.Ints(val)
	sort.Ints(test)
	return train, val, test, nil
}
